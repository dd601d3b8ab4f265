// Package onboard defines the narrow interactive-setup surface the CLI's
// --onboard flag drives. A full guided wizard is out of scope (spec.md
// §1 Non-goals); this package only states the interface a future wizard
// would implement, grounded on the teacher's onboarding command shape
// (cmd/onboard.go) without its content.
package onboard

import "context"

// Prompter is the minimal interactive surface a wizard step needs: ask a
// question, read a line back.
type Prompter interface {
	Ask(ctx context.Context, question string) (string, error)
	Confirm(ctx context.Context, question string, defaultYes bool) (bool, error)
}

// Step is one onboarding question, e.g. "which engine should be the
// default" or "what's your bot token". A concrete wizard is a sequence of
// Steps; none are implemented here.
type Step struct {
	Name string
	Run  func(ctx context.Context, p Prompter) error
}

// Run executes steps in order, stopping at the first error.
func Run(ctx context.Context, p Prompter, steps []Step) error {
	for _, s := range steps {
		if err := s.Run(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
