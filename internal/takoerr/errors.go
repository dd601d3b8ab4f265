// Package takoerr defines the error taxonomy from spec.md §7.
//
// Each kind is a distinguishable sentinel so callers can branch with
// errors.Is, matching the teacher's flat, wrapped-error style (plain
// fmt.Errorf("...: %w", err), no custom error framework).
package takoerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a bad config value or unknown project/engine reference.
	// Surfaced to the user; aborts the command.
	ErrConfig = errors.New("config error")

	// ErrDirective marks a malformed or conflicting in-message directive.
	// Surfaced as a user-visible "error:" reply.
	ErrDirective = errors.New("directive error")

	// ErrRunnerUnavailable marks an engine that failed its availability check.
	// Rendered as a final error frame with the resume token preserved.
	ErrRunnerUnavailable = errors.New("runner unavailable")

	// ErrTransport marks a failure in the messaging-service HTTP client.
	// Logged and retried at the poll layer; surfaced only if unrecoverable.
	ErrTransport = errors.New("transport error")

	// ErrEngine marks a failure surfaced by the engine subprocess itself.
	// Terminal status "error"; answer carries the diagnostic.
	ErrEngine = errors.New("engine error")

	// ErrCancelled marks a run that ended because cancellation was requested.
	// Terminal status "cancelled"; reply markup is cleared.
	ErrCancelled = errors.New("cancelled")
)

// Wrap attaches a sentinel kind to a formatted message so callers can match
// it with errors.Is(err, kind) while still reading a human message.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}
