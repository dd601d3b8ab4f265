package resolver

import (
	"fmt"
	"strings"

	"github.com/p0s/takopi/internal/model"
)

// formatContextLine renders the canonical context header Takopi prints at
// the top of every progress message: "project @branch", "project", or
// "@branch". Returns "" for a nil/none context.
func formatContextLine(ctx *model.RunContext) string {
	if ctx.IsNone() {
		return ""
	}
	switch {
	case ctx.Project != "" && ctx.Branch != "":
		return fmt.Sprintf("%s @%s", ctx.Project, ctx.Branch)
	case ctx.Project != "":
		return ctx.Project
	default:
		return "@" + ctx.Branch
	}
}

// parseContextLine parses the first line of replyText against the
// canonical "project @branch" / "project" / "@branch" header format; any
// " · "-separated suffix on that line (e.g. "myproj @feat · 12s") is
// ignored. An empty first line yields no context. Only
// project aliases known to the caller are accepted as a bare project token;
// an unrecognized bare word is not treated as a context line at all.
func parseContextLine(replyText string, projectAliases map[string]bool) *model.RunContext {
	if replyText == "" {
		return nil
	}
	line := firstLine(replyText)
	if idx := strings.Index(line, " · "); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return nil
	}

	var project, branch string
	switch len(fields) {
	case 1:
		if strings.HasPrefix(fields[0], "@") {
			branch = strings.TrimPrefix(fields[0], "@")
		} else if projectAliases[strings.ToLower(fields[0])] {
			project = strings.ToLower(fields[0])
		} else {
			return nil
		}
	case 2:
		if !projectAliases[strings.ToLower(fields[0])] || !strings.HasPrefix(fields[1], "@") {
			return nil
		}
		project = strings.ToLower(fields[0])
		branch = strings.TrimPrefix(fields[1], "@")
	}

	if project == "" && branch == "" {
		return nil
	}
	return &model.RunContext{Project: project, Branch: branch}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
