package resolver

import "strings"

// directives holds the parsed leading tokens of an incoming message's text,
// plus the prompt that follows them (spec.md §4.1 step 1).
type directives struct {
	Engine  string // empty if absent
	Project string // empty if absent
	Branch  string // empty if absent
	Prompt  string
}

// parseDirectives scans leading "/word" and "@word" tokens against the
// known engine-id and project-alias sets (case-insensitive, disjoint
// namespaces). The first token that matches neither set begins the prompt;
// everything from there (with original spacing) is the prompt.
func parseDirectives(text string, engineIDs, projectAliases map[string]bool) directives {
	fields := splitPreservingRest(text)
	d := directives{}

	promptStart := len(fields.tokens) // default: no prompt (all tokens consumed)
	for i, tok := range fields.tokens {
		lower := strings.ToLower(tok)
		switch {
		case strings.HasPrefix(tok, "/") && d.Engine == "" && engineIDs[strings.TrimPrefix(lower, "/")]:
			d.Engine = strings.TrimPrefix(lower, "/")
		case strings.HasPrefix(tok, "/") && d.Project == "" && projectAliases[strings.TrimPrefix(lower, "/")]:
			d.Project = strings.TrimPrefix(lower, "/")
		case strings.HasPrefix(tok, "@") && len(tok) > 1 && d.Branch == "":
			d.Branch = strings.TrimPrefix(tok, "@")
		default:
			promptStart = i
		}
		if promptStart != len(fields.tokens) {
			break
		}
	}

	d.Prompt = strings.TrimSpace(fields.restFrom(promptStart))
	return d
}

type splitFields struct {
	tokens []string
	text   string
	offs   []int // byte offset in text where each token starts
}

// splitPreservingRest tokenizes on whitespace while remembering each
// token's byte offset, so the remaining prompt text can be recovered with
// its original spacing/punctuation intact.
func splitPreservingRest(text string) splitFields {
	var tokens []string
	var offs []int
	i := 0
	n := len(text)
	for i < n {
		for i < n && isSpace(text[i]) {
			i++
		}
		if i >= n {
			break
		}
		start := i
		for i < n && !isSpace(text[i]) {
			i++
		}
		tokens = append(tokens, text[start:i])
		offs = append(offs, start)
	}
	return splitFields{tokens: tokens, text: text, offs: offs}
}

func (f splitFields) restFrom(tokenIdx int) string {
	if tokenIdx >= len(f.offs) {
		return ""
	}
	return f.text[f.offs[tokenIdx]:]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
