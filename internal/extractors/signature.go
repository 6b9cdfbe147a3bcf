package extractors

import (
	"regexp"
	"strings"
)

// maxSignatureLines bounds how much of a failure log contributes to the signature.
const maxSignatureLines = 8

// The order matters: timestamps and UUIDs must be replaced before the hex and
// number scrubbers chew them up.
var volatileTokens = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:[.,]\d+)?\b`), "<ts>"},
	{regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "<uuid>"},
	{regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d+)?\b`), "<ip>"},
	{regexp.MustCompile(`(?:/tmp|/var/tmp)/[^\s'"]+`), "<tmp>"},
	{regexp.MustCompile(`\b0x[0-9a-f]+\b`), "<hex>"},
	{regexp.MustCompile(`\b[0-9a-f]{12,}\b`), "<hex>"},
	{regexp.MustCompile(`\b\d{4,}\b`), "<n>"},
}

var whitespace = regexp.MustCompile(`[ \t]+`)

// NormalizeSignature reduces raw error output to a stable signature so that
// repeated occurrences of the same failure hash identically.
func NormalizeSignature(errorText string) string {
	text := strings.ToLower(strings.ReplaceAll(errorText, "\r\n", "\n"))
	for _, tok := range volatileTokens {
		text = tok.re.ReplaceAllString(text, tok.repl)
	}

	lines := make([]string, 0, maxSignatureLines)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == maxSignatureLines {
			break
		}
	}
	return strings.Join(lines, "\n")
}
