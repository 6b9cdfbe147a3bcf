package extractors

import (
	"strings"
	"testing"
)

func TestNormalizeSignatureStripsVolatileTokens(t *testing.T) {
	a := "2024-03-01T10:00:00Z E: Unable to locate package nginx (build 18231)\nfrom 10.0.0.12:22 in /tmp/ansible-xyz/run.sh"
	b := "2024-03-02T11:15:42Z E: Unable to locate package nginx (build 18232)\nfrom 10.0.0.99:22 in /tmp/ansible-abc/run.sh"

	sa, sb := NormalizeSignature(a), NormalizeSignature(b)
	if sa != sb {
		t.Fatalf("expected equal signatures:\n%s\n%s", sa, sb)
	}
	for _, want := range []string{"<ts>", "<n>", "<ip>", "<tmp>"} {
		if !strings.Contains(sa, want) {
			t.Fatalf("expected %s placeholder in %q", want, sa)
		}
	}
}

func TestNormalizeSignatureUUIDAndHex(t *testing.T) {
	got := NormalizeSignature("container 3f2a9c0b8d7e6f5a4b3c failed for job 123e4567-e89b-12d3-a456-426614174000 at 0xdeadbeef")
	want := "container <hex> failed for job <uuid> at <hex>"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestNormalizeSignatureKeepsFirstLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("line\n\n   \n")
	}
	got := NormalizeSignature(b.String())
	if n := strings.Count(got, "\n") + 1; n != maxSignatureLines {
		t.Fatalf("expected %d lines, got %d", maxSignatureLines, n)
	}
}

func TestNormalizeSignatureCollapsesWhitespace(t *testing.T) {
	if got := NormalizeSignature("  Permission\t\tDenied   here \r\n"); got != "permission denied here" {
		t.Fatalf("unexpected signature %q", got)
	}
}
