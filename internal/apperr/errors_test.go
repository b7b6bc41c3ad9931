package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("load job: %w", NotFound("job %s", "abc"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound through wrap, got %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("did not expect ErrValidation")
	}
	if got := Message(err); got != "job abc" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestUpstreamUnwrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Upstream("extraction service unavailable", cause)
	if !errors.Is(err, ErrUpstream) || !errors.Is(err, cause) {
		t.Fatalf("expected both kind and cause, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"first line only", "model refused\npanic: goroutine 1 [running]", "model refused"},
		{"url redacted", "fetch https://bucket.s3.amazonaws.com/a.jpg?X-Amz-Signature=abc failed", "fetch [url] failed"},
		{"uuid redacted", "job 3f2c1a9e-1b2c-4d5e-8f90-1234567890ab timed out", "job [id] timed out"},
		{"empty", "   ", "extraction failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}

	long := Sanitize(strings.Repeat("x", 1000))
	if len([]rune(long)) != maxMessageRunes {
		t.Fatalf("expected truncation to %d runes, got %d", maxMessageRunes, len([]rune(long)))
	}
}
