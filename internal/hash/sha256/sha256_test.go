package sha256

import (
	"io"
	"strings"
	"testing"
)

const helloWorld = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func TestSumDeterministic(t *testing.T) {
	t.Parallel()

	got := Sum([]byte("hello world"))
	if got != helloWorld {
		t.Fatalf("expected %s, got %s", helloWorld, got)
	}
	if again := Sum([]byte("hello world")); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestDigestMatchesSum streams in small chunks and checks it agrees with Sum.
func TestDigestMatchesSum(t *testing.T) {
	t.Parallel()

	d := NewDigest()
	buf := make([]byte, 3)
	if _, err := io.CopyBuffer(d, strings.NewReader("hello world"), buf); err != nil {
		t.Fatalf("CopyBuffer() error = %v", err)
	}
	if d.Hex() != helloWorld {
		t.Fatalf("expected %s, got %s", helloWorld, d.Hex())
	}
	if d.Size() != 11 {
		t.Fatalf("expected size 11, got %d", d.Size())
	}
}
