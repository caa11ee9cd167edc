package device

import (
	"slices"
	"testing"
)

func TestFillSplitsAndPads(t *testing.T) {
	t.Parallel()

	buf := make([]int16, 2)
	pcm := []byte{1, 0, 2, 0, 3, 0}

	rest := fill(buf, pcm)
	if !slices.Equal(buf, []int16{1, 2}) || len(rest) != 2 {
		t.Fatalf("unexpected first buffer %v with %d bytes left", buf, len(rest))
	}

	rest = fill(buf, rest)
	if !slices.Equal(buf, []int16{3, 0}) || len(rest) != 0 {
		t.Fatalf("expected trailing sample padded with silence, got %v and %d bytes left", buf, len(rest))
	}

	if rest := fill(buf, []byte{9}); rest != nil {
		t.Fatalf("a dangling byte must be discarded, got %v", rest)
	}
}
