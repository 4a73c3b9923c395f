package id

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("job")
	b := New("job")
	if !strings.HasPrefix(a, "job-") || len(a) != len("job-")+32 {
		t.Fatalf("unexpected id %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}
