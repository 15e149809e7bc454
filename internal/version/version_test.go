package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestStrings(t *testing.T) {
	oldV, oldC := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = oldV, oldC })
	Version, GitCommit = "v1.2.0", "abc1234"

	if got := String(); got != "v1.2.0 (abc1234)" {
		t.Fatalf("String() = %q", got)
	}
	if got := Short(); got != "v1.2.0" {
		t.Fatalf("Short() = %q", got)
	}
	if !strings.HasSuffix(Full(), runtime.Version()) {
		t.Fatalf("Full() should end with the Go version: %q", Full())
	}
	if GetInfo().GitCommit != "abc1234" {
		t.Fatalf("GetInfo() lost the commit")
	}
}
