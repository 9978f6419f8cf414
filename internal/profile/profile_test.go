package profile

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"main", "work", "a", "user_1", "long-name-with-dashes"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Main", "has space", "slash/name", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestResolveFlagOverride(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q, want work", got)
	}
}

func TestPathsUnderProfileDir(t *testing.T) {
	dir := Dir("main")
	for _, p := range []string{LockPath("main"), CacheDBPath("main"), LogPath("main")} {
		if !strings.HasPrefix(p, dir) {
			t.Errorf("path %q not under profile dir %q", p, dir)
		}
	}
}
