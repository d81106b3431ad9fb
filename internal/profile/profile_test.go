package profile

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "default", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid single char", "a", false},
		{"empty", "", true},
		{"uppercase", "Default", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"slash", "my/profile", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	if got := Resolve("work"); got != "work" {
		t.Errorf("Resolve(work) = %q", got)
	}
	if got := Resolve(""); got != DefaultName {
		t.Errorf("Resolve(\"\") = %q, want %q", got, DefaultName)
	}
}

func TestPathsAreUnderProfileDir(t *testing.T) {
	dir := Dir("alpha")
	for _, p := range []string{LockPath("alpha"), ReplicaDBPath("alpha"), ConfigPath("alpha"), LogPath("alpha")} {
		if !strings.HasPrefix(p, dir) {
			t.Errorf("path %q not under profile dir %q", p, dir)
		}
	}
}
