package profile

import (
	"fmt"
	"regexp"
)

// DefaultName is the profile used when no flag is given.
const DefaultName = "default"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules. Profile
// names become directory names, so the character set is deliberately narrow.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active profile name: the flag override if given,
// otherwise the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	return DefaultName
}
