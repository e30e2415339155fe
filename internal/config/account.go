package config

import (
	"fmt"
	"regexp"
)

var accountRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateAccount checks that an account id is safe to use as a directory
// name and a document id.
func ValidateAccount(account string) error {
	if !accountRegexp.MatchString(account) {
		return fmt.Errorf("invalid account id %q: must match ^[a-z0-9_-]{1,64}$", account)
	}
	return nil
}
