package cert

import (
	"errors"
	"regexp"
)

var ErrInvalidDeviceID = errors.New("invalid device id")

// CN upper bound from RFC 5280 is 64 characters. Device ids also end up in
// file names on the agent, so path separators are excluded.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,63}$`)

func ValidateDeviceID(id string) error {
	if !deviceIDPattern.MatchString(id) {
		return ErrInvalidDeviceID
	}
	return nil
}
