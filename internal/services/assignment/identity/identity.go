// Package identity resolves the caller identity used for assignment decisions.
package identity

import (
	"strings"

	apperrors "github.com/louisbranch/splitrail/internal/errors"
)

// Identity is the caller-distinguishing key pair for an assignment request.
//
// DeviceID is always present; ProfileID appears once the caller authenticates.
// A caller can move from device-only to profile+device over its lifecycle, so
// both components are recorded on every assignment to allow lookup by either.
type Identity struct {
	DeviceID  string
	ProfileID string
}

// Resolve builds an Identity from request identifiers.
// The device id is the only identifier guaranteed to exist for every caller.
func Resolve(deviceID, profileID string) (Identity, error) {
	deviceID = strings.TrimSpace(deviceID)
	profileID = strings.TrimSpace(profileID)
	if deviceID == "" {
		return Identity{}, apperrors.New(apperrors.CodeInvalidRequest, "device id is required")
	}
	return Identity{DeviceID: deviceID, ProfileID: profileID}, nil
}

// Authenticated reports whether the identity carries a profile id.
func (i Identity) Authenticated() bool {
	return i.ProfileID != ""
}

// Key returns the identity string fed to the bucketing hash.
// The authenticated profile id takes precedence over the device id.
func (i Identity) Key() string {
	if i.ProfileID != "" {
		return i.ProfileID
	}
	return i.DeviceID
}
