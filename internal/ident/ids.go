package ident

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLandID signals a land identifier that does not follow the "type:instance" form.
	ErrInvalidLandID = errors.New("invalid land id")
	// ErrEmptyLandType is returned when a land type is blank after trimming.
	ErrEmptyLandType = errors.New("land type must not be empty")
)

// PlayerID names a logical participant; it survives reconnects.
type PlayerID string

// ClientID names one live connection of a player.
type ClientID string

// SessionID names the transport session a connection was admitted under.
type SessionID string

// DeviceID optionally identifies the hardware a connection originated from.
type DeviceID string

// LandID is the composite identifier of a single land instance.
type LandID struct {
	Type     string
	Instance string
}

// NewLandID mints a land identifier with a freshly drawn random instance id.
func NewLandID(landType string) (LandID, error) {
	trimmed := strings.TrimSpace(landType)
	if trimmed == "" {
		return LandID{}, ErrEmptyLandType
	}
	//1.- Draw the instance from a v4 UUID so concurrently created lands never collide.
	return LandID{Type: trimmed, Instance: uuid.NewString()}, nil
}

// ParseLandID splits the canonical "type:instance" form back into its parts.
func ParseLandID(raw string) (LandID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return LandID{}, ErrInvalidLandID
	}
	//1.- Split on the first colon only so instance ids may themselves contain colons.
	idx := strings.Index(trimmed, ":")
	if idx <= 0 || idx == len(trimmed)-1 {
		return LandID{}, fmt.Errorf("%w: %q", ErrInvalidLandID, raw)
	}
	return LandID{Type: trimmed[:idx], Instance: trimmed[idx+1:]}, nil
}

// String renders the canonical "type:instance" form.
func (id LandID) String() string {
	return id.Type + ":" + id.Instance
}

// IsZero reports whether the identifier carries no content.
func (id LandID) IsZero() bool {
	return id.Type == "" && id.Instance == ""
}

// NewSessionID mints a random transport session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
