package model

import (
	"fmt"
	"strings"
)

// Status is a user's presence state. The zero value is StatusOffline.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
	StatusAway
	StatusDoNotDisturb
	StatusInvisible
)

var statusNames = [...]string{
	StatusOffline:      "offline",
	StatusOnline:       "online",
	StatusAway:         "away",
	StatusDoNotDisturb: "do_not_disturb",
	StatusInvisible:    "invisible",
}

// ParseStatus accepts the wire names plus a few aliases clients send.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline":
		return StatusOffline, nil
	case "online":
		return StatusOnline, nil
	case "away", "idle":
		return StatusAway, nil
	case "do_not_disturb", "donotdisturb", "dnd", "busy":
		return StatusDoNotDisturb, nil
	case "invisible":
		return StatusInvisible, nil
	}
	return StatusOffline, fmt.Errorf("unknown status %q", s)
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s >= StatusOffline && s <= StatusInvisible
}

// IsConsideredOnline is true for statuses that count as "online" in friend lists.
func (s Status) IsConsideredOnline() bool {
	switch s {
	case StatusOnline, StatusAway, StatusDoNotDisturb:
		return true
	}
	return false
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
