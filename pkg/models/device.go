package models

import (
	"fmt"
	"time"
)

// PresenceState describes whether a watched device is currently
// reachable on the LAN.
type PresenceState int

// Presence states for a watched device
const (
	// Offline means no probe has been answered recently. Newly
	// registered devices start here until a reply confirms them.
	Offline PresenceState = iota
	// AwaitingReply means a probe is in flight and its reply window
	// has not yet expired.
	AwaitingReply
	// Online means the last probe was answered within the reply window.
	Online
)

// String returns the human-readable name of the state.
func (s PresenceState) String() string {
	switch s {
	case Online:
		return "online"
	case AwaitingReply:
		return "awaiting-reply"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler so states render as
// names in JSON output.
func (s PresenceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PresenceState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "online":
		*s = Online
	case "awaiting-reply":
		*s = AwaitingReply
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("unknown presence state %q", text)
	}
	return nil
}

// Device is a snapshot of a watched device as seen by the presence
// engine. Snapshots are copies; mutating one has no effect on the
// engine's internal state.
type Device struct {
	Handle        string        `json:"handle"`         // Opaque id assigned at registration
	Name          string        `json:"name"`           // Operator-supplied display name
	IP            string        `json:"ip"`             // IPv4 address of the device
	MAC           string        `json:"mac"`            // Last known MAC address
	State         PresenceState `json:"state"`          // Current presence state
	LastConfirmed time.Time     `json:"last_confirmed"` // Last time a reply confirmed presence
	LastProbe     time.Time     `json:"last_probe"`     // Last time a probe was sent
	PollInterval  time.Duration `json:"poll_interval"`  // Current interval between probes
}

// Event records a presence-state change for a watched device.
type Event struct {
	Handle    string        `json:"handle"`
	Name      string        `json:"name"`
	IP        string        `json:"ip"`
	MAC       string        `json:"mac"`
	Previous  PresenceState `json:"previous"`
	State     PresenceState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}
