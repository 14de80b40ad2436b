// Package events defines the guest lifecycle event payloads published on
// the agent's event bus and streamed to clients.
package events

import "time"

// TopicGuestEvents is the bus topic lifecycle events are published on.
const TopicGuestEvents = "guest-events"

// Event types.
const (
	TypeGuestStarting = "guest.starting"
	TypeGuestRunning  = "guest.running"
	TypeGuestStopping = "guest.stopping"
	TypeGuestKilling  = "guest.killing"
	TypeGuestRebooted = "guest.rebooted"
	TypeGuestStopped  = "guest.stopped"
	TypeGuestCrashed  = "guest.crashed"
)

// GuestEvent describes one lifecycle transition of one guest.
type GuestEvent struct {
	Type      string    `json:"type"`
	Guest     string    `json:"guest"`
	Phase     string    `json:"phase"`
	PID       int       `json:"pid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}
