package model

import "time"

// Presence is a user's advertised availability.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
	PresenceBusy    Presence = "busy"
)

// User is owned by the profile service and only referenced here by ID.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Status      Presence  `json:"status,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at,omitempty"`
}
