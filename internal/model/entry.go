package model

import (
	"encoding/json"
	"sort"
)

// Key identifies a log entry. Pending keys live in a different space than
// durable ones, so a pending entry only ever equals itself.
type Key struct {
	Pending bool
	ID      string
}

// Entry is one row of the local message log: either a durable message
// confirmed by the store or a pending optimistic send.
type Entry struct {
	localID string
	Message
}

// Durable wraps a persisted message.
func Durable(m Message) Entry {
	return Entry{Message: m}
}

// Pending wraps an optimistic message that has no durable ID yet.
func Pending(localID string, m Message) Entry {
	m.ID = ""
	m.ClientID = localID
	return Entry{localID: localID, Message: m}
}

// IsPending reports whether the entry is still awaiting confirmation.
func (e Entry) IsPending() bool { return e.localID != "" }

// LocalID is the client-side ID of a pending entry, empty once durable.
func (e Entry) LocalID() string { return e.localID }

// Key returns the entry identity.
func (e Entry) Key() Key {
	if e.localID != "" {
		return Key{Pending: true, ID: e.localID}
	}
	return Key{ID: e.ID}
}

// Less is the log total order: CreatedAt ascending, then ID.
func Less(a, b Entry) bool {
	aid, bid := a.ID, b.ID
	if a.IsPending() {
		aid = a.localID
	}
	if b.IsPending() {
		bid = b.localID
	}
	return messageLess(a.CreatedAt, aid, b.CreatedAt, bid)
}

// SortEntries sorts the log into total order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Less(entries[i], entries[j]) })
}

// Clone deep-copies the entry.
func (e Entry) Clone() Entry {
	e.Message = e.Message.Clone()
	return e
}

type entryJSON struct {
	Message
	LocalID string `json:"local_id,omitempty"`
	Pending bool   `json:"pending"`
}

// MarshalJSON flattens the message and flags pending entries.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{Message: e.Message, LocalID: e.localID, Pending: e.IsPending()})
}

// UnmarshalJSON restores an entry written by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Message = raw.Message
	e.localID = ""
	if raw.Pending {
		e.localID = raw.LocalID
	}
	return nil
}
