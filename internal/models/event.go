package models

import (
	"encoding/json"
	"time"
)

// EventKind is the normalized kind of an inbound tracker notification.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
	EventComment EventKind = "comment"
	EventOther   EventKind = "other"
)

// WebhookEvent is a normalized inbound notification. It is consumed once and
// never persisted.
type WebhookEvent struct {
	ID         string            `json:"id"`
	Kind       EventKind         `json:"kind"`
	Name       string            `json:"event"` // raw tracker event name
	SubjectID  string            `json:"subject_id"`
	ListID     string            `json:"list_id,omitempty"`
	ProjectID  string            `json:"project_id,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Raw        json.RawMessage   `json:"-"`
	ReceivedAt time.Time         `json:"received_at"`
}
