package xferdisk

import "time"

type EventKind string

const (
	EventDiskCreated   EventKind = "disk.created"
	EventTransferReady EventKind = "transfer.ready"
	EventFinalized     EventKind = "session.finalized"
	EventCleaned       EventKind = "session.cleaned"
	EventFailed        EventKind = "session.failed"
)

// Event is a lifecycle notification for a session.
type Event struct {
	Session    string    `json:"session" cbor:"1,keyasint"`
	Kind       EventKind `json:"kind" cbor:"2,keyasint"`
	DiskID     string    `json:"disk_id,omitempty" cbor:"3,keyasint,omitempty"`
	TransferID string    `json:"transfer_id,omitempty" cbor:"4,keyasint,omitempty"`
	Time       time.Time `json:"time" cbor:"5,keyasint"`
	Error      string    `json:"error,omitempty" cbor:"6,keyasint,omitempty"`
}

type EventPublisher interface {
	Publish(ev *Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(*Event) error { return nil }
