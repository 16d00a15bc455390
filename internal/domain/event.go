package domain

import "time"

// EventKind names a record the escrow publishes for observers.
type EventKind string

const (
	EventDealCreated   EventKind = "DealCreated"
	EventDealFunded    EventKind = "DealFunded"
	EventDealSettled   EventKind = "DealSettled"
	EventDealDisputed  EventKind = "DealDisputed"
	EventDealTimedOut  EventKind = "DealTimedOut"
	EventDealCancelled EventKind = "DealCancelled"
	EventPoolKeySet    EventKind = "PoolKeySet"
	EventHookUpdated   EventKind = "HookUpdated"
	EventPaused        EventKind = "Paused"
	EventUnpaused      EventKind = "Unpaused"
)

// Event is an audit record. DealID is zero for admin events.
type Event struct {
	ID         string // UUID
	Kind       EventKind
	DealID     uint64
	Attributes map[string]string
	At         time.Time
}
