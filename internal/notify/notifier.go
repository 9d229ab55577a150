package notify

import (
	"context"
	"time"
)

type EventType string

const (
	EventDomainConnected    EventType = "domain.connected"
	EventDomainFailed       EventType = "domain.failed"
	EventDomainRemoved      EventType = "domain.removed"
	EventCertificateRenewed EventType = "certificate.renewed"
)

// Event describes a domain lifecycle change delivered to subscribers.
type Event struct {
	Type       EventType  `json:"event"`
	Domain     string     `json:"domain"`
	TargetID   string     `json:"targetId,omitempty"`
	Status     string     `json:"status,omitempty"`
	Message    string     `json:"message,omitempty"`
	Expiry     *time.Time `json:"certificateExpiry,omitempty"`
	Transient  bool       `json:"transient,omitempty"`
	OccurredAt time.Time  `json:"occurredAt"`
}

// Notifier is the outbound event delivery port.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }
