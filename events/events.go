// Package events carries the outbound notifications of a session: connection
// changes, series discovered by a query and objects delivered to the sink.
package events

import (
	"time"

	"github.com/caio-sobreiro/dicomqr/types"
)

// Kind names a notification. It doubles as the NATS subject suffix.
type Kind string

const (
	ConnectionEstablished Kind = "connection.established"
	ConnectionLost        Kind = "connection.lost"
	SeriesAvailable       Kind = "series.available"
	ObjectAvailable       Kind = "object.available"
	ObjectModified        Kind = "object.modified"
)

// Event is one notification.
type Event struct {
	Kind          Kind                    `json:"kind"`
	Time          time.Time               `json:"time"`
	SessionID     string                  `json:"session_id,omitempty"`
	RemoteAETitle string                  `json:"remote_ae,omitempty"`
	Device        string                  `json:"device,omitempty"`
	Series        *types.SeriesDescriptor `json:"series,omitempty"`
	Object        *ObjectSummary          `json:"object,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// ObjectSummary identifies a delivered object without its payload.
type ObjectSummary struct {
	SeriesInstanceUID string `json:"series_uid"`
	SOPInstanceUID    string `json:"sop_instance_uid"`
	SOPClassUID       string `json:"sop_class_uid"`
	Shape             string `json:"shape"`
}

// Notifier receives events. Implementations must not block for long; the
// callers include stop and cancellation paths.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) { f(e) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(Event) {})

// OrNop returns n, or Nop when n is nil.
func OrNop(n Notifier) Notifier {
	if n == nil {
		return Nop
	}
	return n
}

type multi []Notifier

func (m multi) Notify(e Event) {
	for _, n := range m {
		n.Notify(e)
	}
}

// Multi fans an event out to every non-nil notifier in order.
func Multi(notifiers ...Notifier) Notifier {
	var m multi
	for _, n := range notifiers {
		if n != nil {
			m = append(m, n)
		}
	}
	switch len(m) {
	case 0:
		return Nop
	case 1:
		return m[0]
	}
	return m
}

// Connected builds a ConnectionEstablished event.
func Connected(remoteAE string) Event {
	return Event{Kind: ConnectionEstablished, Time: time.Now(), RemoteAETitle: remoteAE}
}

// Lost builds a ConnectionLost event.
func Lost(remoteAE string, err error) Event {
	e := Event{Kind: ConnectionLost, Time: time.Now(), RemoteAETitle: remoteAE}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Series builds a SeriesAvailable event. The descriptor is copied.
func Series(d types.SeriesDescriptor) Event {
	return Event{Kind: SeriesAvailable, Time: time.Now(), RemoteAETitle: d.SourceAETitle, Series: &d}
}

// Object builds an ObjectAvailable or ObjectModified event.
func Object(kind Kind, obj types.IncomingObject) Event {
	return Event{
		Kind:   kind,
		Time:   time.Now(),
		Device: obj.DeviceName,
		Object: &ObjectSummary{
			SeriesInstanceUID: obj.SeriesInstanceUID,
			SOPInstanceUID:    obj.SOPInstanceUID,
			SOPClassUID:       obj.SOPClassUID,
			Shape:             obj.Shape().String(),
		},
	}
}

// WithSession returns a notifier stamping every event with a session id.
func WithSession(n Notifier, sessionID string) Notifier {
	n = OrNop(n)
	return NotifierFunc(func(e Event) {
		if e.SessionID == "" {
			e.SessionID = sessionID
		}
		n.Notify(e)
	})
}
