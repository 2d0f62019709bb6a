// Package notify surfaces backup progress and failures to users. The sync
// job only calls into a Sink; it never reads state back from one.
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/websocket"
	"github.com/rs/zerolog/log"
)

// Sink receives notifications from the sync job.
type Sink interface {
	ReportFailure(kind backuperr.Kind, attempt int)
	Clear()
	Progress(state string)
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) ReportFailure(kind backuperr.Kind, attempt int) {
	for _, s := range m {
		s.ReportFailure(kind, attempt)
	}
}

func (m Multi) Clear() {
	for _, s := range m {
		s.Clear()
	}
}

func (m Multi) Progress(state string) {
	for _, s := range m {
		s.Progress(state)
	}
}

// Discard ignores everything.
type Discard struct{}

func (Discard) ReportFailure(backuperr.Kind, int) {}
func (Discard) Clear()                            {}
func (Discard) Progress(string)                   {}

// LogSink writes notifications to the global logger.
type LogSink struct{}

func (LogSink) ReportFailure(kind backuperr.Kind, attempt int) {
	log.Error().Str("kind", string(kind)).Int("attempt", attempt).Msg("Backup attempt failed")
}

func (LogSink) Clear() {}

func (LogSink) Progress(state string) {
	log.Debug().Str("state", state).Msg("Backup progress")
}

// EventRecorder persists user-visible events.
type EventRecorder interface {
	CreateEvent(eventType, level, message string, jobName *string) error
}

// EventSink records failures in the event log. Failures from attempt
// PersistentAfter onwards are recorded at error level so the UI keeps
// showing them; earlier ones are warnings.
type EventSink struct {
	Events          EventRecorder
	JobName         string
	PersistentAfter int
}

func (s EventSink) ReportFailure(kind backuperr.Kind, attempt int) {
	level := "warn"
	if s.PersistentAfter > 0 && attempt >= s.PersistentAfter {
		level = "error"
	}
	msg := fmt.Sprintf("Backup attempt %d failed: %s.", attempt, kind)
	if err := s.Events.CreateEvent("backup.failed", level, msg, &s.JobName); err != nil {
		log.Warn().Err(err).Msg("EventSink: could not record failure event")
	}
}

func (s EventSink) Clear() {}

func (s EventSink) Progress(state string) {
	if state != "done" {
		return
	}
	if err := s.Events.CreateEvent("backup.done", "info", "Backup completed and uploaded.", &s.JobName); err != nil {
		log.Warn().Err(err).Msg("EventSink: could not record completion event")
	}
}

// Broadcaster delivers a payload to the subscribers of a topic.
type Broadcaster interface {
	BroadcastTo(topic string, message []byte)
}

// HubSink pushes notifications to websocket subscribers of Topic.
type HubSink struct {
	Hub   Broadcaster
	Topic string
}

func (s HubSink) send(action string, payload interface{}) {
	b, err := json.Marshal(websocket.Message{Action: action, Payload: payload})
	if err != nil {
		log.Warn().Err(err).Str("action", action).Msg("HubSink: could not encode message")
		return
	}
	s.Hub.BroadcastTo(s.Topic, b)
}

func (s HubSink) ReportFailure(kind backuperr.Kind, attempt int) {
	s.send("backup.failure", map[string]interface{}{"kind": kind, "attempt": attempt})
}

func (s HubSink) Clear() {
	s.send("backup.failure.clear", nil)
}

func (s HubSink) Progress(state string) {
	s.send("backup.progress", map[string]string{"state": state})
}
