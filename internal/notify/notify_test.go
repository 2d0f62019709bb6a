package notify

import (
	"encoding/json"
	"testing"

	"github.com/isdelr/backupsync/internal/backuperr"
	"github.com/isdelr/backupsync/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType, level, message, job string
}

type fakeRecorder struct{ events []recordedEvent }

func (f *fakeRecorder) CreateEvent(eventType, level, message string, jobName *string) error {
	f.events = append(f.events, recordedEvent{eventType, level, message, *jobName})
	return nil
}

type fakeHub struct {
	topic    string
	messages []websocket.Message
}

func (f *fakeHub) BroadcastTo(topic string, message []byte) {
	f.topic = topic
	var m websocket.Message
	if err := json.Unmarshal(message, &m); err == nil {
		f.messages = append(f.messages, m)
	}
}

func TestEventSinkEscalatesAfterRepeatedFailures(t *testing.T) {
	rec := &fakeRecorder{}
	sink := EventSink{Events: rec, JobName: "__BACKUP_SYNC__", PersistentAfter: 3}

	sink.ReportFailure(backuperr.UploadError, 1)
	sink.ReportFailure(backuperr.UploadError, 3)
	sink.Progress("uploading")
	sink.Progress("done")

	require.Len(t, rec.events, 3)
	assert.Equal(t, "warn", rec.events[0].level)
	assert.Equal(t, "error", rec.events[1].level)
	assert.Equal(t, "backup.done", rec.events[2].eventType)
	assert.Equal(t, "__BACKUP_SYNC__", rec.events[0].job)
	assert.Contains(t, rec.events[1].message, "upload")
}

func TestHubSinkMessages(t *testing.T) {
	hub := &fakeHub{}
	sink := HubSink{Hub: hub, Topic: "backup"}

	sink.Clear()
	sink.Progress("exporting")
	sink.ReportFailure(backuperr.ExportError, 2)

	assert.Equal(t, "backup", hub.topic)
	require.Len(t, hub.messages, 3)
	assert.Equal(t, "backup.failure.clear", hub.messages[0].Action)
	assert.Equal(t, "backup.progress", hub.messages[1].Action)
	assert.Equal(t, "backup.failure", hub.messages[2].Action)
	payload := hub.messages[2].Payload.(map[string]interface{})
	assert.Equal(t, "export", payload["kind"])
	assert.Equal(t, float64(2), payload["attempt"])
}

func TestMultiFansOut(t *testing.T) {
	a, b := &fakeHub{}, &fakeHub{}
	m := Multi{HubSink{Hub: a}, HubSink{Hub: b}, Discard{}, LogSink{}}
	m.Progress("staging")
	m.Clear()
	m.ReportFailure(backuperr.PreconditionError, 1)
	assert.Len(t, a.messages, 3)
	assert.Len(t, b.messages, 3)
}
