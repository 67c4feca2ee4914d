package events

import (
	"context"
	"errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/hmo-register/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleEvent() Event {
	return Event{
		RunID:       "run-1",
		SnapshotID:  "15022024",
		SourceURL:   "https://example.org/hmo_15.02.2024.xlsx",
		Table:       "hmo.leeds_hmo_15022024",
		Rows:        3,
		Resolved:    1,
		ProcessedAt: time.Date(2024, 2, 15, 9, 30, 0, 0, time.UTC),
	}
}

func TestToMessage(t *testing.T) {
	msg, err := toMessage(sampleEvent())
	require.NoError(t, err)

	assert.Equal(t, []byte("15022024"), msg.Key)
	assert.Contains(t, string(msg.Value), `"snapshot_id":"15022024"`)
	assert.Contains(t, string(msg.Value), `"rows":3`)
	assert.NotContains(t, string(msg.Value), "object_key")
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(EventSnapshotIngested), msg.Headers[0].Value)
	assert.Equal(t, "processed_at", msg.Headers[1].Key)
	assert.Equal(t, []byte("2024-02-15T09:30:00Z"), msg.Headers[1].Value)
}

func TestKafkaPublisher_SnapshotIngested(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "hmo.snapshots"}

	require.NoError(t, p.SnapshotIngested(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("15022024"), w.msgs[0].Key)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no brokers")}, topic: "hmo.snapshots"}

	err := p.SnapshotIngested(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "events: publish snapshot 15022024 to hmo.snapshots")
}

func TestNew(t *testing.T) {
	assert.IsType(t, Nop{}, New(config.EventsConfig{Topic: "hmo.snapshots"}))

	p := New(config.EventsConfig{Brokers: []string{"localhost:9092"}, Topic: "hmo.snapshots"})
	kp, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	assert.Equal(t, "hmo.snapshots", kp.topic)
	assert.NoError(t, kp.Close())
}

func TestNop(t *testing.T) {
	var n Nop
	assert.NoError(t, n.SnapshotIngested(context.Background(), sampleEvent()))
	assert.NoError(t, n.Close())
}
