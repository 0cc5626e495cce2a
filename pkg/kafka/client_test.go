package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"inbox-relay-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

type memAttempts struct {
	mu     sync.Mutex
	counts map[string]int64
	resets int
}

func newMemAttempts() *memAttempts { return &memAttempts{counts: map[string]int64{}} }

func (a *memAttempts) Incr(_ context.Context, id string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[id]++
	return a.counts[id], nil
}

func (a *memAttempts) Reset(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, id)
	a.resets++
	return nil
}

type brokenAttempts struct{}

func (brokenAttempts) Incr(context.Context, string) (int64, error) { return 0, errors.New("redis down") }
func (brokenAttempts) Reset(context.Context, string) error         { return nil }

type flakyHandler struct {
	failures int
	calls    int
}

func (h *flakyHandler) Dispatch(_ context.Context, _ tasks.OutboundTask) error {
	h.calls++
	if h.calls <= h.failures {
		return errors.New("provider unavailable")
	}
	return nil
}

func encode(t *testing.T, task tasks.OutboundTask) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(task)
	require.NoError(t, err)
	return kafka.Message{Value: raw}
}

func TestProducer_Send(t *testing.T) {
	w := &captureWriter{}
	p := &Producer{w: w}

	require.NoError(t, p.Send(context.Background(), "twilio", "+1555", "hi"))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "twilio:+1555", string(w.msgs[0].Key))

	var task tasks.OutboundTask
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "twilio", task.Channel)
	assert.Equal(t, "+1555", task.Address)
	assert.Equal(t, "hi", task.Text)
}

func TestConsumer_RetriesThenSucceeds(t *testing.T) {
	h := &flakyHandler{failures: 2}
	att := newMemAttempts()
	c := &Consumer{handler: h, attempts: att, backoff: time.Millisecond}

	ok := c.handle(context.Background(), encode(t, tasks.NewOutboundTask("meta", "1", "x")))
	assert.True(t, ok)
	assert.Equal(t, 3, h.calls)
	assert.Empty(t, att.counts)
}

func TestConsumer_GivesUpAfterMaxAttempts(t *testing.T) {
	h := &flakyHandler{failures: 100}
	c := &Consumer{handler: h, attempts: newMemAttempts(), backoff: time.Millisecond}

	assert.True(t, c.handle(context.Background(), encode(t, tasks.NewOutboundTask("meta", "1", "x"))))
	assert.Equal(t, maxAttempts, h.calls)
}

func TestConsumer_LocalCountWhenTrackerFails(t *testing.T) {
	h := &flakyHandler{failures: 100}
	c := &Consumer{handler: h, attempts: brokenAttempts{}, backoff: time.Millisecond}

	assert.True(t, c.handle(context.Background(), encode(t, tasks.NewOutboundTask("meta", "1", "x"))))
	assert.Equal(t, maxAttempts, h.calls)
}

func TestConsumer_MalformedMessageIsCommitted(t *testing.T) {
	h := &flakyHandler{}
	c := &Consumer{handler: h, attempts: newMemAttempts()}

	assert.True(t, c.handle(context.Background(), kafka.Message{Value: []byte("{")}))
	assert.Zero(t, h.calls)
}

func TestConsumer_StopsOnCancel(t *testing.T) {
	h := &flakyHandler{failures: 100}
	c := &Consumer{handler: h, attempts: newMemAttempts(), backoff: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	msg := encode(t, tasks.NewOutboundTask("meta", "1", "x"))
	done := make(chan bool)
	go func() { done <- c.handle(ctx, msg) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("handle did not return after cancel")
	}
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092"))
}
