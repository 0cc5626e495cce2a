package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/pkg/database"
	"inbox-relay-go/pkg/llm"

	"github.com/stretchr/testify/require"
)

// stubEngine 返回固定回复并记录调用。
type stubEngine struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   []string
	release chan struct{}
	started chan struct{}
}

func (e *stubEngine) GenerateReply(_ context.Context, text string, _ []llm.Message, _ bool) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, text)
	e.mu.Unlock()
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.release != nil {
		<-e.release
	}
	return e.reply, e.err
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type sent struct {
	Channel, Address, Text string
}

type recordingOutbound struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (o *recordingOutbound) Send(_ context.Context, channel, address, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, sent{channel, address, text})
	return o.err
}

type env struct {
	users    repository.UserRepository
	threads  repository.ThreadRepository
	messages repository.MessageRepository
	hub      *realtime.Hub
	threadSv ThreadService
	engine   *stubEngine
	outbound *recordingOutbound
	ingest   IngestService
	owner    *model.User
}

func newEnv(t *testing.T, serialize bool) *env {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "svc.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	e := &env{
		users:    repository.NewUserRepository(db),
		threads:  repository.NewThreadRepository(db),
		messages: repository.NewMessageRepository(db),
		hub:      realtime.NewHub(),
		engine:   &stubEngine{reply: "hi there"},
		outbound: &recordingOutbound{},
	}
	t.Cleanup(e.hub.Close)
	e.threadSv = NewThreadService(e.threads, e.messages)
	e.ingest = NewIngestService(e.threadSv, e.messages, realtime.NewDispatcher(e.hub), e.engine, e.outbound, nil,
		IngestOptions{SerializePerThread: serialize, SendTimeout: time.Second})

	e.owner = &model.User{Email: "op@local.com", PasswordHash: "x"}
	require.NoError(t, e.users.Create(context.Background(), e.owner))
	return e
}

func (e *env) newThread(t *testing.T, takeover bool) *model.Thread {
	t.Helper()
	th, err := e.threadSv.Create(context.Background(), e.owner.ID, nil)
	require.NoError(t, err)
	if takeover {
		th, err = e.threadSv.SetTakeover(context.Background(), th.ID, e.owner.ID, true)
		require.NoError(t, err)
	}
	return th
}

func (e *env) watch(t *testing.T, threadID uint) *realtime.QueueSubscriber {
	t.Helper()
	sub := realtime.NewQueueSubscriber(64)
	require.NoError(t, e.hub.Subscribe(realtime.ThreadKey(threadID), sub))
	return sub
}

// drain 读出订阅者队列中已有的全部事件。
func drain(t *testing.T, sub *realtime.QueueSubscriber) []realtime.Event {
	t.Helper()
	var out []realtime.Event
	for {
		select {
		case raw := <-sub.Events():
			var ev realtime.Event
			require.NoError(t, json.Unmarshal(raw, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []realtime.Event) []realtime.EventType {
	out := make([]realtime.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
