package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/realtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest_ReplyFlowOrder(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, false)
	sub := e.watch(t, th.ID)

	res, err := e.ingest.Ingest(context.Background(), InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, res.SkippedLLM)
	require.NotNil(t, res.Reply)
	assert.Equal(t, "hi there", res.Reply.Content)

	evs := drain(t, sub)
	assert.Equal(t, []realtime.EventType{
		realtime.EventMessageCreated,
		realtime.EventTypingStart,
		realtime.EventTypingStop,
		realtime.EventMessageCreated,
	}, eventTypes(evs))
	assert.Equal(t, model.RoleUser, evs[0].Message.Role)
	assert.Equal(t, "hello", evs[0].Message.Content)
	assert.Equal(t, model.RoleAssistant, evs[3].Message.Role)
	assert.Equal(t, "hi there", evs[3].Message.Content)

	msgs, err := e.messages.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	// 应用内消息不出站
	assert.Empty(t, e.outbound.sent)
}

func TestIngest_TakeoverSkipsReply(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, true)
	sub := e.watch(t, th.ID)

	res, err := e.ingest.Ingest(context.Background(), InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "hello"})
	require.NoError(t, err)
	assert.True(t, res.SkippedLLM)
	assert.Nil(t, res.Reply)

	evs := drain(t, sub)
	assert.Equal(t, []realtime.EventType{realtime.EventMessageCreated}, eventTypes(evs))
	assert.Zero(t, e.engine.callCount())

	msgs, err := e.messages.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
}

func TestIngest_EmptyReplyIsPersisted(t *testing.T) {
	for name, stub := range map[string]struct {
		reply string
		err   error
	}{
		"empty": {reply: ""},
		"error": {err: errors.New("model offline")},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, true)
			e.engine.reply, e.engine.err = stub.reply, stub.err
			sub := e.watch(t, 1)

			res, err := e.ingest.Ingest(context.Background(), InboundMessage{
				OwnerID: e.owner.ID, Channel: model.ChannelTwilio, Address: "+15550001", Text: "hello",
			})
			require.NoError(t, err)
			require.Equal(t, uint(1), res.Thread.ID)
			require.NotNil(t, res.Reply)
			assert.Equal(t, "", res.Reply.Content)

			evs := drain(t, sub)
			assert.Equal(t, []realtime.EventType{
				realtime.EventMessageCreated,
				realtime.EventTypingStart,
				realtime.EventTypingStop,
				realtime.EventMessageCreated,
			}, eventTypes(evs))

			msgs, err := e.messages.ListByThread(context.Background(), res.Thread.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, "", msgs[1].Content)

			// 空回复不发送给外部用户
			assert.Empty(t, e.outbound.sent)
		})
	}
}

func TestIngest_WebhookReusesThreadByAddress(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	in := InboundMessage{OwnerID: e.owner.ID, Channel: model.ChannelMeta, Address: "5511999990000", Text: "oi", ExternalMessageID: "wamid.1"}

	first, err := e.ingest.Ingest(ctx, in)
	require.NoError(t, err)
	in.ExternalMessageID = "wamid.2"
	second, err := e.ingest.Ingest(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, first.Thread.ID, second.Thread.ID)
	threads, err := e.threads.ListByOwner(ctx, e.owner.ID)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	require.NotNil(t, threads[0].Title)
	assert.Equal(t, "WhatsApp 0000", *threads[0].Title)
	assert.Equal(t, model.ChannelMeta, threads[0].Channel)

	require.NotNil(t, first.Inbound.ExternalMessageID)
	assert.Equal(t, "wamid.1", *first.Inbound.ExternalMessageID)

	assert.Equal(t, []sent{
		{model.ChannelMeta, "5511999990000", "hi there"},
		{model.ChannelMeta, "5511999990000", "hi there"},
	}, e.outbound.sent)
}

func TestIngest_ConcurrentFirstContactCreatesOneThread(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, Channel: model.ChannelTwilio, Address: "+15550002", Text: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	threads, err := e.threads.ListByOwner(ctx, e.owner.ID)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestIngest_OutboundFailureIsAbsorbed(t *testing.T) {
	e := newEnv(t, true)
	e.outbound.err = errors.New("provider down")

	res, err := e.ingest.Ingest(context.Background(), InboundMessage{OwnerID: e.owner.ID, Channel: model.ChannelTwilio, Address: "+1", Text: "x"})
	require.NoError(t, err)
	require.NotNil(t, res.Reply)
	assert.Len(t, e.outbound.sent, 1)
}

func TestIngest_NotOwnedThread(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, false)

	_, err := e.ingest.Ingest(context.Background(), InboundMessage{OwnerID: e.owner.ID + 100, ThreadID: th.ID, Text: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	msgs, err := e.messages.ListByThread(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestIngest_SurvivesCallerCancellation(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "x"})
	require.NoError(t, err)
	assert.NotNil(t, res.Reply)
}

func TestIngest_SerializesRunsPerThread(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, false)
	e.engine.release = make(chan struct{})
	e.engine.started = make(chan struct{}, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "first"})
		assert.NoError(t, err)
	}()
	<-e.engine.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "second"})
		assert.NoError(t, err)
	}()

	// 第二次处理在第一次完成前不能写入消息
	time.Sleep(50 * time.Millisecond)
	msgs, err := e.messages.ListByThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	close(e.engine.release)
	wg.Wait()

	msgs, err = e.messages.ListByThread(ctx, th.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, []string{"first", "hi there", "second", "hi there"},
		[]string{msgs[0].Content, msgs[1].Content, msgs[2].Content, msgs[3].Content})
	assert.Equal(t, 0, e.ingest.(*ingestService).runs.size())
}

func TestHumanReply(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	res, err := e.ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, Channel: model.ChannelTwilio, Address: "+15550003", Text: "help"})
	require.NoError(t, err)
	e.outbound.sent = nil
	sub := e.watch(t, res.Thread.ID)

	msg, err := e.ingest.HumanReply(ctx, res.Thread.ID, e.owner.ID, "an operator here")
	require.NoError(t, err)
	assert.True(t, msg.IsHuman)
	assert.Equal(t, model.RoleAssistant, msg.Role)

	evs := drain(t, sub)
	require.Len(t, evs, 1)
	assert.Equal(t, "an operator here", evs[0].Message.Content)
	assert.Equal(t, []sent{{model.ChannelTwilio, "+15550003", "an operator here"}}, e.outbound.sent)

	_, err = e.ingest.HumanReply(ctx, res.Thread.ID, e.owner.ID, "  ")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.ingest.HumanReply(ctx, res.Thread.ID, e.owner.ID+1, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHumanReply_AppThreadIsNotSent(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, true)

	_, err := e.ingest.HumanReply(context.Background(), th.ID, e.owner.ID, "hello")
	require.NoError(t, err)
	assert.Empty(t, e.outbound.sent)
}

// stallingIndexer 在 ctx 结束之前一直阻塞。
type stallingIndexer struct {
	entered chan struct{}
}

func (x *stallingIndexer) IndexMessage(ctx context.Context, _ model.MessageDocument) error {
	x.entered <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestIngest_StalledIndexDoesNotDelayBroadcast(t *testing.T) {
	e := newEnv(t, true)
	th := e.newThread(t, false)
	sub := e.watch(t, th.ID)
	indexer := &stallingIndexer{entered: make(chan struct{}, 4)}
	ingest := NewIngestService(e.threadSv, e.messages, realtime.NewDispatcher(e.hub), e.engine, e.outbound, indexer,
		IngestOptions{SerializePerThread: true, SendTimeout: time.Second, IndexTimeout: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := ingest.Ingest(ctx, InboundMessage{OwnerID: e.owner.ID, ThreadID: th.ID, Text: "hello"})
		done <- err
	}()

	select {
	case raw := <-sub.Events():
		assert.Contains(t, string(raw), `"message.created"`)
	case <-time.After(time.Second):
		t.Fatal("inbound message was not broadcast while the index call was stalled")
	}
	<-indexer.entered

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ingest did not finish after the index timeout")
	}
	assert.Equal(t, 0, ingest.(*ingestService).runs.size())
}
