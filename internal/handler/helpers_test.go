package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"inbox-relay-go/internal/channel"
	"inbox-relay-go/internal/config"
	"inbox-relay-go/internal/middleware"
	"inbox-relay-go/internal/model"
	"inbox-relay-go/internal/realtime"
	"inbox-relay-go/internal/repository"
	"inbox-relay-go/internal/service"
	"inbox-relay-go/pkg/database"
	"inbox-relay-go/pkg/llm"
	"inbox-relay-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

const (
	testEmail       = "op@local.com"
	testPassword    = "pw"
	testVerifyToken = "verify-me"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixedEngine struct {
	reply string
}

func (e fixedEngine) GenerateReply(_ context.Context, _ string, _ []llm.Message, takeover bool) (string, error) {
	if takeover {
		return "", nil
	}
	return e.reply, nil
}

type outboundCall struct {
	Channel, Address, Text string
}

type recordingOutbound struct {
	mu    sync.Mutex
	calls []outboundCall
}

func (o *recordingOutbound) Send(_ context.Context, channelName, address, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, outboundCall{channelName, address, text})
	return nil
}

func (o *recordingOutbound) snapshot() []outboundCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]outboundCall(nil), o.calls...)
}

type testEnv struct {
	router   *gin.Engine
	hub      *realtime.Hub
	users    service.UserService
	threads  service.ThreadService
	messages repository.MessageRepository
	outbound *recordingOutbound
	owner    *model.User
	token    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "api.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	threadRepo := repository.NewThreadRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	users := service.NewUserService(
		repository.NewUserRepository(db),
		token.NewJWTManager("test-secret", 1),
		repository.NewTokenBlacklist(rdb),
	)
	threads := service.NewThreadService(threadRepo, messageRepo)
	hub := realtime.NewHub()
	t.Cleanup(hub.Close)
	outbound := &recordingOutbound{}
	ingest := service.NewIngestService(threads, messageRepo, realtime.NewDispatcher(hub),
		fixedEngine{reply: "hi there"}, outbound, nil,
		service.IngestOptions{SerializePerThread: true, SendTimeout: time.Second})

	rt := config.RealtimeConfig{QueueSize: 16, WSPingSeconds: 1, WSPongWaitSeconds: 2}
	inbox := config.InboxConfig{OwnerEmail: testEmail, OwnerPassword: testPassword}

	webhooks := NewWebhookHandler(users, ingest, channel.NewMetaAdapter(testVerifyToken), channel.NewTwilioAdapter(),
		nil, repository.NewWebhookDedupe(rdb, time.Hour), inbox)

	r := gin.New()
	RegisterRoutes(r, Handlers{
		Auth:     NewAuthHandler(users),
		Threads:  NewThreadHandler(threads, ingest),
		Search:   NewSearchHandler(service.NewSearchService(nil)),
		Stream:   NewStreamHandler(users, threads, hub, 100*time.Millisecond, 16),
		Socket:   NewSocketHandler(users, threads, hub, rt),
		Webhooks: webhooks,
	}, middleware.AuthMiddleware(users))

	owner, err := users.EnsureUser(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	tok, _, err := users.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)

	return &testEnv{
		router:   r,
		hub:      hub,
		users:    users,
		threads:  threads,
		messages: messageRepo,
		outbound: outbound,
		owner:    owner,
		token:    tok,
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do 发送一个带 token 的 JSON 请求。token 为空时不带认证头。
func (e *testEnv) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if out != nil {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return env
}

func (e *testEnv) createThread(t *testing.T) *model.Thread {
	t.Helper()
	th, err := e.threads.Create(context.Background(), e.owner.ID, nil)
	require.NoError(t, err)
	return th
}

func (e *testEnv) otherUserToken(t *testing.T) string {
	t.Helper()
	_, err := e.users.EnsureUser(context.Background(), "other@local.com", "pw2")
	require.NoError(t, err)
	tok, _, err := e.users.Login(context.Background(), "other@local.com", "pw2")
	require.NoError(t, err)
	return tok
}

// readFrame 读取一个以空行结尾的 SSE 帧。
func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func openStream(t *testing.T, srv *httptest.Server, threadID uint, tok string) (*http.Response, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	url := srv.URL + "/threads/" + realtime.ThreadKey(threadID) + "/stream?token=" + tok
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, cancel
}
