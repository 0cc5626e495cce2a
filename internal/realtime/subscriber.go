package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Transport 标识订阅者使用的传输方式。
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

const (
	defaultQueueSize = 64
	writeWait        = 10 * time.Second
)

var (
	// ErrQueueFull 表示订阅者的队列已满，本次事件被丢弃。
	ErrQueueFull = errors.New("subscriber queue full")
	// ErrSubscriberClosed 表示订阅者已关闭。
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber 是一个实时观看者。Deliver 必须是非阻塞的，且对同一订阅者保持 FIFO。
type Subscriber interface {
	ID() string
	Transport() Transport
	Deliver(payload []byte) error
	Close()
}

// mailbox 是有界 FIFO 队列，两种订阅者共用。
// 队列 channel 从不关闭，关闭状态由 done 表示，避免向已关闭的 channel 发送。
type mailbox struct {
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func newMailbox(size int) *mailbox {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &mailbox{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

func (m *mailbox) put(payload []byte) error {
	select {
	case <-m.done:
		return ErrSubscriberClosed
	default:
	}
	select {
	case m.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// shut 关闭 done，返回是否为首次关闭。
func (m *mailbox) shut() bool {
	first := false
	m.once.Do(func() {
		close(m.done)
		first = true
	})
	return first
}

// QueueSubscriber 是 SSE 使用的订阅者：事件进入队列，由流处理循环读取。
type QueueSubscriber struct {
	id string
	*mailbox
}

// NewQueueSubscriber 创建一个队列长度为 size 的订阅者。
func NewQueueSubscriber(size int) *QueueSubscriber {
	return &QueueSubscriber{
		id:      uuid.NewString(),
		mailbox: newMailbox(size),
	}
}

func (s *QueueSubscriber) ID() string           { return s.id }
func (s *QueueSubscriber) Transport() Transport { return TransportSSE }

// Deliver 把事件放入队列，队列满时立即返回 ErrQueueFull。
func (s *QueueSubscriber) Deliver(payload []byte) error { return s.put(payload) }

// Events 返回事件队列。
func (s *QueueSubscriber) Events() <-chan []byte { return s.queue }

// Done 在订阅者关闭后可读。
func (s *QueueSubscriber) Done() <-chan struct{} { return s.done }

// Close 关闭订阅者，可重复调用。
func (s *QueueSubscriber) Close() { s.shut() }

// SocketSubscriber 包装一个 WebSocket 连接。出站写入经由缓冲队列，
// 由唯一的写协程按顺序写出，并定期发送 ping。
type SocketSubscriber struct {
	id         string
	ws         *websocket.Conn
	pingPeriod time.Duration
	*mailbox
}

// NewSocketSubscriber 创建一个 WebSocket 订阅者，调用方需要随后调用 Start。
func NewSocketSubscriber(ws *websocket.Conn, size int, pingPeriod time.Duration) *SocketSubscriber {
	return &SocketSubscriber{
		id:         uuid.NewString(),
		ws:         ws,
		pingPeriod: pingPeriod,
		mailbox:    newMailbox(size),
	}
}

func (s *SocketSubscriber) ID() string           { return s.id }
func (s *SocketSubscriber) Transport() Transport { return TransportWebSocket }

// Deliver 把事件放入写队列。
func (s *SocketSubscriber) Deliver(payload []byte) error { return s.put(payload) }

// Done 在连接关闭后可读。
func (s *SocketSubscriber) Done() <-chan struct{} { return s.done }

// Start 启动写协程，每个连接只能调用一次。
func (s *SocketSubscriber) Start() {
	go s.writeLoop()
}

// Close 发送关闭帧并关闭底层连接，可重复调用。
func (s *SocketSubscriber) Close() {
	if !s.shut() {
		return
	}
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	_ = s.ws.Close()
}

func (s *SocketSubscriber) writeLoop() {
	var tick <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-tick:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *SocketSubscriber) write(messageType int, payload []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.ws.WriteMessage(messageType, payload)
}
