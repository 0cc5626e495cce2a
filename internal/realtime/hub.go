package realtime

import (
	"errors"
	"sync"

	"inbox-relay-go/pkg/log"
)

// ErrHubClosed 表示 Hub 已经关闭，不再接受订阅。
var ErrHubClosed = errors.New("hub closed")

// Hub 是按会话 key 划分的订阅者注册表。
// 一把互斥锁保护整个映射，只在增删成员和复制快照时持有，投递事件时从不持有。
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[string]Subscriber // key -> subscriber id -> subscriber
	closed bool
}

// NewHub 创建一个空的 Hub。
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]Subscriber)}
}

// Subscribe 把订阅者注册到 key 下。
func (h *Hub) Subscribe(key string, sub Subscriber) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	set, ok := h.subs[key]
	if !ok {
		set = make(map[string]Subscriber)
		h.subs[key] = set
	}
	set[sub.ID()] = sub
	h.mu.Unlock()

	log.Debugw("subscriber added", "key", key, "sub_id", sub.ID(), "transport", sub.Transport())
	return nil
}

// Unsubscribe 移除订阅者并关闭它。对未注册的订阅者调用是安全的。
func (h *Hub) Unsubscribe(key string, sub Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[key]; ok {
		delete(set, sub.ID())
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	h.mu.Unlock()

	sub.Close()
	log.Debugw("subscriber removed", "key", key, "sub_id", sub.ID(), "transport", sub.Transport())
}

// Snapshot 返回 key 下当前订阅者的副本，顺序无意义。
func (h *Hub) Snapshot(key string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[key]
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// Count 返回 key 下的订阅者数量。
func (h *Hub) Count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Close 关闭 Hub 以及所有订阅者，之后的 Subscribe 返回 ErrHubClosed。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []Subscriber
	for key, set := range h.subs {
		for _, sub := range set {
			all = append(all, sub)
		}
		delete(h.subs, key)
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	log.Infof("realtime hub closed, released %d subscribers", len(all))
}
