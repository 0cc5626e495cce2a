package realtime

import (
	"encoding/json"

	"inbox-relay-go/pkg/log"
)

// DeliveryResult 是一次广播中单个订阅者的投递结果。
type DeliveryResult struct {
	SubscriberID string
	Transport    Transport
	Err          error
}

// OK 表示投递成功。
func (r DeliveryResult) OK() bool { return r.Err == nil }

// Dispatcher 负责把事件广播给某个会话的所有订阅者。
type Dispatcher struct {
	hub *Hub
}

// NewDispatcher 创建一个基于 hub 的分发器。
func NewDispatcher(hub *Hub) *Dispatcher {
	return &Dispatcher{hub: hub}
}

// Broadcast 向 key 下的每个订阅者投递事件，尽力而为：
// 单个订阅者失败不影响其他订阅者，失败只记录日志，不向调用方返回错误。
func (d *Dispatcher) Broadcast(key string, event Event) []DeliveryResult {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Errorw("事件序列化失败", "key", key, "type", event.Type, "error", err)
		return nil
	}

	targets := d.hub.Snapshot(key)
	results := make([]DeliveryResult, 0, len(targets))
	failed := 0
	for _, sub := range targets {
		res := DeliveryResult{SubscriberID: sub.ID(), Transport: sub.Transport(), Err: sub.Deliver(payload)}
		if !res.OK() {
			failed++
			log.Debugw("event dropped for subscriber",
				"key", key, "type", event.Type, "sub_id", res.SubscriberID,
				"transport", res.Transport, "error", res.Err)
		}
		results = append(results, res)
	}

	if failed > 0 {
		log.Warnw("广播部分投递失败", "key", key, "type", event.Type, "failed", failed, "total", len(targets))
	}
	return results
}
