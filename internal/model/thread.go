package model

import "time"

// 会话来源渠道。
const (
	ChannelApp    = "app"
	ChannelMeta   = "meta"
	ChannelTwilio = "twilio"
)

// Thread 代表一个会话，归属于某个操作员。
// ExternalUserPhone 用于把 webhook 流量关联到会话；同一 (UserID, ExternalUserPhone)
// 下以最新创建的会话为准。
type Thread struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UserID            uint      `gorm:"index:idx_threads_owner_phone,priority:1;not null" json:"-"`
	Title             *string   `gorm:"type:varchar(120)" json:"title"`
	HumanTakeover     bool      `gorm:"not null;default:false" json:"human_takeover"`
	ExternalUserPhone *string   `gorm:"type:varchar(64);index:idx_threads_owner_phone,priority:2" json:"external_user_phone,omitempty"`
	Channel           string    `gorm:"type:varchar(16);not null;default:app" json:"channel"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Thread) TableName() string {
	return "threads"
}

// IsExternal 判断会话是否来自外部渠道（需要出站发送）。
func (t *Thread) IsExternal() bool {
	return t.Channel != "" && t.Channel != ChannelApp
}

// ThreadUpdate 列出允许通过 API 修改的字段，nil 表示不修改。
type ThreadUpdate struct {
	Title         *string
	HumanTakeover *bool
}

// Columns 把更新转换为列名到值的映射，只包含白名单字段。
func (u ThreadUpdate) Columns() map[string]interface{} {
	cols := make(map[string]interface{}, 2)
	if u.Title != nil {
		cols["title"] = *u.Title
	}
	if u.HumanTakeover != nil {
		cols["human_takeover"] = *u.HumanTakeover
	}
	return cols
}

// ThreadStats 是操作员仪表盘使用的统计数据。
type ThreadStats struct {
	Threads           int64      `json:"threads"`
	UserMessages      int64      `json:"user_messages"`
	AssistantMessages int64      `json:"assistant_messages"`
	TotalMessages     int64      `json:"total_messages"`
	LastActivity      *time.Time `json:"last_activity"`
}
