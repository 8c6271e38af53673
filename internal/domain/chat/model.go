package chat

import (
	"encoding/json"
	"time"
)

// 消息角色。存储层把 role 视为开放字符串，
// 构建上下文时只认 user/assistant 两种。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContextTypeSummary 会话摘要类型。每个会话每种类型至多一条记录。
const ContextTypeSummary = "summary"

// Conversation 会话。标题仅用于展示，允许不准确。
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message 会话内的一条持久化消息。只追加，不修改不删除。
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ContextRecord 持久化的压缩上下文，代表窗口之外的旧消息。
type ContextRecord struct {
	ConversationID string    `json:"conversation_id"`
	ContextType    string    `json:"context_type"`
	Summary        string    `json:"summary"`
	MessageCount   int       `json:"message_count"` // 摘要覆盖的消息条数
	UpdatedAt      time.Time `json:"updated_at"`
}

// Memory 一次加载得到的会话记忆。
// Summary 为空表示当前没有可用压缩（未达阈值或摘要失败）。
type Memory struct {
	Summary           string
	RecentMessages    []TurnMessage
	TotalMessageCount int
}

// TurnMessage 发往补全服务的 role/content 对。
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnUsage 单轮的 token 消耗。
type TurnUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TurnResult HandleTurn 的结果。
// MemoryPersisted=false 表示回复正常返回，但这一轮没有写入持久记忆。
type TurnResult struct {
	Reply           string    `json:"reply"`
	ConversationID  string    `json:"conversation_id"`
	Usage           TurnUsage `json:"usage"`
	MemoryPersisted bool      `json:"memory_persisted"`
}
