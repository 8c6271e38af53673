package chat

import "context"

// Store 会话/消息/上下文记录的持久化契约。
// 读写都按会话 id 作用域，跨会话之间没有共享状态。
type Store interface {
	// InsertConversation 插入新会话。
	// id 冲突返回 ErrConversationExists，调用方按已存在的会话重读。
	InsertConversation(ctx context.Context, conv *Conversation) error

	// InsertConversationDirect 低层兜底插入，不做冲突归一化。
	InsertConversationDirect(ctx context.Context, conv *Conversation) error

	// GetConversation 按 id 读取，不存在时返回 (nil, nil)。
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations 按最近活动时间倒序返回用户的会话。
	ListConversations(ctx context.Context, userID string) ([]*Conversation, error)

	// UpdateConversationTitle 更新展示标题。
	UpdateConversationTitle(ctx context.Context, id, title string) error

	// TouchConversation 刷新最近活动时间。
	TouchConversation(ctx context.Context, id string) error

	// ListMessages 按创建顺序（升序）返回会话内全部消息。
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)

	// InsertMessages 事务写入一批消息并刷新会话活动时间。
	InsertMessages(ctx context.Context, conversationID string, msgs []Message) error

	// InsertMessagesDirect 逐条兜底写入，不走事务。
	InsertMessagesDirect(ctx context.Context, conversationID string, msgs []Message) error

	// GetContextRecord 读取指定类型的上下文记录，不存在时返回 (nil, nil)。
	GetContextRecord(ctx context.Context, conversationID, contextType string) (*ContextRecord, error)

	// UpsertContextRecord 按 (conversation_id, context_type) 原子插入或覆盖。
	UpsertContextRecord(ctx context.Context, rec *ContextRecord) error
}
