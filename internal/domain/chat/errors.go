package chat

import "errors"

var (
	// ErrConversationExists 插入会话时主键冲突
	ErrConversationExists = errors.New("conversation already exists")

	// ErrConversationNotFound 会话不存在
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyUserText 用户输入为空
	ErrEmptyUserText = errors.New("user text is empty")
)
