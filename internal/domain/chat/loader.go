package chat

import (
	"context"

	applog "chatweave/internal/platform/log"
)

// 滑动窗口与摘要阈值的默认值。
// 阈值比窗口至少大 5，保证首次触发摘要时有一批值得压缩的旧消息，
// 避免反复做无意义的小摘要。
const (
	DefaultWindowSize       = 10
	DefaultSummaryThreshold = 15
)

// Loader 加载会话记忆：近期窗口 + 已有摘要。
// 消息总数首次越过阈值且尚无摘要时，由当前调用同步生成摘要
// （谁越过阈值谁承担这次延迟）。
type Loader struct {
	store      Store
	summarizer *Summarizer
	windowSize int
	threshold  int
}

// NewLoader 创建记忆加载器
func NewLoader(store Store, summarizer *Summarizer, windowSize, threshold int) *Loader {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= windowSize {
		threshold = windowSize + 5
	}
	return &Loader{
		store:      store,
		summarizer: summarizer,
		windowSize: windowSize,
		threshold:  threshold,
	}
}

// LoadMemory 读取会话的记忆对象。
// 空会话直接返回空记忆，不再读取摘要。
func (l *Loader) LoadMemory(ctx context.Context, conversationID, userID string) (*Memory, error) {
	mem := &Memory{}
	if conversationID == "" {
		return mem, nil
	}

	msgs, err := l.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		applog.Debug("[Memory/Loader] Empty conversation", "conversation_id", conversationID)
		return mem, nil
	}

	mem.TotalMessageCount = len(msgs)
	mem.RecentMessages = recentWindow(msgs, l.windowSize)

	rec, err := l.store.GetContextRecord(ctx, conversationID, ContextTypeSummary)
	if err != nil {
		// 摘要读不到不影响本轮，退化为只发近期窗口
		applog.Warn("[Memory/Loader] ⚠️ Failed to load summary record",
			"conversation_id", conversationID,
			"error", err,
		)
		rec = nil
	}

	switch {
	case rec != nil:
		mem.Summary = rec.Summary
		applog.Debug("[Memory/Loader] Summary loaded",
			"conversation_id", conversationID,
			"covered_messages", rec.MessageCount,
		)
	case len(msgs) > l.threshold:
		// 首次越过阈值：同步压缩窗口之外的旧消息，本轮即可使用结果
		older := msgs[:len(msgs)-l.windowSize]
		applog.Info("[Memory/Loader] 📦 Threshold crossed, summarizing synchronously",
			"conversation_id", conversationID,
			"total_messages", len(msgs),
			"older_messages", len(older),
		)
		mem.Summary = l.summarizer.Summarize(ctx, conversationID, older, userID)
	}

	applog.Info("[Memory/Loader] ✅ Memory loaded",
		"conversation_id", conversationID,
		"total_messages", mem.TotalMessageCount,
		"recent_messages", len(mem.RecentMessages),
		"has_summary", mem.Summary != "",
	)

	return mem, nil
}

// recentWindow 取最后 windowSize 条消息，过滤掉 user/assistant 之外的角色。
// 读取时不假设角色严格交替，意外的 system 行在这里被丢弃。
func recentWindow(msgs []Message, windowSize int) []TurnMessage {
	start := 0
	if len(msgs) > windowSize {
		start = len(msgs) - windowSize
	}

	out := make([]TurnMessage, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		out = append(out, TurnMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
