package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "chatweave/internal/platform/log"
	"chatweave/internal/provider"
)

const (
	// fallbackTitleMaxRunes 同步兜底标题的字符预算
	fallbackTitleMaxRunes = 60

	// placeholderTitle 用户消息为空白时的占位标题
	placeholderTitle = "新对话"

	titleMaxTokens = 20
)

const titlePromptPrefix = `为下面这条用户消息生成一个简短的会话标题，不超过 12 个字。只输出标题本身，不要引号和解释。

`

// SummaryLock 后台摘要去重锁。实现见 internal/db/redis。
type SummaryLock interface {
	Acquire(ctx context.Context, conversationID string) (bool, error)
	Release(ctx context.Context, conversationID string) error
}

// Manager 会话生命周期管理：创建（容忍并发冲突）、异步补标题、
// 记录轮次、触发后台摘要检查。
// 所有后台任务在自身边界内捕获失败，只记日志，从不影响已返回的回复。
type Manager struct {
	store        Store
	summarizer   *Summarizer
	lock         SummaryLock // 可为 nil（无去重锁模式）
	providerName string
	titleModel   string
	windowSize   int
	threshold    int

	bg sync.WaitGroup
}

// NewManager 创建生命周期管理器
func NewManager(store Store, summarizer *Summarizer, providerName, titleModel string, windowSize, threshold int) *Manager {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if threshold <= windowSize {
		threshold = windowSize + 5
	}
	return &Manager{
		store:        store,
		summarizer:   summarizer,
		providerName: providerName,
		titleModel:   titleModel,
		windowSize:   windowSize,
		threshold:    threshold,
	}
}

// WithSummaryLock 设置后台摘要去重锁（链式调用）
func (m *Manager) WithSummaryLock(lock SummaryLock) *Manager {
	m.lock = lock
	return m
}

// EnsureConversation 确保会话存在。
// 没有 id 时创建新会话（兜底标题 = 首条消息截断）；
// 创建冲突时按已存在的行重读，绝不产生两个会话。
// persisted=false 表示会话没能落库，本轮记忆不会持久化。
func (m *Manager) EnsureConversation(ctx context.Context, userID, conversationID, firstText string) (conv *Conversation, created, persisted bool) {
	if conversationID != "" {
		existing, err := m.store.GetConversation(ctx, conversationID)
		if err != nil {
			applog.Warn("[Chat/Lifecycle] ⚠️ Failed to read conversation",
				"conversation_id", conversationID,
				"error", err,
			)
		}
		if existing != nil {
			return existing, false, true
		}
		// 调用方带了未知 id：按该 id 补建会话行，保持消息有归属
		applog.Warn("[Chat/Lifecycle] Conversation id not found, recreating",
			"conversation_id", conversationID,
			"user_id", userID,
		)
	}

	now := time.Now()
	conv = &Conversation{
		ID:        conversationID,
		UserID:    userID,
		Title:     fallbackTitle(firstText),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}

	err := m.store.InsertConversation(ctx, conv)
	if err == nil {
		applog.Info("[Chat/Lifecycle] ✅ Conversation created",
			"conversation_id", conv.ID,
			"user_id", userID,
			"title", conv.Title,
		)
		return conv, true, true
	}

	if errors.Is(err, ErrConversationExists) {
		// 并发创建撞车：改为重读已存在的行
		existing, readErr := m.store.GetConversation(ctx, conv.ID)
		if readErr == nil && existing != nil {
			applog.Info("[Chat/Lifecycle] Create raced, reusing existing conversation",
				"conversation_id", existing.ID,
			)
			return existing, false, true
		}
		applog.Warn("[Chat/Lifecycle] ⚠️ Conflict re-read failed",
			"conversation_id", conv.ID,
			"error", readErr,
		)
	} else {
		applog.Warn("[Chat/Lifecycle] ⚠️ Primary conversation insert failed, retrying via direct insert",
			"conversation_id", conv.ID,
			"error", err,
		)
	}

	// 仅兜底一次；再失败也不阻塞回答用户
	if err := m.store.InsertConversationDirect(ctx, conv); err != nil {
		applog.Error("[Chat/Lifecycle] ❌ Conversation not persisted",
			"conversation_id", conv.ID,
			"user_id", userID,
			"error", err,
		)
		return conv, true, false
	}
	return conv, true, true
}

// RecordTurn 持久化一轮对话：恰好两条消息（先 user 后 assistant）
// 并刷新会话活动时间。主路径失败后只兜底重试一次，再失败就吞掉，
// 因为回复已经交付给调用方。
func (m *Manager) RecordTurn(ctx context.Context, conversationID, userText, assistantText string, usage TurnUsage) bool {
	now := time.Now()
	msgs := []Message{
		{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           RoleUser,
			Content:        userText,
			CreatedAt:      now,
		},
		{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Role:           RoleAssistant,
			Content:        assistantText,
			Metadata:       usageMetadata(usage),
			CreatedAt:      now,
		},
	}

	err := m.store.InsertMessages(ctx, conversationID, msgs)
	if err == nil {
		applog.Debug("[Chat/Lifecycle] Turn recorded", "conversation_id", conversationID)
		return true
	}

	applog.Warn("[Chat/Lifecycle] ⚠️ Turn insert failed, retrying via direct insert",
		"conversation_id", conversationID,
		"error", err,
	)
	if err := m.store.InsertMessagesDirect(ctx, conversationID, msgs); err != nil {
		applog.Error("[Chat/Lifecycle] ❌ Turn not persisted",
			"conversation_id", conversationID,
			"error", err,
		)
		return false
	}
	return true
}

// SpawnTitle 异步为新会话生成标题。尽力而为：
// 任何失败都静默保留兜底标题，不影响本轮响应。
func (m *Manager) SpawnTitle(conv *Conversation, firstText string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer recoverBackground("title generation", conv.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		title := m.generateTitle(ctx, firstText)
		if title == "" {
			return
		}
		if err := m.store.UpdateConversationTitle(ctx, conv.ID, title); err != nil {
			applog.Warn("[Chat/Lifecycle] ⚠️ Failed to update generated title",
				"conversation_id", conv.ID,
				"error", err,
			)
			return
		}
		applog.Info("[Chat/Lifecycle] ✅ Title generated",
			"conversation_id", conv.ID,
			"title", title,
		)
	}()
}

func (m *Manager) generateTitle(ctx context.Context, firstText string) string {
	llmProvider, err := provider.GetProvider(m.providerName)
	if err != nil {
		applog.Warn("[Chat/Lifecycle] Title provider unavailable", "provider", m.providerName, "error", err)
		return ""
	}

	resp, err := llmProvider.Complete(ctx, &provider.CompletionRequest{
		Model: m.titleModel,
		Messages: []provider.Message{
			{Role: RoleUser, Content: titlePromptPrefix + firstText},
		},
		Temperature: 0.3,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		applog.Warn("[Chat/Lifecycle] Title generation failed", "error", err)
		return ""
	}

	title := strings.TrimSpace(resp.Content)
	title = strings.Trim(title, `"“”'`)
	return strings.TrimSpace(title)
}

// SpawnSummaryCheck 轮次落库后异步检查是否需要（重新）生成摘要。
// 对本轮响应完全是 fire-and-forget；并发触发由 Redis 锁去重，
// 即便锁缺失，upsert 语义也保证第二个写入者只是无害覆盖。
func (m *Manager) SpawnSummaryCheck(conversationID, userID string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer recoverBackground("summary check", conversationID)

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if m.lock != nil {
			acquired, err := m.lock.Acquire(ctx, conversationID)
			if err != nil || !acquired {
				applog.Debug("[Chat/Lifecycle] Summary check skipped: lock not acquired",
					"conversation_id", conversationID,
				)
				return
			}
			defer m.lock.Release(ctx, conversationID)
		}

		msgs, err := m.store.ListMessages(ctx, conversationID)
		if err != nil {
			applog.Warn("[Chat/Lifecycle] ⚠️ Summary check failed to list messages",
				"conversation_id", conversationID,
				"error", err,
			)
			return
		}
		if len(msgs) <= m.threshold {
			return
		}

		rec, err := m.store.GetContextRecord(ctx, conversationID, ContextTypeSummary)
		if err != nil {
			applog.Warn("[Chat/Lifecycle] ⚠️ Summary check failed to load record",
				"conversation_id", conversationID,
				"error", err,
			)
			return
		}

		older := msgs[:len(msgs)-m.windowSize]
		// 已有摘要且覆盖范围没有明显落后时跳过，避免频繁重摘要
		if rec != nil && rec.MessageCount >= len(older) {
			return
		}

		applog.Info("[Chat/Lifecycle] 🚀 Background summarization triggered",
			"conversation_id", conversationID,
			"total_messages", len(msgs),
			"older_messages", len(older),
			"existing_covered", recCovered(rec),
		)
		m.summarizer.Summarize(ctx, conversationID, older, userID)
	}()
}

// WaitBackground 等待所有后台任务结束（停机与测试用）。
func (m *Manager) WaitBackground() {
	m.bg.Wait()
}

func recCovered(rec *ContextRecord) int {
	if rec == nil {
		return 0
	}
	return rec.MessageCount
}

func recoverBackground(task, conversationID string) {
	if r := recover(); r != nil {
		applog.Error("[Chat/Lifecycle] ❌ Background task panicked",
			"task", task,
			"conversation_id", conversationID,
			"panic", r,
		)
	}
}

// fallbackTitle 兜底标题：首条用户消息压缩空白后按字符预算截断。
func fallbackTitle(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if collapsed == "" {
		return placeholderTitle
	}
	runes := []rune(collapsed)
	if len(runes) > fallbackTitleMaxRunes {
		return string(runes[:fallbackTitleMaxRunes])
	}
	return collapsed
}

func usageMetadata(usage TurnUsage) []byte {
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return nil
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil
	}
	return data
}
