package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	applog "chatweave/internal/platform/log"
	"chatweave/internal/provider"
)

// summarySystemPrompt 固定的摘要指令。
// 摘要是元数据而非面向用户的内容，输出预算被压得很小。
const summarySystemPrompt = `你是一个对话摘要助手。请将给出的对话压缩为 2-4 句话的摘要，使用现在时。
要求：
1. 涵盖讨论过的主题
2. 保留已发现的用户偏好
3. 记录已执行的操作
4. 指出尚未解决的事项
只输出摘要本身，不要任何前缀或解释。`

const summaryMaxTokens = 300

// Summarizer 把窗口之外的旧消息压缩为一段自然语言摘要，
// 并以 upsert 语义持久化为会话的 summary 上下文记录。
type Summarizer struct {
	store        Store
	providerName string
	modelName    string
}

// NewSummarizer 创建摘要器
func NewSummarizer(store Store, providerName, modelName string) *Summarizer {
	applog.Info("[Memory/Summarizer] Initialized",
		"provider", providerName,
		"model", modelName,
	)
	return &Summarizer{
		store:        store,
		providerName: providerName,
		modelName:    modelName,
	}
}

// Summarize 为旧消息生成摘要并持久化。
// 任何失败都降级为返回空串且不写记录：调用方把空摘要当作"暂无压缩"，
// 绝不让摘要失败拖垮当前轮次。
func (s *Summarizer) Summarize(ctx context.Context, conversationID string, olderMessages []Message, userID string) string {
	if len(olderMessages) == 0 {
		return ""
	}

	applog.Info("[Memory/Summarizer] 🤖 Starting summary generation",
		"conversation_id", conversationID,
		"user_id", userID,
		"older_messages", len(olderMessages),
	)

	llmProvider, err := provider.GetProvider(s.providerName)
	if err != nil {
		applog.Error("[Memory/Summarizer] ❌ Failed to get provider",
			"provider", s.providerName,
			"error", err,
		)
		return ""
	}

	transcript := buildTranscript(olderMessages)
	if transcript == "" {
		applog.Debug("[Memory/Summarizer] Nothing to summarize after role filtering",
			"conversation_id", conversationID,
		)
		return ""
	}

	req := &provider.CompletionRequest{
		Model: s.modelName,
		Messages: []provider.Message{
			{Role: RoleSystem, Content: summarySystemPrompt},
			{Role: RoleUser, Content: transcript},
		},
		Temperature: 0.3, // 低温度保证稳定摘要
		MaxTokens:   summaryMaxTokens,
	}

	resp, err := llmProvider.Complete(ctx, req)
	if err != nil {
		applog.Error("[Memory/Summarizer] ❌ LLM call failed",
			"conversation_id", conversationID,
			"model", s.modelName,
			"error", err,
		)
		return ""
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		applog.Warn("[Memory/Summarizer] ⚠️ LLM returned empty summary",
			"conversation_id", conversationID,
		)
		return ""
	}

	rec := &ContextRecord{
		ConversationID: conversationID,
		ContextType:    ContextTypeSummary,
		Summary:        summary,
		MessageCount:   len(olderMessages),
		UpdatedAt:      time.Now(),
	}
	if err := s.store.UpsertContextRecord(ctx, rec); err != nil {
		// 摘要本身仍可用于本轮，只是下一轮需要重新生成
		applog.Error("[Memory/Summarizer] ❌ Failed to persist summary",
			"conversation_id", conversationID,
			"error", err,
		)
		return summary
	}

	summaryPreview := summary
	if len(summaryPreview) > 150 {
		summaryPreview = summaryPreview[:150] + "..."
	}
	applog.Info("[Memory/Summarizer] ✅ Summary generated and saved",
		"conversation_id", conversationID,
		"covered_messages", rec.MessageCount,
		"summary_preview", summaryPreview,
	)

	return summary
}

// buildTranscript 把旧消息渲染为逐行转写，跳过意外的 system 行。
func buildTranscript(msgs []Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			sb.WriteString(fmt.Sprintf("User: %s\n", m.Content))
		case RoleAssistant:
			sb.WriteString(fmt.Sprintf("Assistant: %s\n", m.Content))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
