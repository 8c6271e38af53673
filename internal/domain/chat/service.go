package chat

import (
	"context"
	"fmt"
	"strings"

	applog "chatweave/internal/platform/log"
	"chatweave/internal/provider"
)

// ServiceConfig 对话服务配置
type ServiceConfig struct {
	Provider       string  // 补全 provider 名称
	Model          string  // 回复模型
	SystemPrompt   string  // 默认系统提示词
	MaxReplyTokens int     // 回复 token 上限
	Temperature    float64 // 回复温度
}

// Service 对话服务：一次 HandleTurn 完成加载记忆、组装上下文、
// 调用补全、持久化轮次和调度后台工作。
// 只有当前轮补全失败会作为错误返回给调用方；
// 所有记忆管理失败都优雅降级并记日志。
type Service struct {
	cfg       ServiceConfig
	loader    *Loader
	lifecycle *Manager
}

// NewService 创建对话服务
func NewService(cfg ServiceConfig, loader *Loader, lifecycle *Manager) *Service {
	if cfg.MaxReplyTokens <= 0 {
		cfg.MaxReplyTokens = 1024
	}
	return &Service{
		cfg:       cfg,
		loader:    loader,
		lifecycle: lifecycle,
	}
}

// HandleTurn 处理一轮对话。conversationID 为空表示新会话。
// systemPrompt 为空时使用配置的默认提示词。
func (s *Service) HandleTurn(ctx context.Context, userID, conversationID, userText, systemPrompt string) (*TurnResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyUserText
	}
	if systemPrompt == "" {
		systemPrompt = s.cfg.SystemPrompt
	}

	applog.Info("[Chat/Service] 🔄 Turn started",
		"user_id", userID,
		"conversation_id", conversationID,
		"new_conversation", conversationID == "",
	)

	// 1. 确保会话存在（新会话在补全前创建，失败不阻塞回答）
	conv, created, persisted := s.lifecycle.EnsureConversation(ctx, userID, conversationID, userText)

	// 2. 加载记忆。加载失败降级为空记忆，本轮只发当前消息
	mem, err := s.loader.LoadMemory(ctx, conv.ID, userID)
	if err != nil {
		applog.Warn("[Chat/Service] ⚠️ Memory load failed, degrading to empty memory",
			"conversation_id", conv.ID,
			"error", err,
		)
		mem = &Memory{}
	}

	// 3. 组装上下文并调用补全服务。这是唯一允许让本轮失败的环节
	turnCtx := BuildTurnContext(systemPrompt, mem, userText)

	llmProvider, err := provider.GetProvider(s.cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("completion provider: %w", err)
	}

	pMsgs := make([]provider.Message, len(turnCtx))
	for i, m := range turnCtx {
		pMsgs[i] = provider.Message{Role: m.Role, Content: m.Content}
	}

	resp, err := llmProvider.Complete(ctx, &provider.CompletionRequest{
		Model:       s.cfg.Model,
		Messages:    pMsgs,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxReplyTokens,
	})
	if err != nil {
		// 补全失败：本轮作废，不持久化任何消息
		applog.Error("[Chat/Service] ❌ Completion failed",
			"conversation_id", conv.ID,
			"error", err,
		)
		return nil, fmt.Errorf("completion failed: %w", err)
	}

	usage := TurnUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	// 4. 持久化本轮（仅当会话落库成功）
	recorded := false
	if persisted {
		recorded = s.lifecycle.RecordTurn(ctx, conv.ID, userText, resp.Content, usage)
	} else {
		applog.Warn("[Chat/Service] ⚠️ Conversation not persisted, skipping turn recording",
			"conversation_id", conv.ID,
		)
	}

	// 5. 后台工作：新会话补标题，达到阈值则重新摘要
	if created && persisted {
		s.lifecycle.SpawnTitle(conv, userText)
	}
	if recorded {
		s.lifecycle.SpawnSummaryCheck(conv.ID, userID)
	}

	applog.Info("[Chat/Service] ✅ Turn completed",
		"conversation_id", conv.ID,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"memory_persisted", recorded,
	)

	return &TurnResult{
		Reply:           resp.Content,
		ConversationID:  conv.ID,
		Usage:           usage,
		MemoryPersisted: recorded,
	}, nil
}

// ListConversations 按最近活动倒序返回用户会话。
func (s *Service) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	return s.loader.store.ListConversations(ctx, userID)
}

// ListMessages 返回会话的完整消息历史（升序）。
func (s *Service) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	conv, err := s.loader.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return s.loader.store.ListMessages(ctx, conversationID)
}

// WaitBackground 等待后台任务结束（停机与测试用）。
func (s *Service) WaitBackground() {
	s.lifecycle.WaitBackground()
}
