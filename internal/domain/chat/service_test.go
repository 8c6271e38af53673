package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"chatweave/internal/provider"
)

func newTestService(store *fakeStore, p *fakeProvider) *Service {
	summarizer := NewSummarizer(store, p.Name(), "test-model")
	loader := NewLoader(store, summarizer, DefaultWindowSize, DefaultSummaryThreshold)
	lifecycle := NewManager(store, summarizer, p.Name(), "test-model", DefaultWindowSize, DefaultSummaryThreshold)
	return NewService(ServiceConfig{
		Provider:     p.Name(),
		Model:        "test-model",
		SystemPrompt: "你是一个导购助手",
	}, loader, lifecycle)
}

// 全新用户首轮：两条上下文、两条落库消息、兜底标题。
func TestHandleTurnFreshConversation(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("好的，我来帮你找", 42, 7))
	svc := newTestService(store, p)

	res, err := svc.HandleTurn(context.Background(), "u1", "", "帮我找便宜的鸡胸肉", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	if res.Reply != "好的，我来帮你找" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if res.ConversationID == "" {
		t.Error("expected conversation id")
	}
	if !res.MemoryPersisted {
		t.Error("expected memory to be persisted")
	}
	if res.Usage.InputTokens != 42 || res.Usage.OutputTokens != 7 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}

	// 首轮上下文只有 system + 当前消息
	first := p.calls[0]
	if len(first.Messages) != 2 {
		t.Fatalf("expected 2 context entries, got %d", len(first.Messages))
	}
	if first.Messages[0].Role != RoleSystem || first.Messages[0].Content != "你是一个导购助手" {
		t.Errorf("unexpected system entry %+v", first.Messages[0])
	}
	if first.Messages[1].Role != RoleUser || first.Messages[1].Content != "帮我找便宜的鸡胸肉" {
		t.Errorf("unexpected user entry %+v", first.Messages[1])
	}

	if n := store.messageCount(res.ConversationID); n != 2 {
		t.Errorf("expected 2 persisted messages, got %d", n)
	}
}

func TestHandleTurnCustomSystemPrompt(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("ok", 1, 1))
	svc := newTestService(store, p)

	_, err := svc.HandleTurn(context.Background(), "u1", "", "hello", "你是翻译")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	if got := p.calls[0].Messages[0].Content; got != "你是翻译" {
		t.Errorf("expected caller system prompt, got %q", got)
	}
}

// 20 条历史：上下文为 system + 摘要 + 10 条窗口 + 当前消息。
func TestHandleTurnLongConversation(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("继续聊", 1, 1))
	svc := newTestService(store, p)

	store.convs["c1"] = &Conversation{ID: "c1", UserID: "u1", Title: "长会话"}
	store.seedMessages("c1", 20)
	store.recs[recKey("c1", ContextTypeSummary)] = &ContextRecord{
		ConversationID: "c1",
		ContextType:    ContextTypeSummary,
		Summary:        "之前聊过鸡胸肉价格",
		MessageCount:   10,
	}

	res, err := svc.HandleTurn(context.Background(), "u1", "c1", "那牛肉呢", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	ctxMsgs := p.calls[0].Messages
	if len(ctxMsgs) != 13 {
		t.Fatalf("expected 13 context entries, got %d", len(ctxMsgs))
	}
	if !strings.Contains(ctxMsgs[1].Content, "之前聊过鸡胸肉价格") {
		t.Errorf("expected summary entry, got %q", ctxMsgs[1].Content)
	}
	if ctxMsgs[2].Content != "message 10" {
		t.Errorf("window should start at message 10, got %q", ctxMsgs[2].Content)
	}
	if last := ctxMsgs[len(ctxMsgs)-1]; last.Content != "那牛肉呢" {
		t.Errorf("current message must be last, got %q", last.Content)
	}

	if n := store.messageCount("c1"); n != 22 {
		t.Errorf("expected 22 messages after the turn, got %d", n)
	}
	if res.ConversationID != "c1" {
		t.Errorf("unexpected conversation id %q", res.ConversationID)
	}
}

// 轮次落库后后台检查发现摘要落后，会重新生成。
func TestHandleTurnTriggersBackgroundSummary(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("回复或摘要", 1, 1))
	svc := newTestService(store, p)

	store.convs["c1"] = &Conversation{ID: "c1", UserID: "u1", Title: "长会话"}
	store.seedMessages("c1", 20)
	store.recs[recKey("c1", ContextTypeSummary)] = &ContextRecord{
		ConversationID: "c1",
		ContextType:    ContextTypeSummary,
		Summary:        "旧摘要",
		MessageCount:   10,
	}

	if _, err := svc.HandleTurn(context.Background(), "u1", "c1", "继续", ""); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	rec := store.summaryRecord("c1")
	if rec.MessageCount != 12 {
		t.Errorf("expected summary refreshed to cover 12 messages, got %d", rec.MessageCount)
	}
}

func TestHandleTurnEmptyText(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakeProvider(staticReply("ok", 1, 1)))

	if _, err := svc.HandleTurn(context.Background(), "u1", "", "   \n", ""); !errors.Is(err, ErrEmptyUserText) {
		t.Fatalf("expected ErrEmptyUserText, got %v", err)
	}
	if len(store.convs) != 0 {
		t.Error("empty turn must not create a conversation")
	}
}

// 补全失败是唯一致命错误：本轮作废，不持久化消息。
func TestHandleTurnCompletionFailure(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(func(req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, errors.New("upstream 502")
	})
	svc := newTestService(store, p)

	store.convs["c1"] = &Conversation{ID: "c1", UserID: "u1"}
	store.seedMessages("c1", 4)

	_, err := svc.HandleTurn(context.Background(), "u1", "c1", "hello", "")
	if err == nil {
		t.Fatal("expected completion error")
	}
	svc.WaitBackground()

	if n := store.messageCount("c1"); n != 4 {
		t.Errorf("failed turn must not persist messages, got %d", n)
	}
}

// 会话落库失败：仍回答，但标记记忆未持久化。
func TestHandleTurnUnpersistedConversation(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("还是回答你", 1, 1))
	svc := newTestService(store, p)

	store.insertConvErr = errors.New("db down")
	store.insertConvDirectErr = errors.New("db still down")

	res, err := svc.HandleTurn(context.Background(), "u1", "", "hello", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	if res.Reply != "还是回答你" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if res.MemoryPersisted {
		t.Error("expected MemoryPersisted=false")
	}
	if n := store.messageCount(res.ConversationID); n != 0 {
		t.Errorf("unpersisted conversation must not record messages, got %d", n)
	}
}

// 记忆加载失败降级为空记忆，本轮照常回答。
func TestHandleTurnMemoryLoadFailure(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("降级回答", 1, 1))
	svc := newTestService(store, p)

	store.convs["c1"] = &Conversation{ID: "c1", UserID: "u1"}
	store.listMessagesErr = errors.New("query timeout")

	res, err := svc.HandleTurn(context.Background(), "u1", "c1", "hello", "")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	svc.WaitBackground()

	if res.Reply != "降级回答" {
		t.Errorf("unexpected reply %q", res.Reply)
	}
	if len(p.calls[0].Messages) != 2 {
		t.Errorf("degraded turn should carry only system+current, got %d", len(p.calls[0].Messages))
	}
}

// 两个并发首轮带同一 id：恰好一个会话，四条消息。
func TestHandleTurnConcurrentCreate(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("ok", 1, 1))
	svc := newTestService(store, p)

	const convID = "race-conv"
	var wg sync.WaitGroup
	results := make([]*TurnResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.HandleTurn(context.Background(), "u1", convID, "并发消息", "")
			if err != nil {
				t.Errorf("HandleTurn %d failed: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()
	svc.WaitBackground()

	if len(store.convs) != 1 {
		t.Fatalf("expected exactly 1 conversation, got %d", len(store.convs))
	}
	for i, res := range results {
		if res == nil {
			continue
		}
		if res.ConversationID != convID {
			t.Errorf("result %d has conversation %q", i, res.ConversationID)
		}
	}
	if n := store.messageCount(convID); n != 4 {
		t.Errorf("expected 4 messages from 2 turns, got %d", n)
	}
}

func TestListMessagesOwnership(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, newFakeProvider(staticReply("ok", 1, 1)))

	store.convs["c1"] = &Conversation{ID: "c1", UserID: "u1"}
	store.seedMessages("c1", 3)

	msgs, err := svc.ListMessages(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("owner list failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("expected 3 messages, got %d", len(msgs))
	}

	if _, err := svc.ListMessages(context.Background(), "u2", "c1"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound for foreign user, got %v", err)
	}
	if _, err := svc.ListMessages(context.Background(), "u1", "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound for missing conversation, got %v", err)
	}
}
