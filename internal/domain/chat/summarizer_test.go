package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"chatweave/internal/provider"
)

func TestSummarizeTranscriptFormat(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("摘要文本", 1, 1))
	s := NewSummarizer(store, p.Name(), "test-model")

	older := []Message{
		{Role: RoleUser, Content: "想买鸡胸肉"},
		{Role: RoleAssistant, Content: "这款在打折"},
		{Role: RoleSystem, Content: "should be skipped"},
		{Role: RoleUser, Content: "多少钱"},
	}

	got := s.Summarize(context.Background(), "c1", older, "u1")
	if got != "摘要文本" {
		t.Fatalf("unexpected summary: %q", got)
	}

	req := p.lastCall()
	if req == nil || len(req.Messages) != 2 {
		t.Fatalf("expected system+user request, got %+v", req)
	}
	transcript := req.Messages[1].Content
	if !strings.Contains(transcript, "User: 想买鸡胸肉") {
		t.Errorf("missing user line: %s", transcript)
	}
	if !strings.Contains(transcript, "Assistant: 这款在打折") {
		t.Errorf("missing assistant line: %s", transcript)
	}
	if strings.Contains(transcript, "skipped") {
		t.Errorf("system row leaked into transcript: %s", transcript)
	}
	if req.MaxTokens != summaryMaxTokens {
		t.Errorf("expected capped output tokens %d, got %d", summaryMaxTokens, req.MaxTokens)
	}
}

// 重复摘要是覆盖而不是追加：同一会话始终只有一条 summary 记录。
func TestSummarizeUpsertIdempotent(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("第一版摘要", 1, 1))
	s := NewSummarizer(store, p.Name(), "test-model")

	older := []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
	}

	s.Summarize(context.Background(), "c1", older, "u1")
	s.Summarize(context.Background(), "c1", older, "u1")

	if len(store.recs) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(store.recs))
	}
	if store.upsertCalls != 2 {
		t.Errorf("expected 2 upsert calls, got %d", store.upsertCalls)
	}
	rec := store.summaryRecord("c1")
	if rec.MessageCount != 2 {
		t.Errorf("expected covered count 2, got %d", rec.MessageCount)
	}
}

func TestSummarizeFailureWritesNothing(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(func(req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, errors.New("timeout")
	})
	s := NewSummarizer(store, p.Name(), "test-model")

	got := s.Summarize(context.Background(), "c1", []Message{{Role: RoleUser, Content: "x"}}, "u1")

	if got != "" {
		t.Errorf("expected empty summary on failure, got %q", got)
	}
	if store.upsertCalls != 0 {
		t.Errorf("failed summarization must not upsert, got %d calls", store.upsertCalls)
	}
}

func TestSummarizeEmptyInput(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("摘要", 1, 1))
	s := NewSummarizer(store, p.Name(), "test-model")

	if got := s.Summarize(context.Background(), "c1", nil, "u1"); got != "" {
		t.Errorf("expected empty summary for no input, got %q", got)
	}
	if p.callCount() != 0 {
		t.Errorf("expected no LLM call for empty input, got %d", p.callCount())
	}
}

// LLM 返回空白时视为失败，不写记录。
func TestSummarizeBlankResult(t *testing.T) {
	store := newFakeStore()
	p := newFakeProvider(staticReply("   \n", 1, 1))
	s := NewSummarizer(store, p.Name(), "test-model")

	got := s.Summarize(context.Background(), "c1", []Message{{Role: RoleUser, Content: "x"}}, "u1")

	if got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
	if store.upsertCalls != 0 {
		t.Errorf("blank summary must not be persisted, got %d upserts", store.upsertCalls)
	}
}
