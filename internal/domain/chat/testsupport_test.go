package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatweave/internal/provider"
)

// fakeStore 内存实现的 Store，支持按方法注入错误。
type fakeStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
	msgs  map[string][]Message
	recs  map[string]*ContextRecord

	insertConvErr       error
	insertConvDirectErr error
	insertMsgsErr       error
	insertMsgsDirectErr error
	listMessagesErr     error

	getRecordCalls int
	upsertCalls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs: make(map[string]*Conversation),
		msgs:  make(map[string][]Message),
		recs:  make(map[string]*ContextRecord),
	}
}

func recKey(conversationID, contextType string) string {
	return conversationID + "|" + contextType
}

func (f *fakeStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertConvErr != nil {
		return f.insertConvErr
	}
	if _, ok := f.convs[conv.ID]; ok {
		return ErrConversationExists
	}
	cp := *conv
	f.convs[conv.ID] = &cp
	return nil
}

func (f *fakeStore) InsertConversationDirect(ctx context.Context, conv *Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertConvDirectErr != nil {
		return f.insertConvDirectErr
	}
	cp := *conv
	f.convs[conv.ID] = &cp
	return nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return nil, nil
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conversation
	for _, conv := range f.convs {
		if conv.UserID == userID {
			cp := *conv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.convs[id]; ok {
		conv.Title = title
	}
	return nil
}

func (f *fakeStore) TouchConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.convs[id]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listMessagesErr != nil {
		return nil, f.listMessagesErr
	}
	return append([]Message(nil), f.msgs[conversationID]...), nil
}

func (f *fakeStore) InsertMessages(ctx context.Context, conversationID string, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertMsgsErr != nil {
		return f.insertMsgsErr
	}
	f.msgs[conversationID] = append(f.msgs[conversationID], msgs...)
	if conv, ok := f.convs[conversationID]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeStore) InsertMessagesDirect(ctx context.Context, conversationID string, msgs []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertMsgsDirectErr != nil {
		return f.insertMsgsDirectErr
	}
	f.msgs[conversationID] = append(f.msgs[conversationID], msgs...)
	return nil
}

func (f *fakeStore) GetContextRecord(ctx context.Context, conversationID, contextType string) (*ContextRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getRecordCalls++
	rec, ok := f.recs[recKey(conversationID, contextType)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) UpsertContextRecord(ctx context.Context, rec *ContextRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	cp := *rec
	f.recs[recKey(rec.ConversationID, rec.ContextType)] = &cp
	return nil
}

// seedMessages 预置 n 条交替 user/assistant 消息。
func (f *fakeStore) seedMessages(conversationID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		f.msgs[conversationID] = append(f.msgs[conversationID], Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conversationID,
			Role:           role,
			Content:        fmt.Sprintf("message %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		})
	}
}

func (f *fakeStore) summaryRecord(conversationID string) *ContextRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[recKey(conversationID, ContextTypeSummary)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (f *fakeStore) messageCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[conversationID])
}

// fakeProvider 确定性的假 LLM provider，记录每次请求。
// 每个实例用唯一名字注册，避免测试间互相干扰。
type fakeProvider struct {
	name     string
	mu       sync.Mutex
	calls    []*provider.CompletionRequest
	complete func(req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

var fakeProviderSeq atomic.Int64

func newFakeProvider(fn func(req *provider.CompletionRequest) (*provider.CompletionResponse, error)) *fakeProvider {
	p := &fakeProvider{
		name:     fmt.Sprintf("fake-%d", fakeProviderSeq.Add(1)),
		complete: fn,
	}
	provider.RegisterProvider(p)
	return p
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return p.complete(req)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastCall() *provider.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// staticReply 固定回复的补全函数
func staticReply(text string, inTokens, outTokens int) func(req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return func(req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return &provider.CompletionResponse{
			Content:      text,
			FinishReason: "stop",
			Usage: provider.Usage{
				PromptTokens:     inTokens,
				CompletionTokens: outTokens,
				TotalTokens:      inTokens + outTokens,
			},
		}, nil
	}
}
