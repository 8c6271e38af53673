package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"chatweave/internal/domain/chat"
	applog "chatweave/internal/platform/log"
)

// Store PostgreSQL 实现的会话存储，摘要记录带可选 Redis 读穿缓存。
type Store struct {
	db       *sql.DB
	rds      *redis.Client // 可为 nil（无缓存模式）
	cacheTTL time.Duration
}

// StoreConfig Store 配置
type StoreConfig struct {
	DB       *sql.DB
	Redis    *redis.Client // 可选，nil 则不缓存
	CacheTTL time.Duration // 摘要缓存 TTL，默认 30 分钟
}

// NewStore 创建 PostgreSQL 会话存储
func NewStore(cfg StoreConfig) *Store {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	applog.Info("[Store/PG] Initialized",
		"has_redis_cache", cfg.Redis != nil,
		"cache_ttl", ttl,
	)
	return &Store{
		db:       cfg.DB,
		rds:      cfg.Redis,
		cacheTTL: ttl,
	}
}

// EnsureTables 确保会话相关表存在
func (s *Store) EnsureTables(ctx context.Context) error {
	applog.Info("[Store/PG] Ensuring chat tables exist...")
	ddl := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         VARCHAR(64) PRIMARY KEY,
		user_id    VARCHAR(64) NOT NULL,
		title      VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		seq             BIGSERIAL PRIMARY KEY,
		id              VARCHAR(64) NOT NULL UNIQUE,
		conversation_id VARCHAR(64) NOT NULL,
		role            VARCHAR(32) NOT NULL,
		content         TEXT NOT NULL,
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS conversation_contexts (
		id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		conversation_id VARCHAR(64) NOT NULL,
		context_type    VARCHAR(32) NOT NULL,
		summary         TEXT NOT NULL DEFAULT '',
		message_count   INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (conversation_id, context_type)
	);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		applog.Error("[Store/PG] ❌ Failed to create tables", "error", err)
	} else {
		applog.Info("[Store/PG] ✅ Tables ready")
	}
	return err
}

// --- Conversation ---

// InsertConversation 插入会话，id 冲突归一化为 ErrConversationExists。
func (s *Store) InsertConversation(ctx context.Context, conv *chat.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return chat.ErrConversationExists
		}
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// InsertConversationDirect 低层兜底插入，不做冲突归一化。
func (s *Store) InsertConversationDirect(ctx context.Context, conv *chat.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title) VALUES ($1, $2, $3)`,
		conv.ID, conv.UserID, conv.Title,
	)
	if err != nil {
		return fmt.Errorf("direct insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	conv := &chat.Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM conversations WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]*chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at
		 FROM conversations WHERE user_id = $1 ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*chat.Conversation
	for rows.Next() {
		conv := &chat.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $1, updated_at = NOW() WHERE id = $2`,
		title, id,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// --- Message ---

// ListMessages 按写入顺序（seq 升序）返回会话内全部消息。
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, COALESCE(metadata, 'null'::jsonb), created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var m chat.Message
		var metadata []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if string(metadata) != "null" {
			m.Metadata = json.RawMessage(metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessages 事务写入一批消息并刷新会话活动时间。
// 批内顺序由 seq 序列保证与切片顺序一致。
func (s *Store) InsertMessages(ctx context.Context, conversationID string, msgs []chat.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, conversationID, m.Role, m.Content, nullIfEmptyJSON(m.Metadata), m.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = NOW() WHERE id = $1`,
		conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation in tx: %w", err)
	}

	return tx.Commit()
}

// InsertMessagesDirect 逐条兜底写入，不走事务。
func (s *Store) InsertMessagesDirect(ctx context.Context, conversationID string, msgs []chat.Message) error {
	for _, m := range msgs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, conversationID, m.Role, m.Content, nullIfEmptyJSON(m.Metadata), m.CreatedAt,
		); err != nil {
			return fmt.Errorf("direct insert message: %w", err)
		}
	}
	return nil
}

// --- ContextRecord ---

func (s *Store) cacheKey(conversationID, contextType string) string {
	return fmt.Sprintf("ctx:v1:%s:%s", contextType, conversationID)
}

// GetContextRecord 先查 Redis 缓存，miss 则查 PG 并回填缓存。
func (s *Store) GetContextRecord(ctx context.Context, conversationID, contextType string) (*chat.ContextRecord, error) {
	if s.rds != nil {
		cacheKey := s.cacheKey(conversationID, contextType)
		cached, err := s.rds.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			var rec chat.ContextRecord
			if json.Unmarshal([]byte(cached), &rec) == nil {
				applog.Debug("[Store/PG] 🎯 Context cache HIT",
					"conversation_id", conversationID,
					"context_type", contextType,
				)
				return &rec, nil
			}
			applog.Warn("[Store/PG] Context cache corrupted, falling through to PG",
				"conversation_id", conversationID,
			)
		}
	}

	rec := &chat.ContextRecord{ConversationID: conversationID, ContextType: contextType}
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, message_count, updated_at
		 FROM conversation_contexts
		 WHERE conversation_id = $1 AND context_type = $2`,
		conversationID, contextType,
	).Scan(&rec.Summary, &rec.MessageCount, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context record: %w", err)
	}

	if s.rds != nil {
		s.setCache(ctx, rec)
	}
	return rec, nil
}

// UpsertContextRecord 按 (conversation_id, context_type) 原子插入或覆盖，
// 然后失效缓存（下次读时回填最新数据）。
func (s *Store) UpsertContextRecord(ctx context.Context, rec *chat.ContextRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_contexts (conversation_id, context_type, summary, message_count, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (conversation_id, context_type) DO UPDATE
		 SET summary = EXCLUDED.summary,
		     message_count = EXCLUDED.message_count,
		     updated_at = EXCLUDED.updated_at`,
		rec.ConversationID, rec.ContextType, rec.Summary, rec.MessageCount, rec.UpdatedAt,
	)
	if err != nil {
		applog.Error("[Store/PG] ❌ Context upsert failed",
			"conversation_id", rec.ConversationID,
			"context_type", rec.ContextType,
			"error", err,
		)
		return fmt.Errorf("upsert context record: %w", err)
	}

	if s.rds != nil {
		cacheKey := s.cacheKey(rec.ConversationID, rec.ContextType)
		if delErr := s.rds.Del(ctx, cacheKey).Err(); delErr != nil {
			applog.Warn("[Store/PG] ⚠️ Failed to invalidate context cache",
				"conversation_id", rec.ConversationID,
				"cache_key", cacheKey,
				"error", delErr,
			)
		}
	}
	return nil
}

func (s *Store) setCache(ctx context.Context, rec *chat.ContextRecord) {
	cacheKey := s.cacheKey(rec.ConversationID, rec.ContextType)
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if setErr := s.rds.Set(ctx, cacheKey, data, s.cacheTTL).Err(); setErr != nil {
		applog.Warn("[Store/PG] ⚠️ Failed to set context cache",
			"conversation_id", rec.ConversationID,
			"cache_key", cacheKey,
			"error", setErr,
		)
	}
}

func nullIfEmptyJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
