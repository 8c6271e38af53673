package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	applog "chatweave/internal/platform/log"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TurnTimeout  time.Duration // 单轮对话超时（含补全调用）
	JWTSecret    string        // JWT 签名密钥（必填）
	JWTIssuer    string        // JWT 签发者（可选）
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		TurnTimeout:  time.Minute,
	}
}

// Server HTTP 服务器
type Server struct {
	config  *ServerConfig
	svc     TurnService
	httpSrv *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, svc TurnService) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config: config,
		svc:    svc,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	r, err := s.buildRouter()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Chat API server starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	r, err := s.buildRouter()
	if err != nil {
		panic(err)
	}
	return r
}

func (s *Server) buildRouter() (http.Handler, error) {
	if strings.TrimSpace(s.config.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	jwtCfg := &JWTConfig{
		Secret: s.config.JWTSecret,
		Issuer: s.config.JWTIssuer,
	}

	chatHandler := NewChatHandler(s.svc, s.config.TurnTimeout)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(jwtCfg))
		chatHandler.RegisterRoutes(r)
	})

	return r, nil
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
