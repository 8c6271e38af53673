package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chatweave/internal/provider"
)

// Config OpenAI 兼容 API 配置
type Config struct {
	APIKey                     string `json:"api_key"`
	BaseURL                    string `json:"base_url"` // 默认 https://api.openai.com/v1
	ConnectTimeoutSeconds      int    `json:"connect_timeout_seconds"`
	TLSHandshakeTimeoutSeconds int    `json:"tls_handshake_timeout_seconds"`
}

// Provider OpenAI 兼容的 LLM Provider
// 支持所有 OpenAI API 兼容服务（OpenAI, Azure, DeepSeek, Ollama 等）
type Provider struct {
	config Config
	client *http.Client
}

// New 创建 OpenAI 兼容 Provider
func New(config Config) *Provider {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	// 移除末尾斜杠
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	connectTimeout := time.Duration(config.ConnectTimeoutSeconds) * time.Second
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	tlsHandshakeTimeout := time.Duration(config.TLSHandshakeTimeoutSeconds) * time.Second
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 30 * time.Second
	}

	// Go 默认 Transport 的 TLS 握手超时为 10s，弱网下容易触发 handshake timeout。
	// 这里改为可配置，并保留通过 ctx 控制请求生命周期。
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout

	return &Provider{
		config: config,
		client: &http.Client{Transport: transport},
	}
}

func (p *Provider) Name() string {
	return "openai"
}

// -- 内部 API 请求/响应结构 --

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	TopP        *float64     `json:"top_p,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Stream      bool         `json:"stream"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	ID      string      `json:"id"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
	Model   string      `json:"model"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Complete 非流式补全
func (p *Provider) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	apiReq := p.buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := apiResp.Choices[0]
	return &provider.CompletionResponse{
		Content:      choice.Message.Content,
		Model:        apiResp.Model,
		FinishReason: choice.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) buildAPIRequest(req *provider.CompletionRequest) *apiRequest {
	apiReq := &apiRequest{
		Model:  req.Model,
		Stop:   req.Stop,
		Stream: false,
	}

	apiReq.Messages = make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		apiReq.Messages[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	if req.Temperature > 0 {
		t := req.Temperature
		apiReq.Temperature = &t
	}
	if req.MaxTokens > 0 {
		n := req.MaxTokens
		apiReq.MaxTokens = &n
	}
	if req.TopP > 0 {
		tp := req.TopP
		apiReq.TopP = &tp
	}

	return apiReq
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}
}
