// Package ollama implements an eino chat model on top of Ollama's native
// /api/chat endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "llama3.2"

	maxLineSize = 1 << 20
)

// ErrUnavailable marks failures to reach the server or a rejected request,
// i.e. everything that happens before a reply starts streaming.
var ErrUnavailable = errors.New("ollama unavailable")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ollama returned status %d: %s", e.StatusCode, e.Body)
}

// Config 描述 Ollama 连接参数。
type Config struct {
	BaseURL     string
	Model       string
	Temperature *float32
	KeepAlive   string
	// ConnectTimeout bounds dialing and response headers. The body of a
	// streaming reply is not bounded here.
	ConnectTimeout time.Duration
	HTTPClient     *http.Client
}

// ChatModel talks to a local Ollama server.
type ChatModel struct {
	baseURL     string
	model       string
	temperature *float32
	keepAlive   string
	client      *http.Client
}

var _ model.BaseChatModel = (*ChatModel)(nil)

func NewChatModel(cfg Config) (*ChatModel, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/api")

	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = DefaultModel
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = timeout
		client = &http.Client{Transport: transport}
	}

	return &ChatModel{
		baseURL:     baseURL,
		model:       modelName,
		temperature: cfg.Temperature,
		keepAlive:   cfg.KeepAlive,
		client:      client,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   *chatOptions  `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

// Generate returns the complete reply in one message.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := m.post(ctx, m.buildRequest(input, false, opts))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama error: %s", out.Error)
	}
	return toMessage(out), nil
}

// Stream returns once the server has accepted the request. Each NDJSON line of
// the reply becomes one message chunk; the reader ends with io.EOF after the
// line marked done. A body that ends without that line is reported as
// io.ErrUnexpectedEOF.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	resp, err := m.post(ctx, m.buildRequest(input, true, opts))
	if err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[*schema.Message](16)
	go func() {
		defer resp.Body.Close()
		defer sw.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				sw.Send(nil, fmt.Errorf("decode ollama stream line: %w", err))
				return
			}
			if chunk.Error != "" {
				sw.Send(nil, fmt.Errorf("ollama stream error: %s", chunk.Error))
				return
			}

			if chunk.Message.Content != "" || chunk.Done {
				if closed := sw.Send(toMessage(chunk), nil); closed {
					return
				}
			}
			if chunk.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sw.Send(nil, fmt.Errorf("read ollama stream: %w", err))
			return
		}
		sw.Send(nil, fmt.Errorf("ollama stream ended before completion: %w", io.ErrUnexpectedEOF))
	}()

	return sr, nil
}

// Ping checks that the server answers GET /api/version.
func (m *ChatModel) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %w", ErrUnavailable, &StatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

// Model returns the configured model name.
func (m *ChatModel) Model() string {
	return m.model
}

func (m *ChatModel) buildRequest(input []*schema.Message, stream bool, opts []model.Option) chatRequest {
	options := model.GetCommonOptions(&model.Options{
		Temperature: m.temperature,
		Model:       &m.model,
	}, opts...)

	messages := make([]chatMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	req := chatRequest{
		Model:     m.model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: m.keepAlive,
	}
	if options.Model != nil && *options.Model != "" {
		req.Model = *options.Model
	}
	if options.Temperature != nil || options.TopP != nil || options.MaxTokens != nil || len(options.Stop) > 0 {
		req.Options = &chatOptions{
			Temperature: options.Temperature,
			TopP:        options.TopP,
			NumPredict:  options.MaxTokens,
			Stop:        options.Stop,
		}
	}
	return req
}

func (m *ChatModel) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "application/x-ndjson")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		log.Warn().Int("status", resp.StatusCode).Str("model", body.Model).Msg("ollama rejected chat request")
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, statusErr)
	}
	return resp, nil
}

func toMessage(resp chatResponse) *schema.Message {
	msg := schema.AssistantMessage(resp.Message.Content, nil)
	if resp.Done {
		msg.ResponseMeta = &schema.ResponseMeta{
			FinishReason: resp.DoneReason,
			Usage: &schema.TokenUsage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			},
		}
	}
	return msg
}
