// Package engine talks to a Vertex AI Agent Engine (reasoning engine) over REST.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"agentbridge/internal/credentials"
	"agentbridge/internal/domain"
	"agentbridge/internal/metrics"
)

const maxResponseBytes = 8 << 20

// ClientConfig configures the reasoning engine client.
type ClientConfig struct {
	Project  string
	Location string
	EngineID string
	APIBase  string // default: https://{location}-aiplatform.googleapis.com/v1
	Headers  credentials.HeaderSource
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Client creates sessions on the engine and submits user messages to them.
type Client struct {
	resourceURL string
	headers     credentials.HeaderSource
	client      *http.Client
	logger      *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Location)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		resourceURL: fmt.Sprintf("%s/projects/%s/locations/%s/reasoningEngines/%s",
			strings.TrimRight(cfg.APIBase, "/"), cfg.Project, cfg.Location, cfg.EngineID),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  cfg.Logger,
	}
}

type queryRequest struct {
	ClassMethod string         `json:"class_method"`
	Input       map[string]any `json:"input"`
}

// CreateSession asks the engine for a new session owned by userID and returns
// its id (output.id of the response).
func (c *Client) CreateSession(ctx context.Context, userID string) (string, error) {
	body, err := c.call(ctx, "create_session", c.resourceURL+":query", queryRequest{
		ClassMethod: "create_session",
		Input:       map[string]any{"user_id": userID},
	})
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(body, "output.id")
	if !id.Exists() || id.String() == "" {
		return "", &domain.EngineError{
			Op:     "create_session",
			Status: http.StatusOK,
			Body:   truncate(string(body), 512),
			Err:    errors.New("response has no output.id"),
		}
	}

	c.logger.Info("engine session created", "user_id", userID, "session_id", id.String())
	return id.String(), nil
}

// SendMessage submits text to an existing session and returns the reply text.
func (c *Client) SendMessage(ctx context.Context, userID, sessionID, text string) (string, error) {
	body, err := c.call(ctx, "stream_query", c.resourceURL+":streamQuery?alt=sse", queryRequest{
		ClassMethod: "stream_query",
		Input: map[string]any{
			"user_id":    userID,
			"session_id": sessionID,
			"message":    text,
		},
	})
	if err != nil {
		return "", err
	}

	reply := ExtractReply(body)
	if reply == "" {
		return "", fmt.Errorf("engine stream_query: empty response for session %s", sessionID)
	}
	return reply, nil
}

// Query runs an arbitrary class method and returns the response's output
// field, or the whole response when it has none.
func (c *Client) Query(ctx context.Context, classMethod string, input map[string]any) (json.RawMessage, error) {
	if classMethod == "" {
		classMethod = "query"
	}
	if input == nil {
		input = map[string]any{}
	}
	body, err := c.call(ctx, classMethod, c.resourceURL+":query", queryRequest{ClassMethod: classMethod, Input: input})
	if err != nil {
		return nil, err
	}
	if out := gjson.GetBytes(body, "output"); out.Exists() {
		return json.RawMessage(out.Raw), nil
	}
	return json.RawMessage(body), nil
}

func (c *Client) call(ctx context.Context, op, url string, payload queryRequest) ([]byte, error) {
	start := time.Now()
	defer func() { metrics.EngineLatency(op, time.Since(start).Seconds()) }()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("engine %s: marshal: %w", op, err)
	}

	headers, err := c.headers.Headers(ctx)
	if err != nil {
		return nil, &domain.EngineError{Op: op, Err: fmt.Errorf("credentials: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("engine %s: build request: %w", op, err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.EngineError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &domain.EngineError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("engine call failed", "op", op, "status", resp.StatusCode)
		return nil, &domain.EngineError{Op: op, Status: resp.StatusCode, Body: truncate(string(body), 2048)}
	}
	return body, nil
}

// ExtractReply pulls the reply text out of a stream_query response. The
// response is either one JSON value, a JSON array of events, or one event per
// line (optionally SSE "data:" framed). The text of the first content part of
// the last event that has one wins; without any, the trimmed raw body is
// returned so a reply is never silently empty.
func ExtractReply(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	var reply string
	visit := func(ev gjson.Result) {
		if t := ev.Get("content.parts.0.text"); t.Exists() && t.String() != "" {
			reply = t.String()
		}
	}

	if gjson.ValidBytes(trimmed) {
		doc := gjson.ParseBytes(trimmed)
		if doc.IsArray() {
			doc.ForEach(func(_, ev gjson.Result) bool {
				visit(ev)
				return true
			})
		} else {
			visit(doc)
		}
	} else {
		for _, line := range strings.Split(string(trimmed), "\n") {
			line = strings.TrimSpace(line)
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if line == "" || !gjson.Valid(line) {
				continue
			}
			visit(gjson.Parse(line))
		}
	}

	if reply == "" {
		return string(trimmed)
	}
	return reply
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
