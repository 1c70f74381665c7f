package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSizeBytes = 2 << 20

type UpstashConfig struct {
	URL     string        `envconfig:"URL" split_words:"true"`
	Token   string        `envconfig:"TOKEN" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// UpstashBackend talks to Upstash Redis over its REST command endpoint.
type UpstashBackend struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Backend = (*UpstashBackend)(nil)

type redisRESTResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

func NewUpstashBackend(cfg UpstashConfig, client *http.Client) (*UpstashBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("upstash redis url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid redis rest url: %w", err)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("upstash redis token is required")
	}

	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &UpstashBackend{
		baseURL:    baseURL,
		token:      token,
		httpClient: client,
	}, nil
}

func (b *UpstashBackend) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := b.exec(ctx, []any{"GET", key})
	if err != nil {
		return nil, err
	}

	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, ErrKeyNotFound
	}

	var encoded string
	if err := json.Unmarshal(result, &encoded); err != nil {
		return nil, fmt.Errorf("decode redis payload: %w", err)
	}
	return []byte(encoded), nil
}

func (b *UpstashBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := []any{"SET", key, string(value)}
	if ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(ttl))
	}
	_, err := b.exec(ctx, cmd)
	return err
}

func (b *UpstashBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cmd := []any{"SET", key, string(value), "NX"}
	if ttl > 0 {
		cmd = append(cmd, "EX", ttlSeconds(ttl))
	}
	resp, err := b.exec(ctx, cmd)
	if err != nil {
		return false, err
	}
	result := bytes.TrimSpace(resp.Result)
	return len(result) > 0 && !bytes.Equal(result, []byte("null")), nil
}

func (b *UpstashBackend) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cmd := make([]any, 0, len(keys)+1)
	cmd = append(cmd, "DEL")
	for _, k := range keys {
		cmd = append(cmd, k)
	}
	_, err := b.exec(ctx, cmd)
	return err
}

func (b *UpstashBackend) DelIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	resp, err := b.exec(ctx, []any{"EVAL", delIfValueScript, 1, key, string(value)})
	if err != nil {
		return false, err
	}
	var n int64
	if err := json.Unmarshal(bytes.TrimSpace(resp.Result), &n); err != nil {
		return false, fmt.Errorf("decode redis eval result: %w", err)
	}
	return n == 1, nil
}

func (b *UpstashBackend) exec(ctx context.Context, command []any) (*redisRESTResponse, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal redis command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build redis request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute redis request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read redis response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("redis http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var parsed redisRESTResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode redis response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &parsed, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	seconds := ttl / time.Second
	if seconds <= 0 {
		return 1
	}
	if ttl%time.Second != 0 {
		seconds++
	}
	return int64(seconds)
}
