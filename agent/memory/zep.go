package memory

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

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
)

const maxResponseSizeBytes = 1 << 20

// zepStatusError is a non-2xx answer from Zep.
type zepStatusError struct {
	StatusCode int
	Body       string
}

func (e *zepStatusError) Error() string {
	return fmt.Sprintf("zep http status=%d body=%s", e.StatusCode, e.Body)
}

func isNotFound(err error) bool {
	var se *zepStatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

type ZepConfig struct {
	URL     string        `envconfig:"URL" split_words:"true" default:"https://api.getzep.com/api/v2"`
	APIKey  string        `envconfig:"API_KEY" split_words:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}

// ZepGateway stores per-user facts in a Zep knowledge graph.
type ZepGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	now        func() time.Time
}

var _ contractx.MemoryGateway = (*ZepGateway)(nil)

func NewZepGateway(cfg ZepConfig, client *http.Client) (*ZepGateway, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		return nil, errors.New("zep url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid zep url: %w", err)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("zep api key is required")
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &ZepGateway{baseURL: baseURL, apiKey: apiKey, httpClient: client, now: time.Now}, nil
}

type zepSearchRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	Scope  string `json:"scope"`
}

type zepEdge struct {
	Fact      string    `json:"fact"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

type zepSearchResponse struct {
	Edges []zepEdge `json:"edges"`
}

func (z *ZepGateway) Retrieve(ctx context.Context, userID, query string, limit int) ([]statex.MemoryRecord, error) {
	var resp zepSearchResponse
	err := z.do(ctx, http.MethodPost, "/graph/search", zepSearchRequest{
		UserID: userID,
		Query:  truncate(query, 400),
		Limit:  limit,
		Scope:  "edges",
	}, &resp)
	if isNotFound(err) {
		// Search answers 404 for a user with no graph yet.
		return nil, nil
	}
	if err != nil {
		return nil, &contractx.MemoryServiceError{Op: "retrieve", Err: err}
	}

	records := make([]statex.MemoryRecord, 0, len(resp.Edges))
	for _, e := range resp.Edges {
		fact := strings.TrimSpace(e.Fact)
		if fact == "" {
			continue
		}
		records = append(records, statex.MemoryRecord{
			UserID:         userID,
			Text:           fact,
			RelevanceScore: e.Score,
			CreatedAt:      e.CreatedAt,
		})
	}
	return records, nil
}

type zepAddRequest struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Data   string `json:"data"`
}

type zepUserRequest struct {
	UserID string `json:"user_id"`
}

// Store adds summary to the user's graph, creating the user on first write.
// Only the first add may answer 404; any later 404 is a service error.
func (z *ZepGateway) Store(ctx context.Context, userID, summary string) error {
	add := zepAddRequest{UserID: userID, Type: "text", Data: summary}
	err := z.do(ctx, http.MethodPost, "/graph", add, nil)
	if isNotFound(err) {
		if err = z.do(ctx, http.MethodPost, "/users", zepUserRequest{UserID: userID}, nil); err == nil {
			err = z.do(ctx, http.MethodPost, "/graph", add, nil)
		}
	}
	if err != nil {
		return &contractx.MemoryServiceError{Op: "store", Err: err}
	}
	return nil
}

func (z *ZepGateway) do(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal zep request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, z.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build zep request: %w", err)
	}
	req.Header.Set("Authorization", "Api-Key "+z.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := z.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute zep request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read zep response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &zepStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode zep response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
