package qstash

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
)

var ErrPublish = errors.New("qstash publish failed")

type PublishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish enqueues body for delivery to destination. Delivery retries are
// left to QStash, so a non-2xx here means the message was never accepted.
func (c *Client) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) (PublishResponse, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return PublishResponse{}, errors.New("qstash destination is required")
	}
	if _, err := url.ParseRequestURI(destination); err != nil {
		return PublishResponse{}, fmt.Errorf("qstash destination: %w", err)
	}

	endpoint := c.baseURL + "/v2/publish/" + destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PublishResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PublishResponse{}, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return PublishResponse{}, fmt.Errorf("%w: read body: %v", ErrPublish, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PublishResponse{}, fmt.Errorf("%w: status %d: %s", ErrPublish, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out PublishResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return PublishResponse{}, fmt.Errorf("%w: decode response: %v", ErrPublish, err)
		}
	}
	return out, nil
}
