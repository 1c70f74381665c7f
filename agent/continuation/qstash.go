package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
	qstashx "github.com/tanpawarit/advisor-council/pkg/qstash"
)

// Publisher enqueues a message for later HTTP delivery.
type Publisher interface {
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) (qstashx.PublishResponse, error)
}

// Payload is the body delivered back to the continue endpoint.
type Payload struct {
	ContinuationToken string `json:"continuationToken"`
}

// QStashScheduler schedules a continuation by publishing the token to the
// service's own callback URL.
type QStashScheduler struct {
	publisher   Publisher
	callbackURL string
	logger      zerolog.Logger
}

var _ contractx.ContinuationScheduler = (*QStashScheduler)(nil)

func NewQStashScheduler(publisher Publisher, callbackURL string) (*QStashScheduler, error) {
	if publisher == nil {
		return nil, errors.New("qstash publisher is required")
	}
	callbackURL = strings.TrimSpace(callbackURL)
	if callbackURL == "" {
		return nil, errors.New("continuation callback url is required")
	}
	return &QStashScheduler{
		publisher:   publisher,
		callbackURL: callbackURL,
		logger:      logx.Component("continuation"),
	}, nil
}

func (s *QStashScheduler) ScheduleContinuation(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("%w: continuation token is required", contractx.ErrValidation)
	}
	body, err := json.Marshal(Payload{ContinuationToken: token})
	if err != nil {
		return err
	}
	// A redelivered token is rejected by the checkpoint claim, so retries
	// cannot double-process a round.
	resp, err := s.publisher.Publish(ctx, s.callbackURL, body, map[string]string{
		"Upstash-Retries": "3",
	})
	if err != nil {
		return fmt.Errorf("schedule continuation: %w", err)
	}
	s.logger.Info().Str("message_id", resp.MessageID).Msg("continuation scheduled")
	return nil
}
