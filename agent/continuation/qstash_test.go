package continuation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	qstashx "github.com/tanpawarit/advisor-council/pkg/qstash"
)

type fakePublisher struct {
	destination string
	body        []byte
	headers     map[string]string
	err         error
}

func (f *fakePublisher) Publish(_ context.Context, destination string, body []byte, headers map[string]string) (qstashx.PublishResponse, error) {
	f.destination = destination
	f.body = body
	f.headers = headers
	if f.err != nil {
		return qstashx.PublishResponse{}, f.err
	}
	return qstashx.PublishResponse{MessageID: "msg-1"}, nil
}

func TestScheduleContinuationPublishesToken(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	s, err := NewQStashScheduler(pub, "https://council.example.com/v1/deliberations/continue")
	if err != nil {
		t.Fatalf("NewQStashScheduler() error = %v", err)
	}
	if err := s.ScheduleContinuation(context.Background(), "tok-123"); err != nil {
		t.Fatalf("ScheduleContinuation() error = %v", err)
	}
	if pub.destination != "https://council.example.com/v1/deliberations/continue" {
		t.Fatalf("destination = %s", pub.destination)
	}
	var payload Payload
	if err := json.Unmarshal(pub.body, &payload); err != nil {
		t.Fatalf("body is not json: %v", err)
	}
	if payload.ContinuationToken != "tok-123" {
		t.Fatalf("ContinuationToken = %s", payload.ContinuationToken)
	}
}

func TestScheduleContinuationErrors(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: qstashx.ErrPublish}
	s, err := NewQStashScheduler(pub, "https://council.example.com/continue")
	if err != nil {
		t.Fatalf("NewQStashScheduler() error = %v", err)
	}
	if err := s.ScheduleContinuation(context.Background(), "tok"); !errors.Is(err, qstashx.ErrPublish) {
		t.Fatalf("error = %v, want ErrPublish", err)
	}
	if err := s.ScheduleContinuation(context.Background(), " "); !errors.Is(err, contractx.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if _, err := NewQStashScheduler(pub, ""); err == nil {
		t.Fatal("NewQStashScheduler() must reject an empty callback url")
	}
}
