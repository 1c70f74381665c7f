package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/advisor-council/agent/contract"
	statex "github.com/tanpawarit/advisor-council/agent/state"
	logx "github.com/tanpawarit/advisor-council/pkg/logger"
)

const defaultKeyPrefix = "council:"

// Checkpoint is one persisted snapshot of a session.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Digest    string          `json:"digest"`
	Session   *statex.Session `json:"session"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type head struct {
	Sequence int64  `json:"sequence"`
	Digest   string `json:"digest"`
}

// Observer receives one event per store operation.
type Observer interface {
	ObserveCheckpoint(op, outcome string)
}

// Store persists sessions as a chain of checkpoints addressed by opaque,
// per-session monotonically increasing continuation tokens. Load claims a
// non-terminal session until the next Save or Release; the claim id travels in
// the returned Lease and Save and Release only ever remove their own claim.
type Store struct {
	backend   Backend
	prefix    string
	ttl       time.Duration
	retention time.Duration
	claimTTL  time.Duration

	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

var _ contractx.CheckpointStore = (*Store)(nil)

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = trimmed
		}
	}
}

func WithTTL(active, retention time.Duration) Option {
	return func(s *Store) {
		s.ttl = active
		s.retention = retention
	}
}

func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Store) { s.claimTTL = ttl }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("checkpoint backend is required")
	}
	s := &Store{
		backend:   backend,
		prefix:    defaultKeyPrefix,
		ttl:       24 * time.Hour,
		retention: 72 * time.Hour,
		claimTTL:  10 * time.Minute,
		logger:    logx.Component("checkpoint"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.ttl < 0 || s.retention < 0 || s.claimTTL < 0 {
		return nil, errors.New("checkpoint ttl must be >= 0")
	}
	return s, nil
}

// Save writes sess as the checkpoint after lease.Sequence and returns its
// token together with the lease for the next Save. Saving content identical to
// the current head returns the head token without writing. Save fails with a
// conflict when lease.Sequence is no longer the head or when the claim named by
// lease.Owner has passed to another invocation. A successful Save releases the
// caller's claim.
func (s *Store) Save(ctx context.Context, sess *statex.Session, lease contractx.Lease) (token string, next contractx.Lease, err error) {
	defer func() { s.observe("save", err) }()

	if sess == nil {
		return "", lease, statex.ErrNilSession
	}
	if err := sess.Validate(); err != nil {
		return "", lease, fmt.Errorf("%w: invalid session: %v", contractx.ErrValidation, err)
	}
	if lease.SessionID != sess.SessionID {
		return "", lease, fmt.Errorf("%w: lease for %q used to save %q", contractx.ErrValidation, lease.SessionID, sess.SessionID)
	}

	digest, err := Digest(sess)
	if err != nil {
		return "", lease, err
	}

	current, err := s.readHead(ctx, sess.SessionID)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		current = head{}
	case err != nil:
		return "", lease, s.unavailable("read head", err)
	}
	if current.Sequence != lease.Sequence {
		return "", lease, &contractx.CheckpointConflictError{
			SessionID: sess.SessionID,
			Reason:    fmt.Sprintf("checkpoint %d superseded by %d", lease.Sequence, current.Sequence),
		}
	}
	if err := s.checkClaim(ctx, lease); err != nil {
		return "", lease, err
	}

	if current.Sequence > 0 && current.Digest == digest {
		if err := s.releaseClaim(ctx, lease); err != nil {
			return "", lease, err
		}
		return EncodeToken(sess.SessionID, current.Sequence), contractx.Lease{SessionID: sess.SessionID, Sequence: current.Sequence}, nil
	}

	ttl := s.ttl
	if sess.IsTerminal() {
		ttl = s.retention
	}

	now := s.now().UTC()
	cp := Checkpoint{
		SessionID: sess.SessionID,
		Sequence:  current.Sequence + 1,
		Digest:    digest,
		Session:   sess,
		CreatedAt: now,
	}
	if ttl > 0 {
		cp.ExpiresAt = now.Add(ttl)
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return "", lease, fmt.Errorf("marshal checkpoint: %w", err)
	}
	headPayload, err := json.Marshal(head{Sequence: cp.Sequence, Digest: digest})
	if err != nil {
		return "", lease, fmt.Errorf("marshal checkpoint head: %w", err)
	}

	// Record before head, so the head never points at a missing record. Only
	// one writer can create a given sequence.
	written, err := s.backend.SetNX(ctx, s.recordKey(sess.SessionID, cp.Sequence), payload, ttl)
	if err != nil {
		return "", lease, s.unavailable("write checkpoint", err)
	}
	if !written {
		if err := s.resumePartialWrite(ctx, sess.SessionID, cp.Sequence, digest); err != nil {
			return "", lease, err
		}
	}
	if err := s.backend.Set(ctx, s.headKey(sess.SessionID), headPayload, ttl); err != nil {
		return "", lease, s.unavailable("write head", err)
	}
	if err := s.releaseClaim(ctx, lease); err != nil {
		return "", lease, err
	}

	s.logger.Debug().
		Str("session_id", sess.SessionID).
		Int64("sequence", cp.Sequence).
		Str("status", string(sess.Status)).
		Msg("checkpoint saved")

	return EncodeToken(sess.SessionID, cp.Sequence), contractx.Lease{SessionID: sess.SessionID, Sequence: cp.Sequence}, nil
}

// Load resolves token to its session. A non-terminal session is claimed and the
// returned lease carries the claim owner. A terminal session is returned
// without a claim, also for tokens it superseded, so finished deliberations
// can be replayed.
func (s *Store) Load(ctx context.Context, token string) (sess *statex.Session, lease contractx.Lease, err error) {
	defer func() { s.observe("load", err) }()

	sessionID, seq, err := DecodeToken(token)
	if err != nil {
		return nil, lease, &contractx.CheckpointNotFoundError{Token: token}
	}

	current, err := s.readHead(ctx, sessionID)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, lease, &contractx.CheckpointNotFoundError{Token: token}
	}
	if err != nil {
		return nil, lease, s.unavailable("read head", err)
	}
	if seq > current.Sequence {
		return nil, lease, &contractx.CheckpointNotFoundError{Token: token}
	}

	cp, err := s.readRecord(ctx, sessionID, current.Sequence, token)
	if err != nil {
		if seq < current.Sequence && errors.Is(err, contractx.ErrCheckpointNotFound) {
			return nil, lease, superseded(sessionID, current.Sequence)
		}
		return nil, lease, err
	}

	lease = contractx.Lease{SessionID: sessionID, Sequence: current.Sequence}
	if cp.Session.IsTerminal() {
		return cp.Session, lease, nil
	}
	if seq < current.Sequence {
		return nil, contractx.Lease{}, superseded(sessionID, current.Sequence)
	}

	owner := uuid.NewString()
	claimed, err := s.backend.SetNX(ctx, s.claimKey(sessionID), []byte(owner), s.claimTTL)
	if err != nil {
		return nil, contractx.Lease{}, s.unavailable("claim session", err)
	}
	if !claimed {
		return nil, contractx.Lease{}, &contractx.CheckpointConflictError{SessionID: sessionID, Reason: "session already claimed by another invocation"}
	}
	lease.Owner = owner

	return cp.Session, lease, nil
}

// Release drops the claim held by lease without writing a checkpoint. A lease
// without an owner, or whose claim has already lapsed, releases nothing.
func (s *Store) Release(ctx context.Context, lease contractx.Lease) (err error) {
	defer func() { s.observe("release", err) }()
	return s.releaseClaim(ctx, lease)
}

func (s *Store) readRecord(ctx context.Context, sessionID string, seq int64, token string) (Checkpoint, error) {
	raw, err := s.backend.Get(ctx, s.recordKey(sessionID, seq))
	if errors.Is(err, ErrKeyNotFound) {
		return Checkpoint{}, &contractx.CheckpointNotFoundError{Token: token}
	}
	if err != nil {
		return Checkpoint{}, s.unavailable("read checkpoint", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: decode checkpoint: %v", contractx.ErrCheckpointUnavailable, err)
	}
	if !cp.ExpiresAt.IsZero() && !s.now().Before(cp.ExpiresAt) {
		return Checkpoint{}, &contractx.CheckpointNotFoundError{Token: token}
	}
	if cp.Session == nil || cp.Session.SessionID != sessionID {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint payload does not match token", contractx.ErrCheckpointUnavailable)
	}
	if err := cp.Session.Validate(); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: invalid session in checkpoint: %v", contractx.ErrCheckpointUnavailable, err)
	}
	return cp, nil
}

// checkClaim rejects a lease whose claim now belongs to another invocation.
// A lapsed claim nobody took over is still accepted; the head sequence check
// already fences writers that raced past it.
func (s *Store) checkClaim(ctx context.Context, lease contractx.Lease) error {
	if lease.Owner == "" {
		return nil
	}
	raw, err := s.backend.Get(ctx, s.claimKey(lease.SessionID))
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return nil
	case err != nil:
		return s.unavailable("read claim", err)
	case string(raw) != lease.Owner:
		return &contractx.CheckpointConflictError{SessionID: lease.SessionID, Reason: "claim passed to another invocation"}
	}
	return nil
}

func (s *Store) releaseClaim(ctx context.Context, lease contractx.Lease) error {
	if lease.Owner == "" {
		return nil
	}
	if _, err := s.backend.DelIfValue(ctx, s.claimKey(lease.SessionID), []byte(lease.Owner)); err != nil {
		return s.unavailable("release claim", err)
	}
	return nil
}

// resumePartialWrite accepts an existing record at seq only when it holds the
// same content, which happens when an earlier Save wrote the record but not
// the head.
func (s *Store) resumePartialWrite(ctx context.Context, sessionID string, seq int64, digest string) error {
	raw, err := s.backend.Get(ctx, s.recordKey(sessionID, seq))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return s.unavailable("read checkpoint", err)
	}
	var existing Checkpoint
	if err == nil && json.Unmarshal(raw, &existing) == nil && existing.Digest == digest {
		return nil
	}
	return &contractx.CheckpointConflictError{
		SessionID: sessionID,
		Reason:    fmt.Sprintf("checkpoint %d written by another invocation", seq),
	}
}

func superseded(sessionID string, headSeq int64) error {
	return &contractx.CheckpointConflictError{
		SessionID: sessionID,
		Reason:    fmt.Sprintf("token superseded by checkpoint %d", headSeq),
	}
}

func (s *Store) readHead(ctx context.Context, sessionID string) (head, error) {
	raw, err := s.backend.Get(ctx, s.headKey(sessionID))
	if err != nil {
		return head{}, err
	}
	var h head
	if err := json.Unmarshal(raw, &h); err != nil {
		return head{}, fmt.Errorf("decode checkpoint head: %w", err)
	}
	return h, nil
}

func (s *Store) recordKey(sessionID string, seq int64) string {
	return s.prefix + "checkpoint:" + sessionID + ":" + strconv.FormatInt(seq, 10)
}

func (s *Store) headKey(sessionID string) string {
	return s.prefix + "checkpoint:" + sessionID + ":head"
}

func (s *Store) claimKey(sessionID string) string {
	return s.prefix + "checkpoint:" + sessionID + ":claim"
}

func (s *Store) unavailable(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("checkpoint backend failure")
	return fmt.Errorf("%w: %s: %v", contractx.ErrCheckpointUnavailable, op, err)
}

func (s *Store) observe(op string, err error) {
	if s.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, contractx.ErrCheckpointConflict):
		outcome = "conflict"
	case errors.Is(err, contractx.ErrCheckpointNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	s.observer.ObserveCheckpoint(op, outcome)
}

// Digest hashes the session content, ignoring the UpdatedAt bookkeeping stamp.
func Digest(sess *statex.Session) (string, error) {
	cp := sess.Clone()
	cp.UpdatedAt = time.Time{}
	raw, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal session for digest: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

var errMalformedToken = errors.New("malformed continuation token")

func EncodeToken(sessionID string, seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID + ":" + strconv.FormatInt(seq, 10)))
}

func DecodeToken(token string) (string, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return "", 0, errMalformedToken
	}
	idx := strings.LastIndexByte(string(raw), ':')
	if idx <= 0 {
		return "", 0, errMalformedToken
	}
	seq, err := strconv.ParseInt(string(raw[idx+1:]), 10, 64)
	if err != nil || seq < 1 {
		return "", 0, errMalformedToken
	}
	return string(raw[:idx]), seq, nil
}
