package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

// RedisSessionStore keeps sessions as JSON with a sliding TTL. Saves are
// compare-and-set on Version inside a WATCH transaction so instances
// sharing Redis cannot overwrite each other's turns.
type RedisSessionStore struct {
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisSessionStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisSessionStore{
		redis:  client,
		ttl:    ttl,
		tracer: otel.Tracer("flightdesk.internal.conversation.session"),
		logger: logger.Component("session_store"),
	}
}

func sessionKey(phone string) string {
	return fmt.Sprintf("session:%s", phone)
}

func (s *RedisSessionStore) Load(ctx context.Context, phone string) (Session, bool, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.load_session")
	defer span.End()

	phone = messaging.NormalizeE164(phone)
	data, err := s.redis.Get(ctx, sessionKey(phone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSession(phone), false, nil
	}
	if err != nil {
		span.RecordError(err)
		return Session{}, false, fmt.Errorf("conversation: failed to load session: %w", err)
	}
	sess, err := s.decode(phone, data)
	if err != nil {
		span.RecordError(err)
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *RedisSessionStore) decode(phone string, data []byte) (Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, fmt.Errorf("conversation: failed to decode session: %w", err)
	}
	if err := sess.validate(); err != nil {
		s.logger.Warn("stored session had an invalid state; reset to new", "phone", phone, "error", err)
	}
	return sess, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, sess Session) (Session, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.save_session")
	defer span.End()

	sess.CustomerPhone = messaging.NormalizeE164(sess.CustomerPhone)
	key := sessionKey(sess.CustomerPhone)
	expected := sess.Version
	sess.Version++
	data, err := json.Marshal(sess)
	if err != nil {
		span.RecordError(err)
		return Session{}, fmt.Errorf("conversation: failed to marshal session: %w", err)
	}

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != 0 {
				return ErrSessionConflict
			}
		case err != nil:
			return err
		default:
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(current, &stored); err != nil {
				return fmt.Errorf("conversation: failed to decode stored session: %w", err)
			}
			if stored.Version != expected {
				return ErrSessionConflict
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrSessionConflict
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrSessionConflict) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("conversation: failed to persist session: %w", err)
	}
	return sess, nil
}
