package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amira-dev/amira/pkg/emotion"
)

// RedisStore implements Store using Redis. Readings live in a sorted set
// per patient scored by timestamp, which makes window queries a single
// ZRANGEBYSCORE.
type RedisStore struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all timeline keys (default: "amira:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "amira:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient creates a Redis store from an existing client.
// This is useful for testing with miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "amira:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (s *RedisStore) patientKey(patientID string) string {
	return s.prefix + "patient:" + patientID
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *RedisStore) openKey(patientID string) string {
	return s.prefix + "open:" + patientID
}

func (s *RedisStore) entriesKey(sessionID string) string {
	return s.prefix + "entries:" + sessionID
}

func (s *RedisStore) readingsKey(patientID string) string {
	return s.prefix + "readings:" + patientID
}

func (s *RedisStore) closedKey(patientID string) string {
	return s.prefix + "closed:" + patientID
}

func (s *RedisStore) reportKey(patientID string) string {
	return s.prefix + "report:" + patientID
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// SavePatient creates or updates a patient record.
func (s *RedisStore) SavePatient(ctx context.Context, p *Patient) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal patient: %w", err)
	}

	if err := s.client.Set(ctx, s.patientKey(p.ID), data, 0).Err(); err != nil {
		return unavailable("save patient", err)
	}
	return nil
}

// GetPatient retrieves a patient by ID.
func (s *RedisStore) GetPatient(ctx context.Context, patientID string) (*Patient, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.patientKey(patientID)).Bytes()
	if err == redis.Nil {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, unavailable("get patient", err)
	}

	var p Patient
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal patient: %w", err)
	}
	return &p, nil
}

// OpenSession records s as the patient's open session.
func (s *RedisStore) OpenSession(ctx context.Context, sess *Session) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// SETNX enforces the single-open-session invariant at the store too.
	ok, err := s.client.SetNX(ctx, s.openKey(sess.PatientID), sess.ID, 0).Result()
	if err != nil {
		return unavailable("open session", err)
	}
	if !ok {
		return ErrOpenSessionExists
	}

	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, 0).Err(); err != nil {
		return unavailable("save session", err)
	}
	return nil
}

// GetOpenSession retrieves the patient's open session.
func (s *RedisStore) GetOpenSession(ctx context.Context, patientID string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id, err := s.client.Get(ctx, s.openKey(patientID)).Result()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get open session", err)
	}

	return s.getSession(ctx, id)
}

func (s *RedisStore) getSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// CloseSession ends the patient's open session.
func (s *RedisStore) CloseSession(ctx context.Context, patientID string, endedAt time.Time, summary *SessionSummary) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sess, err := s.GetOpenSession(ctx, patientID)
	if err != nil {
		return nil, err
	}

	sess.EndedAt = endedAt
	sess.Summary = summary

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(sess.ID), data, 0)
	pipe.Del(ctx, s.openKey(patientID))
	pipe.ZAdd(ctx, s.closedKey(patientID), redis.Z{
		Score:  float64(endedAt.UnixMilli()),
		Member: sess.ID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("close session", err)
	}
	return sess, nil
}

// AppendEntry appends a message and its reading to the timeline.
// The entry-list push and the reading-index add run in one transaction.
func (s *RedisStore) AppendEntry(ctx context.Context, e *Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if e.Message == nil {
		return fmt.Errorf("entry has no message")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.entriesKey(e.Message.SessionID), data)

	if e.Reading != nil {
		readingData, err := json.Marshal(e.Reading)
		if err != nil {
			return fmt.Errorf("marshal reading: %w", err)
		}
		pipe.ZAdd(ctx, s.readingsKey(e.Message.PatientID), redis.Z{
			Score:  float64(e.Reading.Timestamp.UnixMilli()),
			Member: readingData,
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("append entry", err)
	}
	return nil
}

// SessionEntries retrieves a session's entries in append order.
func (s *RedisStore) SessionEntries(ctx context.Context, sessionID string) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	items, err := s.client.LRange(ctx, s.entriesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("load entries", err)
	}

	entries := make([]*Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ReadingsInWindow retrieves readings with from <= timestamp < to.
func (s *RedisStore) ReadingsInWindow(ctx context.Context, patientID string, from, to time.Time) ([]*emotion.Reading, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	items, err := s.client.ZRangeByScore(ctx, s.readingsKey(patientID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("query readings", err)
	}

	readings := make([]*emotion.Reading, 0, len(items))
	for _, item := range items {
		var r emotion.Reading
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("unmarshal reading: %w", err)
		}
		readings = append(readings, &r)
	}
	return readings, nil
}

// LastClosedSession retrieves the most recently closed session.
func (s *RedisStore) LastClosedSession(ctx context.Context, patientID string) (*Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.ZRevRange(ctx, s.closedKey(patientID), 0, 0).Result()
	if err != nil {
		return nil, unavailable("query closed sessions", err)
	}
	if len(ids) == 0 {
		return nil, ErrSessionNotFound
	}

	return s.getSession(ctx, ids[0])
}

// SaveReport caches the latest serialized report for a patient.
func (s *RedisStore) SaveReport(ctx context.Context, patientID string, generatedAt time.Time, payload []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.reportKey(patientID), payload, 0).Err(); err != nil {
		return unavailable("save report", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
