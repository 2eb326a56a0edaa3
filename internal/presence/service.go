package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/socketcore/internal/ws"
)

const (
	defaultTTL         = 45 * time.Second
	defaultKeyPrefix   = "presence:session:"
	defaultCallTimeout = 2 * time.Second
	scanBatchSize      = 100
)

// Entry describes one live session somewhere in the cluster.
type Entry struct {
	Session  string    `json:"session_id"`
	Instance string    `json:"instance"`
	Remote   string    `json:"remote,omitempty"`
	Since    time.Time `json:"since"`
}

// Service keeps a Redis key with a TTL for every active local session so that
// any instance can list the sessions of the whole cluster. Keys are refreshed
// by a heartbeat and expire on their own if an instance dies.
type Service struct {
	client   *redis.Client
	instance string
	logger   zerolog.Logger

	ttl         time.Duration
	keyPrefix   string
	callTimeout time.Duration

	mu    sync.RWMutex
	local map[string]Entry
}

// NewService constructs a presence service backed by Redis. instance names
// this process in roster entries.
func NewService(client *redis.Client, instance string, logger zerolog.Logger) *Service {
	return &Service{
		client:      client,
		instance:    instance,
		logger:      logger,
		ttl:         defaultTTL,
		keyPrefix:   defaultKeyPrefix,
		callTimeout: defaultCallTimeout,
		local:       make(map[string]Entry),
	}
}

// Start begins the heartbeat that keeps local entries alive.
func (s *Service) Start(ctx context.Context) {
	go s.heartbeatLoop(ctx)
}

// Join records a session that just became active. The Redis write is bounded
// by the service's call timeout.
func (s *Service) Join(ctx context.Context, session *ws.Session) {
	entry := Entry{
		Session:  session.ID(),
		Instance: s.instance,
		Remote:   session.RemoteAddr(),
		Since:    time.Now().UTC(),
	}

	s.mu.Lock()
	s.local[entry.Session] = entry
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if err := s.persist(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("session", entry.Session).Msg("failed to persist presence")
	}
}

// Leave removes a closed session.
func (s *Service) Leave(ctx context.Context, sessionID string) {
	s.mu.Lock()
	delete(s.local, sessionID)
	s.mu.Unlock()

	if s.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	key := s.key(sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
}

// Local returns the number of sessions this instance has announced.
func (s *Service) Local() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.local)
}

// Roster loads every live entry in the cluster, oldest first.
func (s *Service) Roster(ctx context.Context) ([]Entry, error) {
	if s.client == nil {
		return nil, errors.New("nil redis client")
	}

	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", scanBatchSize).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence values: %w", err)
	}

	entries := make([]Entry, 0, len(values))
	for _, raw := range values {
		str, ok := raw.(string)
		if !ok || str == "" {
			continue
		}
		entry, err := decodeEntry([]byte(str))
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence value")
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Since.Before(entries[j].Since) })
	return entries, nil
}

// WrapHooks installs presence tracking into opts, preserving any existing
// callbacks for composition.
func (s *Service) WrapHooks(opts ws.SessionOptions) ws.SessionOptions {
	baseActive := opts.OnActive
	opts.OnActive = func(session *ws.Session) {
		if baseActive != nil {
			baseActive(session)
		}
		s.Join(session.Context(), session)
	}

	baseClose := opts.OnClose
	opts.OnClose = func(session *ws.Session, err error) {
		if baseClose != nil {
			baseClose(session, err)
		}
		s.Leave(context.Background(), session.ID())
	}
	return opts
}

// HTTPHandler serves the cluster roster as JSON.
func (s *Service) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.Roster(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("presence roster failed")
			http.Error(w, "presence lookup failed", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	s.mu.RLock()
	snapshot := make([]Entry, 0, len(s.local))
	for _, entry := range s.local {
		snapshot = append(snapshot, entry)
	}
	s.mu.RUnlock()

	for _, entry := range snapshot {
		if err := s.persist(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("session", entry.Session).Msg("failed to refresh presence")
		}
	}
}

func (s *Service) persist(ctx context.Context, entry Entry) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	payload, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(entry.Session), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence: %w", err)
	}
	return nil
}

func (s *Service) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func encodeEntry(e Entry) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"session_id": e.Session,
		"instance":   e.Instance,
		"remote":     e.Remote,
		"since":      e.Since.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("build presence entry: %w", err)
	}
	data, err := protojson.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal presence entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(data, &st); err != nil {
		return Entry{}, fmt.Errorf("decode presence entry: %w", err)
	}
	fields := st.GetFields()
	entry := Entry{
		Session:  fields["session_id"].GetStringValue(),
		Instance: fields["instance"].GetStringValue(),
		Remote:   fields["remote"].GetStringValue(),
	}
	if entry.Session == "" {
		return Entry{}, errors.New("presence entry missing session id")
	}
	if raw := fields["since"].GetStringValue(); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.Since = ts
		}
	}
	return entry, nil
}
