package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
)

// DegradedStatus reports whether the system is running degraded
type DegradedStatus interface {
	Active(ctx context.Context) bool
}

// Refresher schedules a background refresh for a key. Duplicate
// scheduling is benign.
type Refresher interface {
	ScheduleRefresh(ctx context.Context, key Key, reason string)
}

// StaticSource serves last-resort fallback payloads
type StaticSource interface {
	Lookup(ctx context.Context, key Key) (json.RawMessage, bool)
}

// ReadOptions qualify one cache read
type ReadOptions struct {
	// Critical marks data where serving a possibly-wrong value is worse
	// than serving nothing
	Critical bool
}

// Response is the outcome of a degraded-aware cache read
type Response struct {
	Data               json.RawMessage `json:"data,omitempty"`
	Status             Status          `json:"status"`
	StalenessWarning   string          `json:"staleness_warning,omitempty"`
	FallbackStrategy   Strategy        `json:"fallback_strategy_used,omitempty"`
	Source             string          `json:"source,omitempty"`
	ResponseTime       time.Duration   `json:"response_time"`
	DegradedModeActive bool            `json:"degraded_mode_active"`
}

// Service is the staleness-aware cache that keeps responses servable
// while the external API is unavailable or too expensive to call.
type Service struct {
	store     *store.Client
	publisher events.Publisher
	logger    *logging.Logger
	config    *config.CacheConfig

	degraded  DegradedStatus
	refresher Refresher
	static    StaticSource
}

// NewService creates the cache service
func NewService(client *store.Client, publisher events.Publisher, logger *logging.Logger, cfg *config.CacheConfig) (*Service, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("cache configuration is required")
	}
	if cfg.RefreshThreshold <= 0 || cfg.RefreshThreshold > 1 {
		return nil, errors.NewValidationError("refresh threshold must be in (0, 1]")
	}
	if cfg.MaxStaleServe <= 0 {
		return nil, errors.NewValidationError("max stale serve window must be positive")
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	if publisher == nil {
		publisher = events.NewNoop()
	}

	return &Service{
		store:     client,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
	}, nil
}

// SetDegradedStatus wires the degraded mode probe
func (s *Service) SetDegradedStatus(d DegradedStatus) {
	s.degraded = d
}

// SetRefresher wires the background refresh scheduler
func (s *Service) SetRefresher(r Refresher) {
	s.refresher = r
}

// SetStaticSource wires the last-resort fallback source
func (s *Service) SetStaticSource(src StaticSource) {
	s.static = src
}

// Get reads an entry and degrades deliberately when it is not fresh:
// stale entries are served with a warning, expired and missing ones go
// through the fallback matrix. Store failures read as missing; the
// returned error is reserved for invalid keys.
func (s *Service) Get(ctx context.Context, key Key, opts ReadOptions) (*Response, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	degradedActive := s.degradedActive(ctx)
	resp := &Response{Status: StatusMissing, DegradedModeActive: degradedActive}
	defer func() { resp.ResponseTime = time.Since(start) }()

	payloadRaw, metaRaw, err := s.read(ctx, key)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Cache read failed, treating as missing")
		payloadRaw, metaRaw = "", ""
	}

	var meta Metadata
	var payload json.RawMessage
	if metaRaw != "" && payloadRaw != "" {
		if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Corrupt cache metadata, treating as missing")
		} else if payload, err = s.decode(payloadRaw, meta.Compressed); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("Corrupt cache payload, treating as missing")
			payload = nil
		}
	}

	if payload == nil {
		return s.fallback(ctx, key, resp, StatusMissing, BandCurrent, 0, meta, nil, opts, degradedActive), nil
	}

	now := time.Now().UTC()
	status := StatusOf(meta.CachedAt, meta.ExpiresAt, now, s.config.MaxStaleServe)
	band := BandOf(meta.CachedAt, now, s.config.FreshnessWindow, s.config.MaxStaleServe)
	age := now.Sub(meta.CachedAt)

	if status == StatusFresh {
		resp.Status = StatusFresh
		resp.Data = payload
		resp.Source = meta.Source

		s.publisher.Publish(ctx, events.New(events.TypeCacheHit).
			WithPayload("key", key.String()).
			WithPayload("band", string(band)))

		if s.nearExpiry(meta, now) {
			s.scheduleRefresh(ctx, key, "approaching_expiry")
		}
		return resp, nil
	}

	return s.fallback(ctx, key, resp, status, band, age, meta, payload, opts, degradedActive), nil
}

// Put stores the payload with its metadata sidecar and returns the
// content-version hash. Payloads are retained one full stale-serve
// window past their logical expiry so degraded mode can still serve
// them.
func (s *Service) Put(ctx context.Context, key Key, data interface{}, ttl time.Duration, source string) (string, error) {
	stored, metaJSON, hash, physical, err := s.prepare(key, data, ttl, source)
	if err != nil {
		return "", err
	}

	err = s.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key.String(), stored, physical)
		pipe.Set(ctx, key.MetaKey(), metaJSON, physical)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// PutIfVersion writes only if the stored content-version hash still
// equals expectedVersion, so a slow writer never clobbers a fresher
// entry. An empty expectedVersion means "create only if absent". The
// returned conflict error covers both a hash mismatch and a concurrent
// write racing the check.
func (s *Service) PutIfVersion(ctx context.Context, key Key, data interface{}, ttl time.Duration, source, expectedVersion string) (string, error) {
	stored, metaJSON, hash, physical, err := s.prepare(key, data, ttl, source)
	if err != nil {
		return "", err
	}

	err = s.store.WatchCAS(ctx, func(tx *redis.Tx) error {
		current := ""
		raw, err := tx.Get(ctx, key.MetaKey()).Result()
		switch {
		case err == redis.Nil:
		case err != nil:
			return errors.NewStoreUnavailableError("get", err)
		default:
			var m Metadata
			if jsonErr := json.Unmarshal([]byte(raw), &m); jsonErr == nil {
				current = m.VersionHash
			}
		}

		if current != expectedVersion {
			return errors.NewConflictError(fmt.Sprintf("cache version changed: have %q, expected %q", current, expectedVersion))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key.String(), stored, physical)
			pipe.Set(ctx, key.MetaKey(), metaJSON, physical)
			return nil
		})
		return err
	}, key.MetaKey())
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Invalidate removes the entry, its metadata and its read counter
func (s *Service) Invalidate(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.store.Del(ctx, key.String(), key.MetaKey(), key.HitsKey())
	return err
}

// GetMetadata reads the sidecar metadata without touching the payload
// or the read counter
func (s *Service) GetMetadata(ctx context.Context, key Key) (*Metadata, error) {
	raw, err := s.store.Get(ctx, key.MetaKey())
	if err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, errors.NewInternalError("corrupt cache metadata").WithCause(err)
	}
	return &meta, nil
}

// HitCount returns how many times the key has been read
func (s *Service) HitCount(ctx context.Context, key Key) (int64, error) {
	return s.store.GetInt64(ctx, key.HitsKey())
}

func (s *Service) prepare(key Key, data interface{}, ttl time.Duration, source string) (stored, metaJSON []byte, hash string, physical time.Duration, err error) {
	if err = key.Validate(); err != nil {
		return nil, nil, "", 0, err
	}
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, nil, "", 0, errors.NewInternalError("failed to serialize cache payload").WithCause(err)
	}

	hash, err = VersionHashBytes(payload)
	if err != nil {
		return nil, nil, "", 0, err
	}

	var compressed bool
	stored, compressed = s.encode(payload)

	now := time.Now().UTC()
	meta := Metadata{
		CachedAt:    now,
		ExpiresAt:   now.Add(ttl),
		Source:      source,
		VersionHash: hash,
		Compressed:  compressed,
	}
	metaJSON, err = json.Marshal(meta)
	if err != nil {
		return nil, nil, "", 0, errors.NewInternalError("failed to serialize cache metadata").WithCause(err)
	}

	return stored, metaJSON, hash, ttl + s.config.MaxStaleServe, nil
}

func (s *Service) fallback(ctx context.Context, key Key, resp *Response, status Status, band Band, age time.Duration, meta Metadata, payload json.RawMessage, opts ReadOptions, degradedActive bool) *Response {
	resp.Status = status
	strategy := ChooseFallback(status, degradedActive, opts.Critical)

	if strategy == StrategyServeStale && len(payload) > 0 {
		resp.Data = payload
		resp.Source = meta.Source
		resp.StalenessWarning = Warning(band, age)
		resp.FallbackStrategy = StrategyServeStale

		s.publisher.Publish(ctx, events.New(events.TypeCacheStaleServed).
			WithPayload("key", key.String()).
			WithPayload("band", string(band)).
			WithPayload("age_hours", age.Hours()).
			WithPayload("warning", resp.StalenessWarning))

		if status == StatusStale && !degradedActive {
			s.scheduleRefresh(ctx, key, "stale_served")
		}
		return resp
	}

	if strategy == StrategyQueue {
		s.scheduleRefresh(ctx, key, "unusable_entry")
		resp.FallbackStrategy = StrategyQueue
		s.publishMiss(ctx, key, status, StrategyQueue)
		return resp
	}

	// Static fallback, or serve-stale whose payload is already gone
	if s.static != nil {
		if data, ok := s.static.Lookup(ctx, key); ok {
			resp.Data = data
			resp.Source = "static_fallback"
			resp.FallbackStrategy = StrategyStatic
			s.publishMiss(ctx, key, status, StrategyStatic)
			return resp
		}
	}

	s.publishMiss(ctx, key, status, StrategyNone)
	return resp
}

func (s *Service) publishMiss(ctx context.Context, key Key, status Status, strategy Strategy) {
	s.publisher.Publish(ctx, events.New(events.TypeCacheMiss).
		WithPayload("key", key.String()).
		WithPayload("status", string(status)).
		WithPayload("strategy", string(strategy)))
}

// read fetches payload and metadata in one batch and counts the read in
// the same round trip
func (s *Service) read(ctx context.Context, key Key) (payload, meta string, err error) {
	var mget *redis.SliceCmd
	err = s.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		mget = pipe.MGet(ctx, key.String(), key.MetaKey())
		pipe.Incr(ctx, key.HitsKey())
		pipe.Expire(ctx, key.HitsKey(), s.config.MaxStaleServe)
		return nil
	})
	if err != nil {
		return "", "", err
	}

	vals := mget.Val()
	return asString(vals[0]), asString(vals[1]), nil
}

func (s *Service) decode(raw string, compressed bool) (json.RawMessage, error) {
	if !compressed {
		return json.RawMessage(raw), nil
	}
	out, err := decompress([]byte(raw))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (s *Service) encode(payload []byte) (stored []byte, compressed bool) {
	if s.config.CompressionMinBytes > 0 && len(payload) > s.config.CompressionMinBytes {
		if gz, err := compress(payload); err == nil && len(gz) < len(payload) {
			return gz, true
		}
	}
	return payload, false
}

func (s *Service) degradedActive(ctx context.Context) bool {
	if s.degraded == nil {
		return false
	}
	return s.degraded.Active(ctx)
}

func (s *Service) scheduleRefresh(ctx context.Context, key Key, reason string) {
	if s.refresher == nil {
		return
	}
	s.refresher.ScheduleRefresh(ctx, key, reason)
	s.publisher.Publish(ctx, events.New(events.TypeCacheRefreshScheduled).
		WithPayload("key", key.String()).
		WithPayload("reason", reason))
}

// nearExpiry reports whether the remaining share of the entry's TTL has
// dropped to the refresh point
func (s *Service) nearExpiry(meta Metadata, now time.Time) bool {
	total := meta.ExpiresAt.Sub(meta.CachedAt)
	if total <= 0 {
		return false
	}
	remaining := meta.ExpiresAt.Sub(now)
	return float64(remaining)/float64(total) <= 1-s.config.RefreshThreshold
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
