package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Morse2580/Mimir-sub001/internal/breaker"
	"github.com/Morse2580/Mimir-sub001/internal/budget"
	"github.com/Morse2580/Mimir-sub001/internal/cache"
	"github.com/Morse2580/Mimir-sub001/internal/degraded"
	"github.com/Morse2580/Mimir-sub001/internal/governor"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/internal/store"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/events"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/tracing"
)

type harness struct {
	cfg      *config.Config
	store    *store.Client
	logger   *logging.Logger
	ts       *tracing.TracingService
	exec     *replayExecutor
	gov      *governor.Governor
	cache    *cache.Service
	breaker  *breaker.Breaker
	queue    *queue.Queue
	degraded *degraded.Manager
	mr       *miniredis.Miniredis
}

func setupExecutor(t *testing.T, originURL string) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := store.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	logger, err := logging.NewLogger(&logging.Config{
		Level:       "error",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "executor-test",
		Version:     "test",
	})
	require.NoError(t, err)

	recorder := events.NewRecorder()

	cfg := &config.Config{
		Budget: config.BudgetConfig{
			MonthlyCap:          "1500.00",
			KillSwitchThreshold: 95.0,
			SpendTTL:            32 * 24 * time.Hour,
			KillSwitchTTL:       24 * time.Hour,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			RecoveryTimeout:  30 * time.Second,
			KeyPrefix:        "circuit_breaker",
		},
		Cache: config.CacheConfig{
			DefaultTTL:       time.Hour,
			FreshnessWindow:  6 * time.Hour,
			MaxStaleServe:    24 * time.Hour,
			RefreshThreshold: 0.8,
			OriginURL:        originURL,
		},
		Queue: config.QueueConfig{
			MaxAge:            24 * time.Hour,
			BatchSize:         10,
			DefaultMaxRetries: 3,
			BaseRetryDelay:    time.Second,
			MaxRetryDelay:     time.Minute,
			RecordTTL:         48 * time.Hour,
			OperationTimeout:  5 * time.Second,
		},
		Logging: config.LoggingConfig{Level: "error", Format: "json", Output: "stdout"},
	}

	bud, err := budget.NewGovernor(client, recorder, logger, &cfg.Budget)
	require.NoError(t, err)
	brk, err := breaker.New(client, recorder, logger, &cfg.Breaker)
	require.NoError(t, err)
	cch, err := cache.NewService(client, recorder, logger, &cfg.Cache)
	require.NoError(t, err)
	q, err := queue.New(client, recorder, logger, &cfg.Queue)
	require.NoError(t, err)
	deg := degraded.New(client, recorder, logger)

	gov := governor.New(bud, brk, cch, q, deg, logger)

	ts, err := tracing.NewTracingService(&tracing.Config{Enabled: false})
	require.NoError(t, err)

	return &harness{
		cfg:      cfg,
		store:    client,
		logger:   logger,
		ts:       ts,
		exec:     newReplayExecutor(gov, cch, logger, cfg, ts),
		gov:      gov,
		cache:    cch,
		breaker:  brk,
		queue:    q,
		degraded: deg,
		mr:       mr,
	}
}

func TestReplayExecutor_CanExecute(t *testing.T) {
	h := setupExecutor(t, "")

	for _, opType := range []string{
		queue.TypeParallelSearch,
		queue.TypeParallelTask,
		queue.TypeRegulatoryScan,
		queue.TypeObligationMapping,
		queue.TypeIncidentClassification,
		queue.TypeDigestGeneration,
		queue.TypeCustom,
	} {
		assert.True(t, h.exec.CanExecute(opType), opType)
	}
	assert.False(t, h.exec.CanExecute("batch_import"))

	// Refresh needs an origin to fetch from
	assert.False(t, h.exec.CanExecute(governor.OpTypeCacheRefresh))
	withOrigin := setupExecutor(t, "http://origin.example.com")
	assert.True(t, withOrigin.exec.CanExecute(governor.OpTypeCacheRefresh))
}

func TestReplayExecutor_ReplaysThroughUpstream(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	var gotHeader http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"results":[{"id":"r-1"}]}`)
	}))
	defer upstream.Close()

	h := setupExecutor(t, "")
	ctx := context.Background()

	op, err := queue.NewOperation(queue.TypeParallelSearch, upstream.URL+"/v1/search",
		map[string]string{"query": "DORA incident thresholds"})
	require.NoError(t, err)
	op.WithHeaders(map[string]string{
		headerService:      "parallel-api",
		"x-request-source": "replay-test",
	})

	result, err := h.exec.Execute(ctx, op)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"query":"DORA incident thresholds"}`, string(gotBody))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "replay-test", gotHeader.Get("x-request-source"))
	assert.Empty(t, gotHeader.Get(headerService), "reserved headers must not reach upstream")
	assert.JSONEq(t, `{"results":[{"id":"r-1"}]}`, string(result))
}

func TestReplayExecutor_MeteredReplayRecordsSpend(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	h := setupExecutor(t, "")
	ctx := context.Background()

	op, err := queue.NewOperation(queue.TypeParallelSearch, upstream.URL, map[string]string{"query": "x"})
	require.NoError(t, err)
	op.WithHeaders(map[string]string{
		headerService:  "parallel-api",
		headerTenant:   "tenant-a",
		headerCallType: "search:base",
	})

	_, err = h.exec.Execute(ctx, op)
	require.NoError(t, err)

	key := fmt.Sprintf("cost:spend:tenant-a:%s", time.Now().UTC().Format("2006-01"))
	stored, err := h.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", stored)
}

func TestReplayExecutor_FailuresOpenCircuitAndEnterDegraded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := setupExecutor(t, "")
	ctx := context.Background()

	newOp := func() *queue.Operation {
		op, err := queue.NewOperation(queue.TypeParallelTask, upstream.URL, map[string]string{"n": "1"})
		require.NoError(t, err)
		return op.WithHeaders(map[string]string{headerService: "parallel-api"})
	}

	for i := 0; i < 3; i++ {
		_, err := h.exec.Execute(ctx, newOp())
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeExternal), "attempt %d: %v", i, err)
	}

	_, err := h.exec.Execute(ctx, newOp())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
	assert.True(t, h.degraded.Active(ctx))
}

func TestReplayExecutor_ServiceFallsBackToEndpointHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	h := setupExecutor(t, "")
	ctx := context.Background()

	op, err := queue.NewOperation(queue.TypeCustom, upstream.URL+"/hook", map[string]string{"a": "b"})
	require.NoError(t, err)

	_, err = h.exec.Execute(ctx, op)
	require.NoError(t, err)

	u, err := url.Parse(upstream.URL)
	require.NoError(t, err)
	snap := h.breaker.Status(ctx, u.Host)
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Equal(t, int64(1), snap.TotalRequests)
}

func TestReplayExecutor_NoServiceAndUnparseableEndpoint(t *testing.T) {
	h := setupExecutor(t, "")

	op, err := queue.NewOperation(queue.TypeCustom, "not-a-url", map[string]string{"a": "b"})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestReplayExecutor_RefreshFetchesOriginIntoCache(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/regulatory/nbb-feed", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":["circular-2026-04"]}`)
	}))
	defer origin.Close()

	h := setupExecutor(t, origin.URL)
	ctx := context.Background()

	op, err := queue.NewOperation(governor.OpTypeCacheRefresh, "cache:regulatory:nbb-feed:v1",
		map[string]string{
			"namespace":  "regulatory",
			"identifier": "nbb-feed",
			"version":    "",
			"reason":     "near_expiry",
		})
	require.NoError(t, err)

	result, err := h.exec.Execute(ctx, op)
	require.NoError(t, err)

	var res map[string]string
	require.NoError(t, json.Unmarshal(result, &res))
	assert.NotEmpty(t, res["version"])

	resp, err := h.cache.Get(ctx, cache.NewKey("regulatory", "nbb-feed"), cache.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, cache.StatusFresh, resp.Status)
	assert.JSONEq(t, `{"items":["circular-2026-04"]}`, string(resp.Data))
}

func TestReplayExecutor_RefreshRejectsIncompleteSpec(t *testing.T) {
	h := setupExecutor(t, "http://origin.example.com")

	op, err := queue.NewOperation(governor.OpTypeCacheRefresh, "cache:regulatory:feed:v1",
		map[string]string{"identifier": "feed"})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestReplayExecutor_RefreshOriginFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "origin unavailable", http.StatusBadGateway)
	}))
	defer origin.Close()

	h := setupExecutor(t, origin.URL)

	op, err := queue.NewOperation(governor.OpTypeCacheRefresh, "cache:regulatory:feed:v1",
		map[string]string{"namespace": "regulatory", "identifier": "feed"})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), op)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
}
