package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Morse2580/Mimir-sub001/internal/cache"
	"github.com/Morse2580/Mimir-sub001/internal/governor"
	"github.com/Morse2580/Mimir-sub001/internal/queue"
	"github.com/Morse2580/Mimir-sub001/pkg/config"
	"github.com/Morse2580/Mimir-sub001/pkg/errors"
	"github.com/Morse2580/Mimir-sub001/pkg/logging"
	"github.com/Morse2580/Mimir-sub001/pkg/tracing"
)

// Reserved operation headers carry governance context through the
// queue. The executor consumes them; they are never sent upstream.
// Operations without tenant and call type headers replay unmetered.
const (
	headerService  = "x-governor-service"
	headerTenant   = "x-governor-tenant"
	headerCallType = "x-governor-call-type"
)

// originService names the circuit that cache refresh fetches run under
const originService = "cache-origin"

// maxReplayResponseBytes bounds how much of an upstream response body
// is kept as the operation result
const maxReplayResponseBytes = 1 << 20

// replayTypes are the operation types replayed as HTTP calls to their
// recorded endpoint
var replayTypes = map[string]bool{
	queue.TypeParallelSearch:         true,
	queue.TypeParallelTask:           true,
	queue.TypeRegulatoryScan:         true,
	queue.TypeObligationMapping:      true,
	queue.TypeIncidentClassification: true,
	queue.TypeDigestGeneration:       true,
	queue.TypeCustom:                 true,
}

// replayExecutor replays queued operations through the governance
// facade: API operations POST to their recorded endpoint, cache
// refreshes re-fetch from the configured origin. Every replay passes
// through GuardedCall, so classification, admission and the circuit
// apply to deferred work exactly as they do to live calls.
type replayExecutor struct {
	gov    *governor.Governor
	cache  *cache.Service
	logger *logging.Logger
	client *http.Client
	origin string
	ttl    time.Duration
}

func newReplayExecutor(gov *governor.Governor, cch *cache.Service, logger *logging.Logger, cfg *config.Config, ts *tracing.TracingService) *replayExecutor {
	return &replayExecutor{
		gov:    gov,
		cache:  cch,
		logger: logger,
		client: ts.InstrumentHTTPClient(&http.Client{Timeout: cfg.Queue.OperationTimeout}),
		origin: strings.TrimRight(cfg.Cache.OriginURL, "/"),
		ttl:    cfg.Cache.DefaultTTL,
	}
}

// CanExecute reports which operation types this executor replays.
// Cache refreshes need a configured origin; without one they fail
// terminally and land in the dead letter set.
func (e *replayExecutor) CanExecute(opType string) bool {
	if opType == governor.OpTypeCacheRefresh {
		return e.origin != ""
	}
	return replayTypes[opType]
}

// Execute runs one queued operation
func (e *replayExecutor) Execute(ctx context.Context, op *queue.Operation) (json.RawMessage, error) {
	if op.Type == governor.OpTypeCacheRefresh {
		return e.refresh(ctx, op)
	}
	return e.replay(ctx, op)
}

// replay POSTs the recorded payload to the operation's endpoint under
// full governance. The circuit is named by the service header, falling
// back to the endpoint host.
func (e *replayExecutor) replay(ctx context.Context, op *queue.Operation) (json.RawMessage, error) {
	service := op.Headers[headerService]
	if service == "" {
		u, err := url.Parse(op.Endpoint)
		if err != nil || u.Host == "" {
			return nil, errors.NewValidationError(fmt.Sprintf(
				"operation %s has no service header and endpoint %q names no host", op.ID, op.Endpoint))
		}
		service = u.Host
	}

	req := governor.CallRequest{
		Service:  service,
		Tenant:   op.Headers[headerTenant],
		CallType: op.Headers[headerCallType],
		Payload:  op.Payload,
	}

	var result json.RawMessage
	err := e.gov.GuardedCall(ctx, req, func(ctx context.Context) error {
		body, err := e.post(ctx, op)
		if err != nil {
			return err
		}
		result = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *replayExecutor) post(ctx context.Context, op *queue.Operation) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, op.Endpoint, bytes.NewReader(op.Payload))
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("operation %s endpoint is invalid", op.ID)).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range op.Headers {
		if reservedHeader(name) {
			continue
		}
		httpReq.Header.Set(name, value)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, errors.NewExternalError(op.Type, "upstream call failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplayResponseBytes))
	if err != nil {
		return nil, errors.NewExternalError(op.Type, "reading upstream response failed").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, errors.NewExternalError(op.Type, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
	}

	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body), nil
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return nil, errors.NewInternalError("upstream response is not representable").WithCause(err)
	}
	return json.RawMessage(wrapped), nil
}

// refresh re-fetches one cache key from the origin and stores the new
// payload under the same key
func (e *replayExecutor) refresh(ctx context.Context, op *queue.Operation) (json.RawMessage, error) {
	var spec struct {
		Namespace  string `json:"namespace"`
		Identifier string `json:"identifier"`
		Version    string `json:"version"`
		Reason     string `json:"reason"`
	}
	if err := json.Unmarshal(op.Payload, &spec); err != nil {
		return nil, errors.NewValidationError("cache refresh payload is malformed").WithCause(err)
	}
	if spec.Namespace == "" || spec.Identifier == "" {
		return nil, errors.NewValidationError("cache refresh payload names no key")
	}

	key := cache.Key{Namespace: spec.Namespace, Identifier: spec.Identifier, Version: spec.Version}
	refreshURL := fmt.Sprintf("%s/%s/%s", e.origin,
		url.PathEscape(spec.Namespace), url.PathEscape(spec.Identifier))

	var payload json.RawMessage
	err := e.gov.GuardedCall(ctx, governor.CallRequest{Service: originService}, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, refreshURL, nil)
		if err != nil {
			return errors.NewInternalError("building refresh request failed").WithCause(err)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return errors.NewExternalError(originService, "origin fetch failed").WithCause(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplayResponseBytes))
		if err != nil {
			return errors.NewExternalError(originService, "reading origin response failed").WithCause(err)
		}
		if resp.StatusCode >= 400 {
			return errors.NewExternalError(originService, fmt.Sprintf("origin returned status %d", resp.StatusCode))
		}
		if !json.Valid(body) {
			return errors.NewExternalError(originService, "origin returned non-JSON payload")
		}

		payload = body
		return nil
	})
	if err != nil {
		return nil, err
	}

	version, err := e.cache.Put(ctx, key, payload, e.ttl, "origin_refresh")
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Cache key refreshed", "key", key.String(), "reason", spec.Reason)

	result, err := json.Marshal(map[string]string{
		"key":     key.String(),
		"version": version,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(result), nil
}

func reservedHeader(name string) bool {
	switch strings.ToLower(name) {
	case headerService, headerTenant, headerCallType:
		return true
	}
	return false
}
