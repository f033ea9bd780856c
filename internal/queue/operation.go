package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Priority is the tier an operation is scheduled under. Higher tiers
// score higher in every scheduling pass.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

// String returns the priority name
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status represents the lifecycle state of a queued operation
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Operation types known to the scheduler. Anything else is accepted
// and scored with the default importance.
const (
	TypeParallelSearch         = "parallel_search"
	TypeParallelTask           = "parallel_task"
	TypeRegulatoryScan         = "regulatory_scan"
	TypeObligationMapping      = "obligation_mapping"
	TypeIncidentClassification = "incident_classification"
	TypeDigestGeneration       = "digest_generation"
	TypeCustom                 = "custom"
)

// Operation is a deferred call held for replay once governance allows
// execution again.
type Operation struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	Endpoint    string            `json:"endpoint"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	PayloadHash string            `json:"payload_hash,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	MaxRetries  int               `json:"max_retries"`
	RetryCount  int               `json:"retry_count"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Requester   string            `json:"requester,omitempty"`
	QueuedAt    time.Time         `json:"queued_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	ErrorMsg    string            `json:"error_msg,omitempty"`
}

// NewOperation creates an operation with a deterministic id derived
// from type, endpoint, payload hash and enqueue time. Re-submitting
// the same call at the same instant yields the same id, so duplicate
// enqueues collapse into one record.
func NewOperation(opType, endpoint string, payload interface{}) (*Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize operation payload: %w", err)
	}

	hash, err := PayloadHash(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Operation{
		ID:          OperationID(opType, endpoint, hash, now),
		Type:        opType,
		Priority:    PriorityNormal,
		Status:      StatusQueued,
		Endpoint:    endpoint,
		Payload:     raw,
		PayloadHash: hash,
		QueuedAt:    now,
	}, nil
}

// WithPriority sets the scheduling tier
func (o *Operation) WithPriority(p Priority) *Operation {
	o.Priority = p
	return o
}

// WithExpiry sets the time after which the operation must not run
func (o *Operation) WithExpiry(at time.Time) *Operation {
	o.ExpiresAt = &at
	return o
}

// WithTimeout sets the per-execution timeout
func (o *Operation) WithTimeout(timeout time.Duration) *Operation {
	o.Timeout = timeout
	return o
}

// WithRetries sets the retry budget
func (o *Operation) WithRetries(maxRetries int) *Operation {
	o.MaxRetries = maxRetries
	return o
}

// WithDependencies declares operation ids that must complete first
func (o *Operation) WithDependencies(ids ...string) *Operation {
	o.DependsOn = append(o.DependsOn, ids...)
	return o
}

// WithHeaders attaches headers to replay with the call
func (o *Operation) WithHeaders(headers map[string]string) *Operation {
	o.Headers = headers
	return o
}

// WithRequester records who queued the operation
func (o *Operation) WithRequester(requester string) *Operation {
	o.Requester = requester
	return o
}

// Expired reports whether the operation's expiry has passed
func (o *Operation) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

// TooOld reports whether the operation has sat queued longer than maxAge
func (o *Operation) TooOld(now time.Time, maxAge time.Duration) bool {
	return now.Sub(o.QueuedAt) > maxAge
}

// CanRetry reports whether the retry budget allows another attempt
func (o *Operation) CanRetry() bool {
	return o.RetryCount < o.MaxRetries
}

// Terminal reports whether the operation has reached a final state
func (o *Operation) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// ToJSON serializes the operation record
func (o *Operation) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// FromJSON deserializes an operation record
func FromJSON(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// PayloadHash returns a 16-hex-char digest of the payload's canonical
// JSON form. Payloads that differ only in key order hash identically.
func PayloadHash(payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}

	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("payload is not valid JSON: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// OperationID derives the deterministic operation id
func OperationID(opType, endpoint, payloadHash string, queuedAt time.Time) string {
	combined := strings.Join([]string{
		opType,
		endpoint,
		payloadHash,
		queuedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(combined))
	return fmt.Sprintf("%s_%s", opType, hex.EncodeToString(sum[:])[:12])
}
