package recovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status tracks a plan or step through execution
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Plan types select the step template. The primary API gets the
// cautious template with staged traffic transition; everything else
// gets the standard three-step restore.
const (
	PlanPrimaryAPI = "primary_api"
	PlanStandard   = "standard"
)

// Step is one unit of recovery work. DependsOn gates execution on the
// listed step ids completing first.
type Step struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Status      Status        `json:"status"`
	DependsOn   []string      `json:"depends_on,omitempty"`
	Estimated   time.Duration `json:"estimated"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Plan is the full sequence restoring one service to normal operation
type Plan struct {
	ID          string        `json:"id"`
	Service     string        `json:"service"`
	Type        string        `json:"type"`
	Status      Status        `json:"status"`
	Steps       []*Step       `json:"steps"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Estimated   time.Duration `json:"estimated"`
	Automatic   bool          `json:"automatic"`
}

// NewPlan builds the templated plan for a service. Unknown plan types
// fall back to the standard template.
func NewPlan(service, planType string, now time.Time) *Plan {
	if planType != PlanPrimaryAPI {
		planType = PlanStandard
	}

	var steps []*Step
	switch planType {
	case PlanPrimaryAPI:
		steps = []*Step{
			{
				ID:          "verify_health",
				Name:        "Verify API Health",
				Description: "Confirm the upstream API answers health checks",
				Status:      StatusNotStarted,
				Estimated:   30 * time.Second,
			},
			{
				ID:          "test_requests",
				Name:        "Send Test Requests",
				Description: "Send low-cost test requests to verify real responses",
				Status:      StatusNotStarted,
				DependsOn:   []string{"verify_health"},
				Estimated:   60 * time.Second,
			},
			{
				ID:          "gradual_transition",
				Name:        "Gradual Traffic Transition",
				Description: "Shift traffic back from fallbacks in stages",
				Status:      StatusNotStarted,
				DependsOn:   []string{"test_requests"},
				Estimated:   180 * time.Second,
			},
			{
				ID:          "deactivate_fallbacks",
				Name:        "Deactivate Fallbacks",
				Description: "Exit degraded mode and stop fallback serving",
				Status:      StatusNotStarted,
				DependsOn:   []string{"gradual_transition"},
				Estimated:   30 * time.Second,
			},
		}
	default:
		steps = []*Step{
			{
				ID:          "health_verification",
				Name:        "Health Verification",
				Description: "Verify service health",
				Status:      StatusNotStarted,
				Estimated:   60 * time.Second,
			},
			{
				ID:          "restore_traffic",
				Name:        "Restore Traffic",
				Description: "Restore normal traffic routing",
				Status:      StatusNotStarted,
				DependsOn:   []string{"health_verification"},
				Estimated:   120 * time.Second,
			},
			{
				ID:          "cleanup",
				Name:        "Cleanup",
				Description: "Clean up recovery resources",
				Status:      StatusNotStarted,
				DependsOn:   []string{"restore_traffic"},
				Estimated:   60 * time.Second,
			},
		}
	}

	var total time.Duration
	for _, s := range steps {
		total += s.Estimated
	}

	return &Plan{
		ID:        planID(service, planType, now),
		Service:   service,
		Type:      planType,
		Status:    StatusNotStarted,
		Steps:     steps,
		CreatedAt: now.UTC(),
		Estimated: total,
		Automatic: true,
	}
}

func planID(service, planType string, now time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%s_%s", service, planType, now.UTC().Format("20060102_150405"))))
	return fmt.Sprintf("recovery_%s_%s", service, hex.EncodeToString(sum[:])[:8])
}

// Ready reports whether the step may run: not yet started and every
// dependency completed.
func (s *Step) Ready(completed map[string]bool) bool {
	if s.Status != StatusNotStarted {
		return false
	}
	for _, dep := range s.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// CompletedSteps collects the ids of completed steps
func (p *Plan) CompletedSteps() map[string]bool {
	done := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status == StatusCompleted {
			done[s.ID] = true
		}
	}
	return done
}

// NextSteps lists the steps currently eligible to run
func (p *Plan) NextSteps() []*Step {
	completed := p.CompletedSteps()
	var ready []*Step
	for _, s := range p.Steps {
		if s.Ready(completed) {
			ready = append(ready, s)
		}
	}
	return ready
}

// Step returns the step with the given id, or nil
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ToJSON serializes the plan for storage
func (p *Plan) ToJSON() ([]byte, error) {
	return json.Marshal(p)
}

// PlanFromJSON deserializes a stored plan
func PlanFromJSON(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Clone returns an independent copy, safe to hand out while the
// original keeps mutating under execution.
func (p *Plan) Clone() *Plan {
	clone := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		clone.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		clone.CompletedAt = &t
	}

	clone.Steps = make([]*Step, len(p.Steps))
	for i, s := range p.Steps {
		step := *s
		if s.StartedAt != nil {
			t := *s.StartedAt
			step.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			step.CompletedAt = &t
		}
		if len(s.DependsOn) > 0 {
			step.DependsOn = append([]string(nil), s.DependsOn...)
		}
		clone.Steps[i] = &step
	}
	return &clone
}

// Recompute derives the plan status from its steps. One failed step
// fails the plan; completed steps stay completed either way. The
// completion timestamp is set once.
func (p *Plan) Recompute(now time.Time) {
	var completed, failed, inProgress int
	for _, s := range p.Steps {
		switch s.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusInProgress:
			inProgress++
		}
	}

	switch {
	case failed > 0:
		p.Status = StatusFailed
	case len(p.Steps) > 0 && completed == len(p.Steps):
		p.Status = StatusCompleted
		if p.CompletedAt == nil {
			t := now.UTC()
			p.CompletedAt = &t
		}
	case inProgress > 0 || completed > 0:
		p.Status = StatusInProgress
	}
}
