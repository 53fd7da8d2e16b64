package session

import (
	"context"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vk/buildgrid/internal/budget"
	"github.com/vk/buildgrid/internal/ctxlog"
)

// statusArtifactName is the machine-readable document external monitors
// consume. It is rewritten atomically at every phase transition.
const statusArtifactName = "status.yaml"

// statusDoc is the YAML shape of the session status artifact.
type statusDoc struct {
	SessionID    string                       `yaml:"session_id"`
	CurrentPhase string                       `yaml:"current_phase"`
	Iteration    int                          `yaml:"iteration"`
	Status       string                       `yaml:"status"`
	Budget       map[string]budget.PhaseUsage `yaml:"budget"`
	PeakUtil     float64                      `yaml:"peak_utilization"`
	AverageUtil  float64                      `yaml:"average_utilization"`
	UpdatedAt    time.Time                    `yaml:"updated_at"`
}

// writeStatus persists the status artifact. Failures are logged, never
// propagated: monitoring must not be able to fail an orchestration.
func (s *Session) writeStatus(ctx context.Context, status string) {
	peak, avg := s.budget.Utilization()
	doc := statusDoc{
		SessionID:    s.id,
		CurrentPhase: s.machine.Current().String(),
		Iteration:    s.iteration,
		Status:       status,
		Budget:       s.budget.Snapshot(),
		PeakUtil:     peak,
		AverageUtil:  avg,
		UpdatedAt:    time.Now().UTC(),
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to encode status artifact.", "error", err)
		return
	}
	if _, err := s.artifacts.Write(ctx, statusArtifactName, data); err != nil {
		ctxlog.FromContext(ctx).Error("Failed to write status artifact.", "error", err)
	}
}
