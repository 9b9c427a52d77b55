package models

import "time"

// HealthState is the per-source structure monitor state.
type HealthState string

const (
	HealthUnknown  HealthState = "unknown"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailing  HealthState = "failing"
)

// Landmark names recorded from runtime signals rather than probes.
const (
	LandmarkParse   = "parse"
	LandmarkResults = "results"
)

// SourceHealth is one structure probe (or runtime signal) outcome for a source.
type SourceHealth struct {
	Source              string          `json:"source"`
	CheckedAt           time.Time       `json:"checked_at"`
	Landmarks           map[string]bool `json:"landmarks"`
	OverallHealth       float64         `json:"overall_health"` // 0..100
	ConsecutiveFailures int             `json:"consecutive_failures"`
	State               HealthState     `json:"state"`
	Message             string          `json:"message,omitempty"`
}

// ComputeHealth returns passed/total*100, or 0 for an empty landmark set.
func ComputeHealth(landmarks map[string]bool) float64 {
	if len(landmarks) == 0 {
		return 0
	}
	passed := 0
	for _, ok := range landmarks {
		if ok {
			passed++
		}
	}
	return float64(passed*100) / float64(len(landmarks))
}

// FailedLandmarks lists the landmark names that did not pass.
func (h *SourceHealth) FailedLandmarks() []string {
	var out []string
	for name, ok := range h.Landmarks {
		if !ok {
			out = append(out, name)
		}
	}
	return out
}
