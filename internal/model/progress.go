package model

import "time"

// PhaseProgress is the completion percentage for one (project, phase) pair.
type PhaseProgress struct {
	ProjectID string    `json:"project_id"`
	PhaseID   string    `json:"phase_id"`
	Percent   int       `json:"percent"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClampPercent bounds pct to [0, 100].
func ClampPercent(pct int) int {
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
