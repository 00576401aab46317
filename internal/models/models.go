package models

import "strings"

// Job is one scheduled installation/rehang visit. Field names follow the
// wire format the web client persisted, so payloads round-trip unchanged.
type Job struct {
	ID            int64          `json:"id"`
	Date          string         `json:"date"` // ISO date, non-empty after normalization
	Crew          string         `json:"crew"`
	Client        string         `json:"client"`
	Scope         string         `json:"scope"`
	Notes         string         `json:"notes,omitempty"`
	Address       string         `json:"address,omitempty"`
	Neighborhood  string         `json:"neighborhood,omitempty"`
	Zip           string         `json:"zip,omitempty"`
	HouseTier     *int64         `json:"houseTier,omitempty"`
	RehangPrice   *float64       `json:"rehangPrice,omitempty"`
	LifetimeSpend *float64       `json:"lifetimeSpend,omitempty"`
	VIP           bool           `json:"vip"`
	BothCrews     bool           `json:"bothCrews"`
	Materials     map[string]any `json:"materials,omitempty"`
	UpdatedAt     int64          `json:"updatedAt"` // epoch millis
}

// Normalize trims string fields and recomputes derived flags. Materials are
// deliberately left untouched. Returns true when anything changed.
func (j *Job) Normalize() bool {
	changed := false
	for _, f := range []*string{&j.Date, &j.Crew, &j.Client, &j.Scope, &j.Notes, &j.Address, &j.Neighborhood, &j.Zip} {
		trimmed := strings.TrimSpace(*f)
		if trimmed != *f {
			*f = trimmed
			changed = true
		}
	}
	if both := j.Crew == CrewBoth; both != j.BothCrews {
		j.BothCrews = both
		changed = true
	}
	return changed
}

// Policy is the org-wide scheduling policy, stored as the singleton key "org".
type Policy struct {
	CutoffDate     string         `json:"cutoffDate,omitempty"`
	BlockedClients []string       `json:"blockedClients,omitempty"`
	MaxJobsPerDay  int            `json:"maxJobsPerDay,omitempty"`
	Season         map[string]any `json:"season,omitempty"`
	Leaderboard    map[string]any `json:"leaderboard,omitempty"`
	Awards         map[string]any `json:"awards,omitempty"`
	UpdatedAt      int64          `json:"updatedAt,omitempty"`
}

type User struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// Snapshot is the in-memory projection handed to the application at startup.
// It is never persisted as a unit; it is assembled from the store or from a
// caller-supplied fallback.
type Snapshot struct {
	Jobs       []Job  `json:"jobs"`
	Policy     Policy `json:"policy"`
	ActiveDate string `json:"activeDate"`
	User       *User  `json:"user"`
}
