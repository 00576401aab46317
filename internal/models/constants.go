package models

const (
	// CrewBoth is the crew value that marks a job as needing both crews.
	CrewBoth = "Both Crews"

	// PolicyKey is the singleton primary key of the policy record.
	PolicyKey = "org"
)

// State cell keys.
const (
	StateActiveDate  = "activeDate"
	StateCurrentUser = "currentUser"
)

// Store table names. PendingOp.Table is validated against this set.
const (
	TableJobs   = "jobs"
	TablePolicy = "policy"
	TableState  = "state"
)

// House tier domain. An out-of-range tier is clamped to HouseTierClamped,
// a policy constant carried over from the previous client, not the nearest
// boundary.
const (
	HouseTierMin     = 1
	HouseTierMax     = 5
	HouseTierClamped = 5
)

// ClampHouseTier forces a tier into the valid domain.
func ClampHouseTier(tier int64) int64 {
	if tier < HouseTierMin || tier > HouseTierMax {
		return HouseTierClamped
	}
	return tier
}
