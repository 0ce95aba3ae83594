package models

// SyncPhase is the closed set of states a sync pass moves through. Each
// phase reports its own 0-100% progress, not a fraction of the whole sync.
type SyncPhase int

const (
	PhaseIdle SyncPhase = iota
	PhaseDraining
	PhaseHashing
	PhaseChecking
	PhaseUploading
	PhaseSyncing
	PhaseDownloading
	PhaseCompleted
	PhaseCancelled
	PhaseFailed
)

var phaseNames = map[SyncPhase]string{
	PhaseIdle:        "idle",
	PhaseDraining:    "draining",
	PhaseHashing:     "hashing",
	PhaseChecking:    "checking",
	PhaseUploading:   "uploading",
	PhaseSyncing:     "syncing",
	PhaseDownloading: "downloading",
	PhaseCompleted:   "completed",
	PhaseCancelled:   "cancelled",
	PhaseFailed:      "failed",
}

func (p SyncPhase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}

	return "unknown"
}

// SyncProgress is a point-in-time progress broadcast. Round and FailedCount
// are only meaningful during the checking phase, where they distinguish
// retry activity from first-pass progress. Not persisted.
type SyncProgress struct {
	Phase       SyncPhase
	Message     string
	Current     int
	Total       int
	Percentage  int
	Round       int
	FailedCount int
}

// Percent computes a 0-100 integer percentage, returning 100 for an empty
// total so zero-work phases render as done rather than stuck.
func Percent(current, total int) int {
	if total <= 0 {
		return 100
	}

	return current * 100 / total
}
