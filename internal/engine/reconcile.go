package engine

import (
	"sort"

	"github.com/examsync/examsync/internal/models"
)

// Plan is the classified outcome of comparing local and remote listings.
// Push and Pull are sorted by record id so a run is reproducible for the
// same inputs.
type Plan struct {
	Push      []models.RecordMetadata
	Pull      []models.RecordMetadata
	Conflicts []models.ConflictInfo
}

// BuildPlan classifies every record visible on either side into push, pull,
// or conflict. It is a pure function of its inputs and never touches the
// store or the network.
//
// A record changed on exactly one side since lastSync goes to that side's
// set. Changed on both sides, the newer timestamp wins; ties stay put.
// Records absent from one side are treated as new on the other.
func BuildPlan(local, remote []models.RecordMetadata, lastSync int64) Plan {
	remoteByID := make(map[string]models.RecordMetadata, len(remote))
	for _, m := range remote {
		remoteByID[m.ID] = m
	}

	localIDs := make(map[string]struct{}, len(local))

	var plan Plan

	for _, loc := range local {
		localIDs[loc.ID] = struct{}{}

		rem, ok := remoteByID[loc.ID]
		if !ok {
			plan.Push = append(plan.Push, loc)
			continue
		}

		if loc.Timestamp == rem.Timestamp {
			continue
		}

		localChanged := loc.Timestamp > lastSync
		remoteChanged := rem.Timestamp > lastSync

		switch {
		case localChanged && remoteChanged:
			c := models.ConflictInfo{
				ID:              loc.ID,
				Name:            loc.Name,
				LocalTimestamp:  loc.Timestamp,
				RemoteTimestamp: rem.Timestamp,
				Resolution:      models.ResolutionLocal,
			}
			if rem.Timestamp > loc.Timestamp {
				c.Resolution = models.ResolutionRemote
				plan.Pull = append(plan.Pull, rem)
			} else {
				plan.Push = append(plan.Push, loc)
			}
			plan.Conflicts = append(plan.Conflicts, c)

		case localChanged:
			plan.Push = append(plan.Push, loc)

		case remoteChanged:
			plan.Pull = append(plan.Pull, rem)

		default:
			// Neither side moved past the watermark but the timestamps
			// differ: a stale watermark after a restored backup. The
			// newer copy wins, same as a conflict.
			if rem.Timestamp > loc.Timestamp {
				plan.Pull = append(plan.Pull, rem)
			} else {
				plan.Push = append(plan.Push, loc)
			}
		}
	}

	for _, rem := range remote {
		if _, ok := localIDs[rem.ID]; !ok {
			plan.Pull = append(plan.Pull, rem)
		}
	}

	sort.Slice(plan.Push, func(i, j int) bool { return plan.Push[i].ID < plan.Push[j].ID })
	sort.Slice(plan.Pull, func(i, j int) bool { return plan.Pull[i].ID < plan.Pull[j].ID })
	sort.Slice(plan.Conflicts, func(i, j int) bool { return plan.Conflicts[i].ID < plan.Conflicts[j].ID })

	return plan
}

// ForcePullPlan selects the remote records whose timestamp differs from the
// local copy, ignoring the sync watermark entirely. Used by force-download:
// remote is taken as the source of truth even when it is older.
func ForcePullPlan(local, remote []models.RecordMetadata) []models.RecordMetadata {
	localByID := make(map[string]models.RecordMetadata, len(local))
	for _, m := range local {
		localByID[m.ID] = m
	}

	var pull []models.RecordMetadata
	for _, rem := range remote {
		loc, ok := localByID[rem.ID]
		if !ok || loc.Timestamp != rem.Timestamp {
			pull = append(pull, rem)
		}
	}

	sort.Slice(pull, func(i, j int) bool { return pull[i].ID < pull[j].ID })

	return pull
}
