package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examsync/examsync/internal/models"
)

func meta(id string, ts int64) models.RecordMetadata {
	return models.RecordMetadata{ID: id, Name: "exam-" + id, Timestamp: ts}
}

func planIDs(metas []models.RecordMetadata) []string {
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.ID)
	}

	return ids
}

func TestBuildPlan_Classification(t *testing.T) {
	const lastSync = 200

	tests := []struct {
		name          string
		local         []models.RecordMetadata
		remote        []models.RecordMetadata
		wantPush      []string
		wantPull      []string
		wantConflicts int
	}{
		{
			name:     "local only record is pushed",
			local:    []models.RecordMetadata{meta("a", 250)},
			wantPush: []string{"a"},
		},
		{
			name:     "remote only record is pulled",
			remote:   []models.RecordMetadata{meta("a", 250)},
			wantPull: []string{"a"},
		},
		{
			name:     "local changed since watermark is pushed",
			local:    []models.RecordMetadata{meta("a", 250)},
			remote:   []models.RecordMetadata{meta("a", 150)},
			wantPush: []string{"a"},
		},
		{
			name:     "remote changed since watermark is pulled",
			local:    []models.RecordMetadata{meta("a", 150)},
			remote:   []models.RecordMetadata{meta("a", 250)},
			wantPull: []string{"a"},
		},
		{
			name:   "equal timestamps are left alone",
			local:  []models.RecordMetadata{meta("a", 250)},
			remote: []models.RecordMetadata{meta("a", 250)},
		},
		{
			name:          "both changed and local newer wins",
			local:         []models.RecordMetadata{meta("a", 300)},
			remote:        []models.RecordMetadata{meta("a", 280)},
			wantPush:      []string{"a"},
			wantConflicts: 1,
		},
		{
			name:          "both changed and remote newer wins",
			local:         []models.RecordMetadata{meta("a", 280)},
			remote:        []models.RecordMetadata{meta("a", 300)},
			wantPull:      []string{"a"},
			wantConflicts: 1,
		},
		{
			name:     "mixed listing splits per record",
			local:    []models.RecordMetadata{meta("a", 250), meta("b", 100), meta("c", 100)},
			remote:   []models.RecordMetadata{meta("a", 100), meta("b", 250), meta("c", 100), meta("d", 250)},
			wantPush: []string{"a"},
			wantPull: []string{"b", "d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := BuildPlan(tt.local, tt.remote, lastSync)

			assert.Equal(t, tt.wantPush, orNil(planIDs(plan.Push)))
			assert.Equal(t, tt.wantPull, orNil(planIDs(plan.Pull)))
			assert.Len(t, plan.Conflicts, tt.wantConflicts)
		})
	}
}

func TestBuildPlan_ConflictRecordsBothTimestamps(t *testing.T) {
	plan := BuildPlan(
		[]models.RecordMetadata{meta("a", 300)},
		[]models.RecordMetadata{meta("a", 280)},
		250,
	)

	require.Len(t, plan.Conflicts, 1)

	c := plan.Conflicts[0]
	assert.Equal(t, "a", c.ID)
	assert.Equal(t, int64(300), c.LocalTimestamp)
	assert.Equal(t, int64(280), c.RemoteTimestamp)
	assert.Equal(t, models.ResolutionLocal, c.Resolution)
}

func TestBuildPlan_StaleWatermarkFallsBackToNewerSide(t *testing.T) {
	// Neither side moved past the watermark yet the copies differ; the
	// newer copy wins.
	plan := BuildPlan(
		[]models.RecordMetadata{meta("a", 100)},
		[]models.RecordMetadata{meta("a", 150)},
		500,
	)

	assert.Empty(t, plan.Push)
	assert.Equal(t, []string{"a"}, planIDs(plan.Pull))
}

func TestBuildPlan_IsPure(t *testing.T) {
	local := []models.RecordMetadata{meta("b", 300), meta("a", 300)}
	remote := []models.RecordMetadata{meta("c", 300)}

	first := BuildPlan(local, remote, 200)
	second := BuildPlan(local, remote, 200)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a", "b"}, planIDs(first.Push), "push set is sorted")
}

func TestForcePullPlan_IgnoresWatermark(t *testing.T) {
	local := []models.RecordMetadata{
		meta("older-remote", 500),
		meta("newer-remote", 50),
		meta("same", 300),
	}
	remote := []models.RecordMetadata{
		meta("older-remote", 100),
		meta("newer-remote", 400),
		meta("same", 300),
		meta("remote-only", 10),
	}

	pull := ForcePullPlan(local, remote)

	// Remote wins whenever the timestamps differ, even when it is older.
	assert.Equal(t, []string{"newer-remote", "older-remote", "remote-only"}, planIDs(pull))
}

func orNil(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	return ids
}
