package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/examsync/examsync/internal/config"
	errs "github.com/examsync/examsync/internal/errors"
	"github.com/examsync/examsync/internal/models"
	"github.com/examsync/examsync/internal/remote"
)

// Gateway is the remote API surface the engine drives. Satisfied by
// remote.Client.
type Gateway interface {
	List(ctx context.Context) ([]models.RecordMetadata, error)
	Get(ctx context.Context, id string) (*models.Record, error)
	Save(ctx context.Context, rec *models.Record) (*remote.SaveResponse, error)
	Delete(ctx context.Context, id string) error
	DeleteMany(ctx context.Context, ids []string) error
	PullSince(ctx context.Context, since int64) (*models.PullResult, error)
	CheckImages(ctx context.Context, hashes []string) (map[string]bool, error)
	PutImage(ctx context.Context, hash string, data []byte) (bool, error)
	GetImage(ctx context.Context, hash string) ([]byte, error)
}

// Store is the local persistence surface the engine drives. Satisfied by
// store.Store.
type Store interface {
	ListMetadata() ([]models.RecordMetadata, error)
	Get(id string) (*models.Record, error)
	Save(rec *models.Record) error
	Delete(id string) error
	DeleteMany(ids []string) error
	SyncState() (models.SyncState, error)
	SetSyncState(state models.SyncState) error
	Enqueue(action models.PendingAction) error
	Outbox() ([]models.PendingAction, error)
	RemovePending(recordID string) error
	AppendAudit(entry models.AuditEntry) error
	PutBlob(hash string, data []byte) error
	GetBlob(hash string) ([]byte, error)
}

// ProgressFunc receives progress events during a sync run. Called from the
// run's goroutines; implementations must be cheap and thread-safe.
type ProgressFunc func(models.SyncProgress)

// Engine orchestrates bidirectional sync between the local store and the
// remote gateway. At most one run is in flight at a time; a second call
// while one is running returns a failed result immediately instead of
// queueing.
type Engine struct {
	store   Store
	gateway Gateway
	cfg     *config.Config
	logger  *slog.Logger

	mu         sync.Mutex
	syncing    bool
	cancelled  bool
	runCancel  context.CancelFunc
	uploader   *Uploader
	phase      models.SyncPhase
	onProgress ProgressFunc
}

// New creates an engine. The config supplies the existence-check and upload
// tuning knobs.
func New(st Store, gw Gateway, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:   st,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		phase:   models.PhaseIdle,
	}
}

// SetProgressFunc installs the progress listener. Must be called before any
// sync starts.
func (e *Engine) SetProgressFunc(fn ProgressFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onProgress = fn
}

// Phase returns the phase of the current or last run.
func (e *Engine) Phase() models.SyncPhase {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.phase
}

// Syncing reports whether a run is in flight.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.syncing
}

// SetOnline records connectivity as reported by the transport layer. The
// sync watermark is preserved.
func (e *Engine) SetOnline(online bool) error {
	state, err := e.store.SyncState()
	if err != nil {
		return err
	}

	if state.IsOnline == online {
		return nil
	}

	state.IsOnline = online
	e.logger.Info("Connectivity changed", slog.Bool("online", online))

	return e.store.SetSyncState(state)
}

// SaveRecord writes a record locally and queues it for push. A record with
// no id gets one assigned. The write succeeds even when the server is
// unreachable; the outbox entry is drained by the next sync.
func (e *Engine) SaveRecord(rec *models.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Timestamp = time.Now().UnixMilli()

	if err := e.store.Save(rec); err != nil {
		return err
	}

	return e.store.Enqueue(models.PendingAction{
		Type:      models.ActionSave,
		RecordID:  rec.ID,
		Timestamp: rec.Timestamp,
	})
}

// DeleteRecord removes a record locally and queues the remote delete. A
// queued save for the same record is replaced, so a create-then-delete
// while offline never reaches the server.
func (e *Engine) DeleteRecord(id string) error {
	rec, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errs.ErrRecordNotFound
	}

	if err := e.store.Delete(id); err != nil {
		return err
	}

	return e.store.Enqueue(models.PendingAction{
		Type:      models.ActionDelete,
		RecordID:  id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ImageData returns the payload for a content hash, serving from the local
// blob cache and falling back to the server. A fetch fills the cache, so a
// record's images are only downloaded once per device.
func (e *Engine) ImageData(ctx context.Context, hash string) ([]byte, error) {
	if data, err := e.store.GetBlob(hash); err != nil {
		return nil, err
	} else if data != nil {
		return data, nil
	}

	data, err := e.gateway.GetImage(ctx, hash)
	if err != nil {
		return nil, err
	}

	if err := e.store.PutBlob(hash, data); err != nil {
		e.logger.Warn("Blob cache write failed", slog.String("hash", hash), slog.String("error", err.Error()))
	}

	return data, nil
}

// Pause pauses the upload phase of the current run, if one is active.
func (e *Engine) Pause() {
	e.mu.Lock()
	up := e.uploader
	e.mu.Unlock()

	if up != nil {
		up.Pause()
	}
}

// Resume resumes a paused upload phase.
func (e *Engine) Resume() {
	e.mu.Lock()
	up := e.uploader
	e.mu.Unlock()

	if up != nil {
		up.Resume()
	}
}

// CancelSync cancels the current run. During the upload phase in-flight
// PUTs are allowed to finish; outside it the run context is cancelled
// directly. A no-op when nothing is running.
func (e *Engine) CancelSync() {
	e.mu.Lock()
	if !e.syncing {
		e.mu.Unlock()
		return
	}

	e.cancelled = true
	up := e.uploader
	cancel := e.runCancel
	e.mu.Unlock()

	e.logger.Info("Sync cancellation requested")

	if up != nil {
		up.Cancel()
		return
	}

	if cancel != nil {
		cancel()
	}
}

// FullSync drains the outbox, reconciles both listings, pushes, pulls, and
// advances the watermark. It always returns a result; failures are carried
// in Errors rather than an error value so a background sync loop can log
// and carry on.
func (e *Engine) FullSync(ctx context.Context, trigger string) *models.SyncResult {
	result := &models.SyncResult{}

	runCtx, ok := e.beginRun(ctx, result)
	if !ok {
		return result
	}
	defer e.endRun(result)

	state, err := e.store.SyncState()
	if err != nil {
		return e.fail(result, fmt.Errorf("reading sync state: %w", err))
	}

	e.report(models.SyncProgress{Phase: models.PhaseDraining, Message: "Draining offline queue"})

	pendingSaves, err := e.drainOutbox(runCtx, result)
	if err != nil {
		return e.fail(result, err)
	}

	e.report(models.SyncProgress{Phase: models.PhaseSyncing, Message: "Comparing listings"})

	local, err := e.store.ListMetadata()
	if err != nil {
		return e.fail(result, fmt.Errorf("listing local records: %w", err))
	}

	remoteList, err := e.gateway.List(runCtx)
	if err != nil {
		return e.fail(result, fmt.Errorf("listing remote records: %w", err))
	}

	plan := BuildPlan(local, remoteList, state.LastSyncTime)
	plan.Push = mergePending(plan.Push, pendingSaves, local)
	result.Conflicts = plan.Conflicts

	pushedIDs, err := e.push(runCtx, plan.Push, result)
	if err != nil {
		return e.fail(result, err)
	}
	if e.isCancelled() {
		return result
	}

	pulledIDs, err := e.pull(runCtx, plan.Pull, result)
	if err != nil {
		return e.fail(result, err)
	}

	// Deletions and the new watermark come from the server's change feed.
	// Records pushed this run are excluded: a tombstone older than the
	// push would otherwise undo it.
	pullRes, err := e.gateway.PullSince(runCtx, state.LastSyncTime)
	if err != nil {
		return e.fail(result, fmt.Errorf("pulling deletions: %w", err))
	}

	deleted := excludeIDs(pullRes.Deleted, pushedIDs)
	if len(deleted) > 0 {
		if err := e.store.DeleteMany(deleted); err != nil {
			return e.fail(result, fmt.Errorf("applying remote deletions: %w", err))
		}
	}
	result.Deleted = len(deleted)

	syncTime := pullRes.SyncTime
	if syncTime == 0 {
		syncTime = time.Now().UnixMilli()
	}

	if err := e.store.SetSyncState(models.SyncState{LastSyncTime: syncTime, IsOnline: true}); err != nil {
		return e.fail(result, fmt.Errorf("advancing watermark: %w", err))
	}

	result.Success = len(result.Errors) == 0
	e.audit(trigger, pushedIDs, pulledIDs, result)

	e.logger.Info("Sync completed",
		slog.String("trigger", trigger),
		slog.Int("pushed", result.Pushed),
		slog.Int("pulled", result.Pulled),
		slog.Int("deleted", result.Deleted),
		slog.Int("imagesUploaded", result.ImagesUploaded),
		slog.Int("imagesSkipped", result.ImagesSkipped),
		slog.Int("conflicts", len(result.Conflicts)))

	return result
}

// ForceUploadAll pushes every local record regardless of timestamps. The
// watermark is left alone so the next full sync still sees remote changes.
func (e *Engine) ForceUploadAll(ctx context.Context) *models.SyncResult {
	result := &models.SyncResult{}

	runCtx, ok := e.beginRun(ctx, result)
	if !ok {
		return result
	}
	defer e.endRun(result)

	local, err := e.store.ListMetadata()
	if err != nil {
		return e.fail(result, fmt.Errorf("listing local records: %w", err))
	}

	pushedIDs, err := e.push(runCtx, local, result)
	if err != nil {
		return e.fail(result, err)
	}
	if e.isCancelled() {
		return result
	}

	result.Success = len(result.Errors) == 0
	e.audit("force-upload", pushedIDs, nil, result)

	return result
}

// ForceUploadSelected pushes the given records regardless of timestamps.
// Unknown ids are reported in Errors without failing the rest.
func (e *Engine) ForceUploadSelected(ctx context.Context, ids []string) *models.SyncResult {
	result := &models.SyncResult{}

	runCtx, ok := e.beginRun(ctx, result)
	if !ok {
		return result
	}
	defer e.endRun(result)

	var metas []models.RecordMetadata
	for _, id := range ids {
		rec, err := e.store.Get(id)
		if err != nil {
			return e.fail(result, fmt.Errorf("reading record %s: %w", id, err))
		}
		if rec == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record not found: %s", id))
			continue
		}

		metas = append(metas, rec.Metadata())
	}

	pushedIDs, err := e.push(runCtx, metas, result)
	if err != nil {
		return e.fail(result, err)
	}
	if e.isCancelled() {
		return result
	}

	result.Success = len(result.Errors) == 0
	e.audit("force-upload", pushedIDs, nil, result)

	return result
}

// ForceDownloadAll overwrites local copies with the remote version of every
// record whose timestamps differ, even when remote is older. Local-only
// records are left alone: they may be unsynced work.
func (e *Engine) ForceDownloadAll(ctx context.Context) *models.SyncResult {
	result := &models.SyncResult{}

	runCtx, ok := e.beginRun(ctx, result)
	if !ok {
		return result
	}
	defer e.endRun(result)

	local, err := e.store.ListMetadata()
	if err != nil {
		return e.fail(result, fmt.Errorf("listing local records: %w", err))
	}

	remoteList, err := e.gateway.List(runCtx)
	if err != nil {
		return e.fail(result, fmt.Errorf("listing remote records: %w", err))
	}

	pulledIDs, err := e.pull(runCtx, ForcePullPlan(local, remoteList), result)
	if err != nil {
		return e.fail(result, err)
	}

	result.Success = len(result.Errors) == 0
	e.audit("force-download", nil, pulledIDs, result)

	return result
}

// ForceDownloadSelected overwrites local copies of the given records with
// whatever the server holds.
func (e *Engine) ForceDownloadSelected(ctx context.Context, ids []string) *models.SyncResult {
	result := &models.SyncResult{}

	runCtx, ok := e.beginRun(ctx, result)
	if !ok {
		return result
	}
	defer e.endRun(result)

	var metas []models.RecordMetadata
	for _, id := range ids {
		metas = append(metas, models.RecordMetadata{ID: id})
	}

	pulledIDs, err := e.pull(runCtx, metas, result)
	if err != nil {
		return e.fail(result, err)
	}

	result.Success = len(result.Errors) == 0
	e.audit("force-download", nil, pulledIDs, result)

	return result
}

// --- run lifecycle ---

func (e *Engine) beginRun(ctx context.Context, result *models.SyncResult) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.syncing {
		result.Errors = append(result.Errors, errs.ErrSyncInFlight.Error())
		return nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.syncing = true
	e.cancelled = false
	e.runCancel = cancel
	e.phase = models.PhaseSyncing

	return runCtx, true
}

func (e *Engine) endRun(result *models.SyncResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelled {
		result.Cancelled = true
		result.Success = false
		e.phase = models.PhaseCancelled
	} else if result.Success {
		e.phase = models.PhaseCompleted
	} else {
		e.phase = models.PhaseFailed
	}

	if e.runCancel != nil {
		e.runCancel()
		e.runCancel = nil
	}

	e.syncing = false
	e.uploader = nil
}

func (e *Engine) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cancelled
}

func (e *Engine) report(p models.SyncProgress) {
	e.mu.Lock()
	e.phase = p.Phase
	fn := e.onProgress
	e.mu.Unlock()

	if fn != nil {
		fn(p)
	}
}

// fail records the error on the result and flips the persisted connectivity
// flag when the cause looks like an unreachable server.
func (e *Engine) fail(result *models.SyncResult, err error) *models.SyncResult {
	if remote.IsTransient(err) {
		err = fmt.Errorf("%w: %w", errs.ErrOffline, err)

		if state, serr := e.store.SyncState(); serr == nil && state.IsOnline {
			state.IsOnline = false
			_ = e.store.SetSyncState(state)
		}
	}

	result.Success = false
	result.Errors = append(result.Errors, err.Error())

	e.logger.Error("Sync failed", slog.String("error", err.Error()))

	return result
}

// --- phases ---

// drainOutbox executes queued deletes and returns the ids of queued saves.
// Saves are folded into the push phase so they go through the same image
// pipeline as everything else. A transient failure aborts the run with the
// entry still queued; a permanent rejection drops the entry so one poison
// action cannot wedge the queue forever.
func (e *Engine) drainOutbox(ctx context.Context, result *models.SyncResult) ([]string, error) {
	actions, err := e.store.Outbox()
	if err != nil {
		return nil, fmt.Errorf("reading outbox: %w", err)
	}

	var pendingSaves []string

	for _, action := range actions {
		switch action.Type {
		case models.ActionSave:
			pendingSaves = append(pendingSaves, action.RecordID)

		case models.ActionDelete:
			if err := e.gateway.Delete(ctx, action.RecordID); err != nil {
				if remote.IsTransient(err) {
					return nil, fmt.Errorf("deleting record %s: %w", action.RecordID, err)
				}

				result.Errors = append(result.Errors, fmt.Sprintf("delete rejected for %s: %v", action.RecordID, err))
			}

			if err := e.store.RemovePending(action.RecordID); err != nil {
				return nil, fmt.Errorf("clearing outbox entry %s: %w", action.RecordID, err)
			}

		default:
			e.logger.Warn("Unknown outbox action dropped", slog.String("type", string(action.Type)))
			if err := e.store.RemovePending(action.RecordID); err != nil {
				return nil, fmt.Errorf("clearing outbox entry %s: %w", action.RecordID, err)
			}
		}
	}

	return pendingSaves, nil
}

// push runs the full push pipeline for the given records: hash inline
// images, existence-check the hashes, upload the missing ones, then save
// the rewritten records. If any upload fails the record saves are skipped
// entirely, so the server never sees a record referencing an image it does
// not hold.
func (e *Engine) push(ctx context.Context, metas []models.RecordMetadata, result *models.SyncResult) ([]string, error) {
	if len(metas) == 0 {
		return nil, nil
	}

	// Work on fresh copies so an aborted push leaves the store untouched.
	records := make([]*models.Record, 0, len(metas))
	for _, m := range metas {
		rec, err := e.store.Get(m.ID)
		if err != nil {
			return nil, fmt.Errorf("reading record %s: %w", m.ID, err)
		}
		if rec == nil {
			// Deleted between listing and push.
			continue
		}

		records = append(records, rec)
	}

	e.report(models.SyncProgress{Phase: models.PhaseHashing, Message: "Hashing images", Total: len(records)})

	tasks, hashes := PrepareUploads(records, func(done, total int) {
		e.report(models.SyncProgress{
			Phase:      models.PhaseHashing,
			Message:    "Hashing images",
			Current:    done,
			Total:      total,
			Percentage: models.Percent(done, total),
		})
	})

	exists := make(map[string]bool)
	if len(hashes) > 0 {
		checker := NewChecker(e.gateway, CheckerConfig{
			ChunkSize:   e.cfg.CheckChunkSize,
			Concurrency: e.cfg.CheckConcurrency,
			MaxRetries:  e.cfg.CheckMaxRetries,
		}, e.logger)

		var err error
		exists, err = checker.Check(ctx, hashes, e.report)
		if err != nil {
			return nil, fmt.Errorf("checking image existence: %w", err)
		}
	}

	if len(tasks) > 0 {
		uploader := NewUploader(e.gateway, e.cfg.UploadConcurrency, e.logger)

		e.mu.Lock()
		if e.cancelled {
			e.mu.Unlock()
			return nil, nil
		}
		e.uploader = uploader
		e.mu.Unlock()

		e.report(models.SyncProgress{Phase: models.PhaseUploading, Message: "Uploading images", Total: len(tasks)})

		uploadResults := uploader.Run(ctx, tasks, exists, func(completed, total int) {
			e.report(models.SyncProgress{
				Phase:      models.PhaseUploading,
				Message:    "Uploading images",
				Current:    completed,
				Total:      total,
				Percentage: models.Percent(completed, total),
			})
		})

		e.mu.Lock()
		e.uploader = nil
		e.mu.Unlock()

		payloads := make(map[string][]byte, len(tasks))
		for _, t := range tasks {
			payloads[t.Hash] = t.Payload
		}

		failed := 0
		for _, r := range uploadResults {
			switch {
			case r.Skipped:
				result.ImagesSkipped++
			case r.Success:
				result.ImagesUploaded++
				if err := e.store.PutBlob(r.Hash, payloads[r.Hash]); err != nil {
					e.logger.Warn("Blob cache write failed", slog.String("hash", r.Hash), slog.String("error", err.Error()))
				}
			default:
				failed++
			}
		}

		if e.isCancelled() {
			return nil, nil
		}

		if failed > 0 {
			return nil, fmt.Errorf("%w: %d of %d images failed, record push aborted", errs.ErrUploadFailed, failed, len(tasks))
		}
	}

	// Every referenced image is now remote; save the rewritten records.
	var pushed []string
	for _, rec := range records {
		resp, err := e.gateway.Save(ctx, rec)
		if err != nil {
			return pushed, fmt.Errorf("saving record %s: %w", rec.ID, err)
		}

		// The server's timestamp is authoritative from here on.
		if resp.Timestamp > 0 {
			rec.Timestamp = resp.Timestamp
		}

		if err := e.store.Save(rec); err != nil {
			return pushed, fmt.Errorf("persisting pushed record %s: %w", rec.ID, err)
		}

		if err := e.store.RemovePending(rec.ID); err != nil {
			return pushed, fmt.Errorf("clearing outbox entry %s: %w", rec.ID, err)
		}

		pushed = append(pushed, rec.ID)
		result.Pushed++
	}

	return pushed, nil
}

// pull downloads the given records one by one and stores them verbatim,
// keeping the server's ids and timestamps.
func (e *Engine) pull(ctx context.Context, metas []models.RecordMetadata, result *models.SyncResult) ([]string, error) {
	if len(metas) == 0 {
		return nil, nil
	}

	e.report(models.SyncProgress{Phase: models.PhaseDownloading, Message: "Downloading records", Total: len(metas)})

	var pulled []string
	for i, m := range metas {
		rec, err := e.gateway.Get(ctx, m.ID)
		if err != nil {
			return pulled, fmt.Errorf("downloading record %s: %w", m.ID, err)
		}
		if rec == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record not found: %s", m.ID))
			continue
		}

		if err := e.store.Save(rec); err != nil {
			return pulled, fmt.Errorf("storing pulled record %s: %w", rec.ID, err)
		}

		pulled = append(pulled, rec.ID)
		result.Pulled++

		e.report(models.SyncProgress{
			Phase:      models.PhaseDownloading,
			Message:    "Downloading records",
			Current:    i + 1,
			Total:      len(metas),
			Percentage: models.Percent(i+1, len(metas)),
		})
	}

	return pulled, nil
}

func (e *Engine) audit(trigger string, pushed, pulled []string, result *models.SyncResult) {
	entry := models.AuditEntry{
		Time:           time.Now().UnixMilli(),
		Trigger:        trigger,
		Pushed:         pushed,
		Pulled:         pulled,
		ImagesUploaded: result.ImagesUploaded,
		ImagesSkipped:  result.ImagesSkipped,
		Errors:         result.Errors,
	}

	if err := e.store.AppendAudit(entry); err != nil {
		e.logger.Warn("Audit append failed", slog.String("error", err.Error()))
	}
}

// mergePending folds outbox save ids into the push set. Normally the
// reconciler already selects them; this covers a watermark that moved past
// a queued save.
func mergePending(push []models.RecordMetadata, pendingIDs []string, local []models.RecordMetadata) []models.RecordMetadata {
	inPush := make(map[string]struct{}, len(push))
	for _, m := range push {
		inPush[m.ID] = struct{}{}
	}

	localByID := make(map[string]models.RecordMetadata, len(local))
	for _, m := range local {
		localByID[m.ID] = m
	}

	for _, id := range pendingIDs {
		if _, ok := inPush[id]; ok {
			continue
		}
		if m, ok := localByID[id]; ok {
			push = append(push, m)
			inPush[id] = struct{}{}
		}
	}

	return push
}

func excludeIDs(ids, exclude []string) []string {
	if len(ids) == 0 {
		return nil
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}

	return out
}
