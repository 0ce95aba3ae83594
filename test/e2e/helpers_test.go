package e2e_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/examsync/examsync/internal/config"
	"github.com/examsync/examsync/internal/engine"
	"github.com/examsync/examsync/internal/logging"
	"github.com/examsync/examsync/internal/models"
	"github.com/examsync/examsync/internal/remote"
	"github.com/examsync/examsync/internal/store"
)

const testToken = "e2e-test-token"

// recordServer is an in-memory implementation of the record-store API,
// faithful enough for end-to-end sync runs: server-assigned timestamps,
// content-addressed image storage, and a deletion feed for pull-since.
type recordServer struct {
	mu       sync.Mutex
	records  map[string]*models.Record
	images   map[string][]byte
	putCount map[string]int
	deleted  map[string]int64
	clock    int64
	down     bool
}

type harness struct {
	URL    string
	server *recordServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	// The server clock trails wall time so a device's local edit is always
	// newer than any server-assigned timestamp or watermark from earlier in
	// the test, even when everything lands in the same millisecond.
	rs := &recordServer{
		records:  make(map[string]*models.Record),
		images:   make(map[string][]byte),
		putCount: make(map[string]int),
		deleted:  make(map[string]int64),
		clock:    time.Now().UnixMilli() - 60_000,
	}

	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)

	return &harness{URL: srv.URL, server: rs}
}

// newDevice creates one sync client with its own local database, the way a
// second laptop would look to the server.
func (h *harness) newDevice(t *testing.T) (*engine.Engine, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "examsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Defaults(h.URL)
	cfg.AuthToken = testToken
	cfg.CheckMaxRetries = 1

	client := remote.NewClient(h.URL, testToken, nil)

	return engine.New(st, client, cfg, logging.Discard()), st
}

// setDown makes every request fail with 503 until cleared, simulating an
// unreachable server.
func (h *harness) setDown(down bool) {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()

	h.server.down = down
}

func (h *harness) imagePuts(hash string) int {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()

	return h.server.putCount[hash]
}

func (h *harness) imageBytes(hash string) []byte {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()

	return h.server.images[hash]
}

func (h *harness) record(id string) *models.Record {
	h.server.mu.Lock()
	defer h.server.mu.Unlock()

	return h.server.records[id]
}

// tick advances and returns the server clock, keeping timestamps strictly
// increasing across operations. Callers hold mu.
func (s *recordServer) tick() int64 {
	s.clock++
	return s.clock
}

func (s *recordServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		http.Error(w, `{"error":"service unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/records":
		s.handleList(w)
	case r.Method == http.MethodPost && r.URL.Path == "/records":
		s.handleSave(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/records/"):
		s.handleGet(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/records/"):
		s.handleDelete(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/records/batch-delete":
		s.handleBatchDelete(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/sync/pull":
		s.handlePull(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/images/check-batch":
		s.handleCheckBatch(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/images/"):
		s.handlePutImage(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/images/"):
		s.handleGetImage(w, r)
	case r.Method == http.MethodHead && strings.HasPrefix(r.URL.Path, "/images/"):
		s.handleHeadImage(w, r)
	default:
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	}
}

func (s *recordServer) handleList(w http.ResponseWriter) {
	metas := make([]models.RecordMetadata, 0, len(s.records))
	for _, rec := range s.records {
		metas = append(metas, rec.Metadata())
	}

	json.NewEncoder(w).Encode(metas)
}

func (s *recordServer) handleSave(w http.ResponseWriter, r *http.Request) {
	var rec models.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		http.Error(w, `{"error":"bad record"}`, http.StatusBadRequest)
		return
	}

	// Reject records referencing images the server does not hold.
	for _, ref := range append(append([]models.ImageRef{}, rec.Pages...), rec.QuestionImages...) {
		if _, ok := s.images[ref.Hash]; !ok {
			http.Error(w, `{"error":"unknown image hash"}`, http.StatusBadRequest)
			return
		}
	}

	rec.Timestamp = s.tick()
	s.records[rec.ID] = &rec
	delete(s.deleted, rec.ID)

	json.NewEncoder(w).Encode(remote.SaveResponse{Success: true, ID: rec.ID, Timestamp: rec.Timestamp})
}

func (s *recordServer) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.records[strings.TrimPrefix(r.URL.Path, "/records/")]
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(rec)
}

func (s *recordServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/records/")
	delete(s.records, id)
	s.deleted[id] = s.tick()

	w.WriteHeader(http.StatusNoContent)
}

func (s *recordServer) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	for _, id := range req.IDs {
		delete(s.records, id)
		s.deleted[id] = s.tick()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *recordServer) handlePull(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since int64 `json:"since"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	result := models.PullResult{SyncTime: s.tick()}
	for id, at := range s.deleted {
		if at > req.Since {
			result.Deleted = append(result.Deleted, id)
		}
	}

	json.NewEncoder(w).Encode(result)
}

func (s *recordServer) handleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hashes []string `json:"hashes"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	results := make(map[string]bool, len(req.Hashes))
	for _, h := range req.Hashes {
		_, ok := s.images[h]
		results[h] = ok
	}

	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func (s *recordServer) handlePutImage(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimPrefix(r.URL.Path, "/images/")
	data, _ := io.ReadAll(r.Body)

	_, existed := s.images[hash]
	if !existed {
		s.images[hash] = data
	}
	s.putCount[hash]++

	json.NewEncoder(w).Encode(map[string]any{"success": true, "existed": existed})
}

func (s *recordServer) handleGetImage(w http.ResponseWriter, r *http.Request) {
	data, ok := s.images[strings.TrimPrefix(r.URL.Path, "/images/")]
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Write(data)
}

func (s *recordServer) handleHeadImage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.images[strings.TrimPrefix(r.URL.Path, "/images/")]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
}
