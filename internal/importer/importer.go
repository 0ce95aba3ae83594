// Package importer watches a drop directory for scanned exams and turns
// them into records. Each exam is one subdirectory holding a manifest.yaml
// plus page and question images; a finished import is marked in place so a
// rescan never ingests it twice.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/examsync/examsync/internal/models"
)

const (
	// debounceDelay is how long the watcher waits after the last event
	// before scanning, so a scanner still writing files is not caught
	// half-done.
	debounceDelay = 2 * time.Second

	// markerName flags a subdirectory as already imported.
	markerName = ".examsync-imported"

	manifestName = "manifest.yaml"

	pagesDir     = "pages"
	questionsDir = "questions"
)

// RecordSaver persists an imported record. Satisfied by engine.Engine.
type RecordSaver interface {
	SaveRecord(rec *models.Record) error
}

// manifest is the per-exam metadata file dropped next to the images.
type manifest struct {
	Name string `yaml:"name"`

	// ID reimports into an existing record instead of creating a new one.
	ID string `yaml:"id,omitempty"`
}

// Importer scans a drop directory and saves one record per exam folder.
type Importer struct {
	dir      string
	saver    RecordSaver
	logger   *slog.Logger
	debounce time.Duration
}

func New(dir string, saver RecordSaver, logger *slog.Logger) *Importer {
	return &Importer{
		dir:      dir,
		saver:    saver,
		logger:   logger,
		debounce: debounceDelay,
	}
}

// Run watches the drop directory until ctx is cancelled. Events are
// debounced into a full rescan; fsnotify does not watch recursively, so new
// subdirectories are added to the watch set as they appear.
func (i *Importer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watching %s: %w", i.dir, err)
	}

	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return fmt.Errorf("reading import dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			_ = watcher.Add(filepath.Join(i.dir, entry.Name()))
		}
	}

	// Catch exams dropped while the watcher was down.
	if _, err := i.ScanOnce(); err != nil {
		i.logger.Warn("Initial import scan failed", slog.String("error", err.Error()))
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	i.logger.Info("Import watcher started", slog.String("dir", i.dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}

			timer.Reset(i.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn("Watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			imported, err := i.ScanOnce()
			if err != nil {
				i.logger.Warn("Import scan failed", slog.String("error", err.Error()))
			} else if imported > 0 {
				i.logger.Info("Imported exams", slog.Int("count", imported))
			}
		}
	}
}

// ScanOnce imports every ready exam folder and returns how many records
// were saved. A folder without a manifest is presumed still being written
// and is skipped silently; a folder with a broken manifest is logged and
// skipped so one bad drop does not block the rest.
func (i *Importer) ScanOnce() (int, error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, fmt.Errorf("reading import dir: %w", err)
	}

	imported := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(i.dir, entry.Name())

		if _, err := os.Stat(filepath.Join(dir, markerName)); err == nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
			continue
		}

		if err := i.importDir(dir); err != nil {
			i.logger.Warn("Exam import failed",
				slog.String("dir", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}

		imported++
	}

	return imported, nil
}

func (i *Importer) importDir(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("manifest has no name")
	}

	pages, err := loadImages(filepath.Join(dir, pagesDir))
	if err != nil {
		return fmt.Errorf("loading pages: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("exam has no pages")
	}

	questions, err := loadImages(filepath.Join(dir, questionsDir))
	if err != nil {
		return fmt.Errorf("loading questions: %w", err)
	}

	rec := &models.Record{
		ID:             m.ID,
		Name:           norm.NFC.String(strings.TrimSpace(m.Name)),
		Pages:          pages,
		QuestionImages: questions,
	}

	if err := i.saver.SaveRecord(rec); err != nil {
		return fmt.Errorf("saving record: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, markerName), []byte(rec.ID+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing import marker: %w", err)
	}

	i.logger.Info("Exam imported",
		slog.String("id", rec.ID),
		slog.String("name", rec.Name),
		slog.Int("pages", len(rec.Pages)),
		slog.Int("questions", len(rec.QuestionImages)))

	return nil
}

// loadImages reads every image in a directory in filename order. A missing
// directory is an empty slice, not an error.
func loadImages(dir string) ([]models.ImageRef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !isImage(entry.Name()) {
			continue
		}

		names = append(names, entry.Name())
	}
	sort.Strings(names)

	refs := make([]models.ImageRef, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		refs = append(refs, models.ImageRef{Data: data})
	}

	return refs, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".webp":
		return true
	default:
		return false
	}
}
