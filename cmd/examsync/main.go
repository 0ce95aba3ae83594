// Command examsync keeps a local exam-record store in sync with a remote
// record server. One-shot commands push, pull, or fully sync; watch mode
// runs continuously, importing dropped scans and reacting to server change
// events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/examsync/examsync/internal/config"
	"github.com/examsync/examsync/internal/engine"
	"github.com/examsync/examsync/internal/importer"
	"github.com/examsync/examsync/internal/logging"
	"github.com/examsync/examsync/internal/models"
	"github.com/examsync/examsync/internal/remote"
	"github.com/examsync/examsync/internal/store"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newRootCmd().ExecuteContext(ctx)
}

// app wires the config, store, client, and engine together for one command
// invocation.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	engine *engine.Engine
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(cfg.Environment)

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(cfg.ServerURL, cfg.AuthToken, nil)
	eng := engine.New(st, client, cfg, logger)

	return &app{cfg: cfg, logger: logger, store: st, engine: eng}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Closing store failed", slog.String("error", err.Error()))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "examsync",
		Short:         "Offline-first sync for exam records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newSyncCmd(),
		newPushCmd(),
		newPullCmd(),
		newStatusCmd(),
		newExportCmd(),
		newWatchCmd(),
	)

	return root
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full bidirectional sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			return printResult(a.engine.FullSync(cmd.Context(), "manual"))
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [id...]",
		Short: "Force-upload records, overwriting the server copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				return printResult(a.engine.ForceUploadAll(cmd.Context()))
			}

			return printResult(a.engine.ForceUploadSelected(cmd.Context(), args))
		},
	}
}

func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull [id...]",
		Short: "Force-download records, overwriting the local copies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				return printResult(a.engine.ForceDownloadAll(cmd.Context()))
			}

			return printResult(a.engine.ForceDownloadSelected(cmd.Context(), args))
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local store and sync state",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			metas, err := a.store.ListMetadata()
			if err != nil {
				return err
			}

			state, err := a.store.SyncState()
			if err != nil {
				return err
			}

			depth, err := a.store.OutboxDepth()
			if err != nil {
				return err
			}

			fmt.Printf("Server:     %s\n", a.cfg.ServerURL)
			fmt.Printf("Records:    %d\n", len(metas))
			fmt.Printf("Outbox:     %d pending\n", depth)
			fmt.Printf("Online:     %t\n", state.IsOnline)
			fmt.Printf("Last sync:  %s\n", formatSyncTime(state.LastSyncTime))

			tail, err := a.store.AuditTail(5)
			if err != nil {
				return err
			}

			if len(tail) > 0 {
				fmt.Println("\nRecent syncs:")
				for _, entry := range tail {
					fmt.Printf("  %s  %-12s pushed=%d pulled=%d uploaded=%d errors=%d\n",
						time.UnixMilli(entry.Time).Format(time.RFC3339),
						entry.Trigger,
						len(entry.Pushed), len(entry.Pulled),
						entry.ImagesUploaded, len(entry.Errors))
				}
			}

			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> <dir>",
		Short: "Write a record's images to a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.export(cmd.Context(), args[0], args[1])
		},
	}
}

// export materialises a record's images on disk, pulling payloads from the
// blob cache or the server as needed.
func (a *app) export(ctx context.Context, id, dir string) error {
	rec, err := a.store.Get(id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record not found: %s", id)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	write := func(prefix string, refs []models.ImageRef) error {
		for i, ref := range refs {
			var data []byte

			switch {
			case len(ref.Data) > 0:
				data = ref.Data
			case ref.Uploaded():
				if data, err = a.engine.ImageData(ctx, ref.Hash); err != nil {
					return fmt.Errorf("fetching %s %d: %w", prefix, i+1, err)
				}
			default:
				continue
			}

			name := filepath.Join(dir, fmt.Sprintf("%s-%03d%s", prefix, i+1, imageExt(data)))
			if err := os.WriteFile(name, data, 0o644); err != nil {
				return err
			}

			fmt.Println(name)
		}

		return nil
	}

	if err := write("page", rec.Pages); err != nil {
		return err
	}

	return write("question", rec.QuestionImages)
}

// imageExt guesses a file extension from the payload's magic bytes.
func imageExt(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously and import dropped scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.watch(cmd.Context())
		},
	}
}

// watch runs the long-lived loops: the event-feed subscriber, the import
// watcher, and a sync loop fed by interval ticks, server events, and
// imports. Sync requests coalesce through a buffered channel so a burst of
// events becomes one run.
func (a *app) watch(ctx context.Context) error {
	trigger := make(chan string, 1)
	requestSync := func(reason string) {
		select {
		case trigger <- reason:
		default:
		}
	}

	sub := remote.NewSubscriber(a.cfg.ServerURL, a.cfg.AuthToken, remote.SubscriberHooks{
		OnOnline: func(online bool) {
			if err := a.engine.SetOnline(online); err != nil {
				a.logger.Warn("Recording connectivity failed", slog.String("error", err.Error()))
			}
			if online {
				requestSync("reconnect")
			}
		},
		OnEvent: func(remote.ChangeEvent) {
			requestSync("server-event")
		},
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sub.Run(gctx)
	})

	if a.cfg.ImportDir != "" {
		imp := importer.New(a.cfg.ImportDir, &syncingSaver{
			engine:  a.engine,
			trigger: func() { requestSync("import") },
		}, a.logger)

		g.Go(func() error {
			return imp.Run(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.SyncInterval)
		defer ticker.Stop()

		requestSync("startup")

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case <-ticker.C:
				requestSync("interval")

			case reason := <-trigger:
				result := a.engine.FullSync(gctx, reason)
				if !result.Success && !result.Cancelled {
					a.logger.Warn("Sync failed",
						slog.String("trigger", reason),
						slog.Any("errors", result.Errors))
				}
			}
		}
	})

	a.logger.Info("Watching",
		slog.String("server", a.cfg.ServerURL),
		slog.String("device", a.cfg.DeviceName),
		slog.Duration("interval", a.cfg.SyncInterval))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("Shutting down")
		return nil
	}

	return err
}

// syncingSaver saves an imported record and nudges the sync loop so the
// scan reaches the server without waiting for the next interval.
type syncingSaver struct {
	engine  *engine.Engine
	trigger func()
}

func (s *syncingSaver) SaveRecord(rec *models.Record) error {
	if err := s.engine.SaveRecord(rec); err != nil {
		return err
	}

	s.trigger()

	return nil
}

func printResult(result *models.SyncResult) error {
	if len(result.Conflicts) > 0 {
		fmt.Printf("Conflicts (%d):\n", len(result.Conflicts))
		for _, c := range result.Conflicts {
			fmt.Printf("  %s (%s): local %d vs remote %d -> %s\n",
				c.Name, c.ID, c.LocalTimestamp, c.RemoteTimestamp, c.Resolution)
		}
	}

	fmt.Printf("Pushed %d, pulled %d, deleted %d, images uploaded %d (skipped %d)\n",
		result.Pushed, result.Pulled, result.Deleted,
		result.ImagesUploaded, result.ImagesSkipped)

	if result.Cancelled {
		fmt.Println("Sync cancelled")
	}

	if !result.Success {
		for _, msg := range result.Errors {
			fmt.Fprintln(os.Stderr, "  -", msg)
		}

		return errors.New("sync finished with errors")
	}

	return nil
}

func formatSyncTime(ms int64) string {
	if ms == 0 {
		return "never"
	}

	return time.UnixMilli(ms).Format(time.RFC3339)
}
