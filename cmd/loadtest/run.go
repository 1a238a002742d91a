package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewandler/sequent/core/app"
	"github.com/codewandler/sequent/core/config"
	"github.com/codewandler/sequent/core/consumer"
	"github.com/codewandler/sequent/core/es"
	"github.com/codewandler/sequent/internal/testdomain"
)

type runOptions struct {
	*rootOptions
	Notes    int
	Commands int
	Workers  int
	IDs      string
	Timeout  time.Duration
	Report   time.Duration
}

func newRunCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Send rename commands to a set of notes",
		Long: `Create --notes notes, then send --commands rename commands spread over
them from --workers concurrent senders. A projection counts the handled
events; the run ends once it has seen every event.

Example:
  loadtest run -n 50000 -w 64
  SEQUENT_STORE_KIND=sqlite SEQUENT_STORE_DSN=/tmp/lt.db loadtest run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLoad(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&opts.Notes, "notes", 100, "number of notes")
	cmd.Flags().IntVarP(&opts.Commands, "commands", "n", 10_000, "number of rename commands")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 32, "concurrent senders")
	cmd.Flags().StringVar(&opts.IDs, "ids", "nanoid", "id generator (nanoid|uuid)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "overall timeout")
	cmd.Flags().DurationVar(&opts.Report, "report", time.Second, "progress report interval")

	return cmd
}

type stats struct {
	sent      atomic.Int64
	failed    atomic.Int64
	projected atomic.Int64
}

func runLoad(ctx context.Context, opts *runOptions, out io.Writer) error {
	if opts.Notes < 1 || opts.Workers < 1 || opts.Commands < 0 {
		return errors.New("notes and workers must be positive")
	}
	var ids es.IDGenerator
	switch opts.IDs {
	case "nanoid":
		ids = es.DefaultIDGenerator()
	case "uuid":
		ids = es.UUIDGenerator()
	default:
		return fmt.Errorf("unknown id generator %q", opts.IDs)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	log := opts.logger()
	regs := testdomain.NewRegistries()

	b, err := openBackend(ctx, cfg, regs.Events, log)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	e, err := app.New(app.Config{
		Context: ctx,
		Log:     log,
		Engine:  cfg.Engine,
		Topics:  cfg.Topics,
		Cache:   cfg.Cache,
		Broker:  b.Broker,
		Store:   b.Store,
		Registries: app.Registries{
			Commands:   regs.Commands,
			Events:     regs.Events,
			Aggregates: regs.Aggregates,
		},
		IDs: ids,
	})
	if err != nil {
		return err
	}
	defer e.Stop()

	var st stats
	runID := ids()
	projection := consumer.NewRegistry()
	count := func(id string) {
		// persistent backends may replay older runs
		if len(id) > len(runID) && id[:len(runID)] == runID {
			st.projected.Add(1)
		}
	}
	consumer.Handle(projection, "count", func(_ context.Context, ev *testdomain.NoteCreated) error {
		count(ev.AggregateRootID)
		return nil
	})
	consumer.Handle(projection, "count", func(_ context.Context, ev *testdomain.NoteRenamed) error {
		count(ev.AggregateRootID)
		return nil
	})
	if _, err := e.HandleEvents("loadtest-"+runID, projection); err != nil {
		return err
	}
	if err := e.Start(); err != nil {
		return err
	}

	fmt.Fprintf(out, "node:     %s\n", e.Name())
	fmt.Fprintf(out, "broker:   %s\n", cfg.Broker.Kind)
	fmt.Fprintf(out, "store:    %s (versions: %s)\n", cfg.Store.Kind, cfg.Store.VersionStoreKind())
	fmt.Fprintf(out, "commands: %d on %d notes, %d workers\n", opts.Commands, opts.Notes, opts.Workers)

	notes := make([]string, opts.Notes)
	for i := range notes {
		notes[i] = fmt.Sprintf("%s-%d", runID, i)
		res, err := e.Execute(ctx, testdomain.NewCreateNote(ids(), notes[i], "note"))
		if err != nil {
			return fmt.Errorf("create note: %w", err)
		}
		if res.Failed() {
			return fmt.Errorf("create note: %s", res.Err)
		}
	}

	startAt := time.Now()
	stopReport := report(out, &st, opts.Report, startAt)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				cmd := testdomain.NewRenameNote(ids(), notes[i%len(notes)], fmt.Sprintf("title-%d", i))
				res, err := e.Execute(ctx, cmd)
				st.sent.Add(1)
				if err != nil || res.Failed() {
					st.failed.Add(1)
					if err != nil {
						log.Warn("command failed", slog.Any("error", err))
					}
				}
			}
		}()
	}
	for i := range opts.Commands {
		select {
		case jobs <- i:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	sentAt := time.Now()

	want := int64(opts.Notes) + st.sent.Load() - st.failed.Load()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for st.projected.Load() < want {
		select {
		case <-ctx.Done():
			stopReport()
			return fmt.Errorf("projected %d of %d events: %w", st.projected.Load(), want, ctx.Err())
		case <-ticker.C:
		}
	}
	stopReport()

	took := sentAt.Sub(startAt)
	runtime.GC()
	mu := getMemUsage()

	fmt.Fprintln(out, "==========================================")
	fmt.Fprintf(out, "   total runtime: %.3f seconds\n", time.Since(startAt).Seconds())
	fmt.Fprintf(out, "   commands sent: %d (%d failed)\n", st.sent.Load(), st.failed.Load())
	fmt.Fprintf(out, "events projected: %d\n", st.projected.Load())
	fmt.Fprintf(out, "      commands/s: %d\n", int(float64(st.sent.Load())/took.Seconds()))
	fmt.Fprintf(out, "      heap (MiB): %d\n", mu.Alloc/1024/1024)

	if n := st.failed.Load(); n > 0 {
		return fmt.Errorf("%d commands failed", n)
	}
	return nil
}

// report prints progress every interval until the returned func is called.
func report(out io.Writer, st *stats, interval time.Duration, startAt time.Time) (stop func()) {
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last int64
		lastAt := startAt
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				sent := st.sent.Load()
				mu := getMemUsage()
				fmt.Fprintf(out, " | %7d sent | %6d cmd/s | %7d projected | (%d / %d) MiB mem (sys) |\n",
					sent,
					int(float64(sent-last)/now.Sub(lastAt).Seconds()),
					st.projected.Load(),
					mu.Alloc/1024/1024,
					mu.Sys/1024/1024,
				)
				last, lastAt = sent, now
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}
