package main

import (
	"context"
	"encoding/json"
	"image"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/config"
	"github.com/kikiluvv/examguard/internal/logging"
	"github.com/kikiluvv/examguard/internal/monitor"
	"github.com/kikiluvv/examguard/internal/pipeline"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/kikiluvv/examguard/internal/store"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	analyzeMonitor   bool
	analyzeAddr      string
	analyzeNoStore   bool
	analyzeJournal   bool
	analyzeFrameSkip int
	analyzeOutput    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [input video]",
	Short: "Analyze an exam recording and print the verdict",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		if analyzeJournal {
			cfg.Journal.Enabled = true
		}
		if analyzeFrameSkip > 0 {
			cfg.Analysis.FrameSkip = analyzeFrameSkip
		}
		if analyzeAddr != "" {
			cfg.Monitor.Addr = analyzeAddr
			analyzeMonitor = true
		}

		logger := logging.WithComponent("cli")
		logger.Debug().
			Str("input", args[0]).
			Int("frame_skip", cfg.Analysis.FrameSkip).
			Bool("monitor", analyzeMonitor).
			Bool("journal", cfg.Journal.Enabled).
			Msg("starting analysis")

		pipe, err := pipeline.New(log.Logger, cfg)
		if err != nil {
			return err
		}
		defer pipe.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		progress := newConsoleSink()
		sinks := pipeline.MultiSink{progress}

		var srv *monitor.Server
		if analyzeMonitor {
			hub := monitor.NewHub(log.Logger, monitor.Options{
				FrameRate: cfg.Monitor.FrameRate,
				LogLines:  cfg.Monitor.LogLines,
			})
			srv = monitor.NewServer(log.Logger, hub, pipe.Control(), func() any {
				return pipe.Status()
			})
			sinks = append(sinks, hub)
		}

		report, err := runAnalysis(ctx, pipe, srv, cfg.Monitor.Addr, args[0], sinks)
		progress.Stop()
		if err != nil {
			return err
		}

		if report.Stopped {
			pterm.Warning.Println("analysis stopped before the end of the recording")
		}
		printReport(report)

		if analyzeOutput != "" {
			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(analyzeOutput, data, 0644); err != nil {
				return errors.Wrap(err, "write report")
			}
			pterm.Info.Printfln("report written to %s", analyzeOutput)
		}

		if cfg.Store.Enabled && !analyzeNoStore {
			// The signal context may already be cancelled; saving must still go through.
			st, err := store.Open(cmd.Context(), log.Logger, cfg.Store.Driver, cfg.Store.DSN)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SaveReport(cmd.Context(), report); err != nil {
				return errors.Wrap(err, "save report")
			}
			pterm.Info.Printfln("session %s saved", report.SessionID)
		}
		return nil
	},
}

// runAnalysis runs the pipeline and, when srv is set, the monitor next to it.
// The monitor stops once analysis finishes.
func runAnalysis(ctx context.Context, pipe *pipeline.Pipeline, srv *monitor.Server, addr, path string, sink pipeline.Sink) (*proctor.Report, error) {
	g, gctx := errgroup.WithContext(ctx)
	monitorCtx, stopMonitor := context.WithCancel(gctx)
	defer stopMonitor()

	var report *proctor.Report
	g.Go(func() error {
		defer stopMonitor()
		r, err := pipe.Analyze(gctx, path, sink)
		report = r
		return err
	})
	if srv != nil {
		g.Go(func() error {
			return errors.Wrap(srv.Run(monitorCtx, addr), "monitor")
		})
		pterm.Info.Printfln("monitor on http://%s", addr)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

// consoleSink renders progress and event lines on the terminal.
type consoleSink struct {
	bar  *pterm.ProgressbarPrinter
	last int
}

func newConsoleSink() *consoleSink {
	bar, err := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle("Analyzing").
		Start()
	if err != nil {
		logger := logging.WithComponent("cli")
		logger.Debug().Err(err).Msg("progress bar unavailable")
		bar = nil
	}
	return &consoleSink{bar: bar}
}

func (c *consoleSink) OnFrame(image.Image) {}

func (c *consoleSink) OnProgress(percent float64) {
	if c.bar == nil {
		return
	}
	p := int(percent)
	if p > 100 {
		p = 100
	}
	if p > c.last {
		c.bar.Add(p - c.last)
		c.last = p
	}
}

func (c *consoleSink) OnEvent(line string) {
	pterm.Warning.Println(line)
}

func (c *consoleSink) Stop() {
	if c.bar != nil {
		_, _ = c.bar.Stop()
	}
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeMonitor, "monitor", false, "serve live status, frames and controls over HTTP")
	analyzeCmd.Flags().StringVar(&analyzeAddr, "addr", "", "monitor listen address (implies --monitor)")
	analyzeCmd.Flags().BoolVar(&analyzeNoStore, "no-store", false, "do not save the report to the session store")
	analyzeCmd.Flags().BoolVar(&analyzeJournal, "journal", false, "write an observation journal for this run")
	analyzeCmd.Flags().IntVar(&analyzeFrameSkip, "frame-skip", 0, "analyze every Nth frame (overrides config)")
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write the report as JSON to this file")
}
