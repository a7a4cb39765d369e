package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kikiluvv/examguard/internal/config"
	"github.com/kikiluvv/examguard/internal/journal"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/kikiluvv/examguard/internal/store"
	"github.com/kikiluvv/examguard/pkg/util"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	sessionsLimit int
	configForce   bool
)

var reportCmd = &cobra.Command{
	Use:   "report [session id]",
	Short: "Show a saved session report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		st, err := store.Open(cmd.Context(), log.Logger, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := st.LoadReport(cmd.Context(), args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errors.WithHint(err, "run `examguard sessions` to list saved sessions")
			}
			return err
		}
		printReport(report)
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromContext(cmd.Context())
		st, err := store.Open(cmd.Context(), log.Logger, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListSessions(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			pterm.Info.Println("no sessions saved yet")
			return nil
		}

		data := pterm.TableData{{"ID", "Source", "Started", "Analyzed", "Mean", "Talking", "Verdict"}}
		for _, s := range list {
			verdict := string(s.Verdict)
			if s.Stopped {
				verdict += " (stopped)"
			}
			data = append(data, []string{
				s.ID,
				s.Source,
				s.StartedAt.Local().Format(time.DateTime),
				strconv.Itoa(s.FramesAnalyzed),
				fmt.Sprintf("%.2f%%", s.MeanProbability),
				strconv.Itoa(s.TalkingEvents),
				verdict,
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal [file]",
	Short: "Print the observations recorded in a journal file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := journal.Read(args[0])
		if err != nil {
			return err
		}
		data := pterm.TableData{{"Frame", "Time", "Eye", "Head", "Mouth", "Gaze", "Object", "Raw", "Prob"}}
		for _, e := range entries {
			object := ""
			if e.Object {
				object = "yes"
			}
			data = append(data, []string{
				strconv.Itoa(e.Frame),
				util.FormatSeconds(e.Time),
				fmt.Sprintf("%.2f", e.EyeDisplacement),
				fmt.Sprintf("%.2f", e.HeadOffset),
				fmt.Sprintf("%.2f", e.MouthGap),
				string(e.Gaze),
				object,
				fmt.Sprintf("%.2f", e.RawScore),
				fmt.Sprintf("%.2f%%", e.Probability),
			})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		pterm.Info.Printfln("%d observations", len(entries))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Config management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if util.FileExists(path) && !configForce {
			return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite")
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		pterm.Success.Printfln("wrote %s", path)
		return nil
	},
}

// printReport renders the session summary and its events.
func printReport(r *proctor.Report) {
	pterm.DefaultSection.Println("Session " + r.SessionID)

	rows := pterm.TableData{
		{"Source", r.Source},
		{"Frames", fmt.Sprintf("%d read, %d analyzed", r.FramesRead, r.FramesAnalyzed)},
		{"Duration", util.FormatDuration(r.FinishedAt.Sub(r.StartedAt))},
		{"Mean probability", fmt.Sprintf("%.2f%%", r.MeanProbability)},
		{"Talking events", strconv.Itoa(r.TalkingEvents)},
	}
	if r.Baseline != nil {
		rows = append(rows, []string{"Baseline",
			fmt.Sprintf("eye %.2f, head %.2f over %d frames", r.Baseline.EyeDisplacement, r.Baseline.HeadOffset, r.Baseline.Frames)})
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	if len(r.Events) > 0 {
		pterm.DefaultSection.WithLevel(2).Println("Events")
		events := pterm.TableData{{"Time", "Frame", "Reason"}}
		for _, ev := range r.Events {
			events = append(events, []string{
				fmt.Sprintf("%.2fs", ev.Timestamp),
				strconv.Itoa(ev.Frame),
				ev.Reason,
			})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(events).Render()
	}

	if r.Verdict.Rejected() {
		pterm.Error.Println(string(r.Verdict))
	} else {
		pterm.Success.Println(string(r.Verdict))
	}
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "maximum sessions to list (0 for all)")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
