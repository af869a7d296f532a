package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/delver/config"
	"github.com/mohammad-safakhou/delver/internal/research"
	"github.com/mohammad-safakhou/delver/internal/store"
)

func main() {
	var root = &cobra.Command{Use: "delver"}
	root.AddCommand(researchCMD(), sessionsCMD(), showCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func researchCMD() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	var language string

	var run = &cobra.Command{
		Use:   "research [question]",
		Short: "Run one research session and print the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if language != "" {
				cfg.Research.ResponseLanguage = language
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			var opts []research.EngineOption
			if cfg.Storage.PostgresDSN != "" {
				st, err := store.NewWithDSN(ctx, cfg.Storage.PostgresDSN)
				if err != nil {
					return fmt.Errorf("connect session store: %w", err)
				}
				defer st.Close()
				opts = append(opts, research.WithStore(st))
			}

			engine, err := research.NewEngine(cfg, opts...)
			if err != nil {
				return err
			}

			outcome, err := engine.Research(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if outcome.NeedsClarification {
				fmt.Fprintf(os.Stderr, "clarification needed: %s\n", outcome.ClarifyingQuestion)
				return nil
			}
			fmt.Println(outcome.Report.Markdown)
			meta := outcome.Report.Meta
			fmt.Fprintf(os.Stderr, "session %s: %s, %d workers, %d tool calls, %d tokens, $%.4f, %s\n",
				meta.SessionID, meta.Termination, meta.WorkersRun, meta.ToolCalls, meta.Tokens, meta.CostUSD, meta.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	run.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	run.Flags().DurationVar(&timeout, "timeout", 0, "overall session timeout (0 = none)")
	run.Flags().StringVar(&language, "language", "", "report language override")

	return run
}

func sessionsCMD() *cobra.Command {
	var cfgPath string
	var limit int

	var sessions = &cobra.Command{
		Use:   "sessions",
		Short: "List stored research sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			out, err := st.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, s := range out {
				report := "no report"
				if s.HasReport {
					report = "report"
				}
				fmt.Printf("%s  %s  %s  %s\n", s.ID, s.CreatedAt.Format(time.RFC3339), report, s.Question)
			}
			return nil
		},
	}
	sessions.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	sessions.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")

	return sessions
}

func showCMD() *cobra.Command {
	var cfgPath string

	var show = &cobra.Command{
		Use:   "show [session-id]",
		Short: "Print a stored session's report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), cfgPath)
			if err != nil {
				return err
			}
			defer st.Close()
			sess, ok, err := st.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			if sess.Report == nil {
				return fmt.Errorf("session %s has no report", args[0])
			}
			fmt.Println(sess.Report.Markdown)
			return nil
		},
	}
	show.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return show
}

func openStore(ctx context.Context, cfgPath string) (*store.Store, error) {
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.PostgresDSN == "" {
		return store.New(ctx)
	}
	return store.NewWithDSN(ctx, cfg.Storage.PostgresDSN)
}
