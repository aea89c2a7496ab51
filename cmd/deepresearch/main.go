// deepresearch is a research agent: it plans a question into sub-tasks,
// fans them out to bounded sub-agent researchers, and synthesizes an
// answer from the notes they collect.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deepresearch/internal/archive"
	"deepresearch/internal/config"
	"deepresearch/internal/controller"
	"deepresearch/internal/logging"
	"deepresearch/internal/reasoner"
	"deepresearch/internal/scheduler"
	"deepresearch/internal/search"
	"deepresearch/internal/server"
	"deepresearch/internal/state"
	"deepresearch/internal/subagent"
)

var version = "dev"

var (
	logger    *zap.Logger
	cfg       *config.Config
	workspace string
	verbose   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deepresearch",
		Short: "Deep research agent",
		Long:  "deepresearch answers questions by delegating research sub-tasks to bounded parallel sub-agents.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zapCfg := zap.NewProductionConfig()
			if verbose {
				zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
			}
			var err error
			logger, err = zapCfg.Build()
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}

			if workspace == "" {
				workspace, err = os.Getwd()
				if err != nil {
					return fmt.Errorf("failed to resolve workspace: %w", err)
				}
			}
			if err := logging.Initialize(workspace); err != nil {
				logger.Warn("file logging disabled", zap.Error(err))
			}

			cfg, err = config.Load(workspace)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.CloseAll()
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (default: cwd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question...]",
		Short: "Answer a research question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := ""
			for i, a := range args {
				if i > 0 {
					question += " "
				}
				question += a
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := runResearch(ctx, question)
			if err != nil {
				return err
			}

			fmt.Println(res.Answer)
			if verbose || res.CeilingReached {
				fmt.Fprintf(os.Stderr, "\n[%d steps, %d messages, %d files", res.Steps, res.MessageCount, res.FilesCreated)
				if res.CeilingReached {
					fmt.Fprint(os.Stderr, ", step ceiling reached")
				}
				fmt.Fprintln(os.Stderr, "]")
			}
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve research over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}

			srv := server.New(cfg.Server.Addr, runResearch, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			arc, err := archive.Open(archivePath())
			if err != nil {
				return err
			}
			defer arc.Close()

			records, err := arc.Recent(limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no archived sessions")
				return nil
			}
			for _, r := range records {
				flag := ""
				if r.CeilingReached {
					flag = " [truncated]"
				}
				fmt.Printf("#%d %s  %q  steps=%d files=%d%s\n",
					r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Question, r.Steps, r.FileCount, flag)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of sessions to list")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("deepresearch", version)
		},
	}
}

// runResearch wires a fresh session: store, reasoner, search provider,
// scheduler, controller. Each call is an independent session.
func runResearch(ctx context.Context, question string) (*controller.RunResult, error) {
	store := state.New()

	llm := reasoner.NewGeminiClientWithConfig(reasoner.GeminiConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.TimeoutDuration(),
	})
	rsn := reasoner.New(llm)

	provider := search.NewTavilyClientWithConfig(search.TavilyConfig{
		APIKey:     cfg.Search.APIKey,
		BaseURL:    cfg.Search.BaseURL,
		MaxResults: cfg.Search.MaxResults,
		IncludeRaw: true,
		Timeout:    cfg.Search.TimeoutDuration(),
	})

	var fetcher *search.PageFetcher
	if cfg.Search.FetchPages {
		fetcher = search.NewPageFetcher(cfg.Search.TimeoutDuration())
	}

	callTimeout := cfg.Orchestration.CallTimeoutDuration()
	factory := func(index int, sub state.SubTask) scheduler.TaskRunner {
		rc := subagent.DefaultConfig(fmt.Sprintf("researcher-%d", index))
		rc.Budget = cfg.Orchestration.SubTaskBudget
		rc.CallTimeout = callTimeout
		return subagent.New(rc, provider, rsn, store, fetcher)
	}

	sched := scheduler.New(store, factory, scheduler.Config{
		MaxConcurrent: cfg.Orchestration.MaxConcurrent,
	})

	ctl := controller.New(store, rsn, sched, controller.Config{
		StepCeiling:   cfg.Orchestration.StepCeiling,
		SubTaskBudget: cfg.Orchestration.SubTaskBudget,
	})

	res, err := ctl.Run(ctx, question)
	if err != nil {
		return nil, err
	}

	if cfg.Archive.Enabled {
		if err := archiveSession(res, store.Snapshot()); err != nil {
			logger.Warn("archive failed", zap.Error(err))
		}
	}
	return res, nil
}

func archiveSession(res *controller.RunResult, snap state.Snapshot) error {
	arc, err := archive.Open(archivePath())
	if err != nil {
		return err
	}
	defer arc.Close()

	_, err = arc.Save(archive.Record{
		Question:       res.Question,
		Answer:         res.Answer,
		Steps:          res.Steps,
		CeilingReached: res.CeilingReached,
		MessageCount:   res.MessageCount,
		FileCount:      res.FilesCreated,
	}, snap)
	return err
}

func archivePath() string {
	path := cfg.Archive.Path
	if path == "" {
		path = filepath.Join(".deepresearch", "sessions.db")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	return path
}
