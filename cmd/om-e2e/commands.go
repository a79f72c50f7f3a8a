package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acolita/console-e2e/internal/config"
	"github.com/acolita/console-e2e/internal/harness"
	"github.com/acolita/console-e2e/internal/history"
	"github.com/acolita/console-e2e/internal/logging"
)

type globalFlags struct {
	configPath string
	debug      bool
}

type runFlags struct {
	echo    bool
	watch   bool
	record  bool
	history bool
}

func newRootCommand() *cobra.Command {
	var gf globalFlags

	root := &cobra.Command{
		Use:           "om-e2e",
		Short:         "Run interactive console scenarios against a subject program",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&gf.configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	root.PersistentFlags().BoolVar(&gf.debug, "debug", false, "Enable debug logging, including subject output chunks")

	root.AddCommand(
		newRunCommand(&gf),
		newCheckCommand(&gf),
		newHistoryCommand(&gf),
		newVersionCommand(),
	)
	return root
}

// loadConfig loads and validates the config and sets up logging from it.
func loadConfig(gf *globalFlags) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(gf.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if gf.debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Sanitize: cfg.Logging.Sanitize,
	})
	return cfg, logger, nil
}

func scenarioPatterns(cfg *config.Config, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	if len(cfg.Scenarios) > 0 {
		return cfg.Scenarios, nil
	}
	return nil, errors.New("no scenarios given and none configured")
}

func newRunCommand(gf *globalFlags) *cobra.Command {
	var rf runFlags

	cmd := &cobra.Command{
		Use:   "run [scenario files or globs...]",
		Short: "Run scenarios and report which milestones were reached",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(gf)
			if err != nil {
				return err
			}
			if rf.echo {
				cfg.Defaults.Echo = true
			}
			if rf.record {
				cfg.Recording.Enabled = true
			}
			if rf.history {
				cfg.History.Enabled = true
			}

			patterns, err := scenarioPatterns(cfg, args)
			if err != nil {
				return err
			}

			logger.Info("starting om-e2e",
				slog.String("version", Version),
				slog.String("config", gf.configPath),
			)

			out := cmd.OutOrStdout()
			err = runOnce(cmd.Context(), cfg, patterns, out, logger)
			if !rf.watch {
				return err
			}
			return watch(cmd.Context(), gf, rf, patterns, out, logger)
		},
	}

	cmd.Flags().BoolVar(&rf.echo, "echo", false, "Mirror subject input and output to the terminal")
	cmd.Flags().BoolVar(&rf.watch, "watch", false, "Rerun when the config or a scenario file changes")
	cmd.Flags().BoolVar(&rf.record, "record", false, "Write an asciicast transcript per scenario")
	cmd.Flags().BoolVar(&rf.history, "history", false, "Store scenario outcomes in the history database")
	return cmd
}

func newRunner(cfg *config.Config, echo io.Writer, logger *slog.Logger) *harness.Runner {
	opts := []harness.RunnerOption{
		harness.WithDefaults(cfg.Defaults),
		harness.WithPlatforms(cfg.Platforms),
		harness.WithEcho(echo),
		harness.WithRunnerLogger(logger),
	}
	if cfg.Reset.Command != "" {
		opts = append(opts, harness.WithPrecondition(&harness.ResetCommand{
			Command:  cfg.Reset.Command,
			Args:     cfg.Reset.Args,
			LockFile: cfg.Reset.LockFile,
			Timeout:  cfg.Reset.Timeout,
			Logger:   logger,
		}))
	}
	if cfg.Recording.Enabled {
		opts = append(opts, harness.WithRecording(cfg.Recording.Path))
	}
	return harness.NewRunner(opts...)
}

func runOnce(ctx context.Context, cfg *config.Config, patterns []string, out io.Writer, logger *slog.Logger) error {
	scenarios, err := harness.LoadScenarios(patterns)
	if err != nil {
		return err
	}
	if len(scenarios) == 0 {
		return fmt.Errorf("no scenarios match %v", patterns)
	}

	reports := newRunner(cfg, out, logger).RunAll(ctx, scenarios)
	for _, r := range reports {
		if err := r.WriteText(out); err != nil {
			return err
		}
	}
	ok, err := harness.WriteSummary(out, reports)
	if err != nil {
		return err
	}
	if cfg.History.Enabled {
		if err := recordHistory(cfg.History.Path, reports); err != nil {
			logger.Warn("history not recorded", slog.String("error", err.Error()))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !ok {
		return errFailed
	}
	return nil
}

// watch reruns every scenario whenever the config or a scenario file changes,
// until ctx is canceled.
func watch(ctx context.Context, gf *globalFlags, rf runFlags, patterns []string, out io.Writer, logger *slog.Logger) error {
	paths, err := harness.ExpandPatterns(patterns)
	if err != nil {
		return err
	}

	cfgPath := gf.configPath
	if _, err := os.Stat(cfgPath); err != nil {
		cfgPath = ""
	}

	changes := make(chan string, 1)
	w, err := config.NewWatcher(cfgPath, paths, func(_ *config.Config, changed string) {
		select {
		case changes <- changed:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer w.Close()

	logger.Info("watching for changes", slog.Int("files", len(paths)))
	for {
		select {
		case <-ctx.Done():
			return nil
		case changed := <-changes:
			fmt.Fprintf(out, "\n=== %s changed, rerunning\n", changed)

			cfg := w.Config()
			if gf.debug {
				cfg.Logging.Level = "debug"
			}
			if rf.echo {
				cfg.Defaults.Echo = true
			}
			if rf.record {
				cfg.Recording.Enabled = true
			}
			if rf.history {
				cfg.History.Enabled = true
			}
			if err := runOnce(ctx, cfg, patterns, out, logger); err != nil && !errors.Is(err, errFailed) {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func newCheckCommand(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check [scenario files or globs...]",
		Short: "Validate scenarios and report whether they can run here",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(gf)
			if err != nil {
				return err
			}
			patterns, err := scenarioPatterns(cfg, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			scenarios, loadErr := harness.LoadScenarios(patterns)
			failed := loadErr != nil
			if loadErr != nil {
				fmt.Fprintf(out, "invalid: %v\n", loadErr)
			}

			for _, sc := range scenarios {
				platforms := cfg.Platforms
				if len(sc.Platforms) > 0 {
					platforms = sc.Platforms
				}
				switch {
				case harness.CheckPlatform("", platforms) != nil:
					fmt.Fprintf(out, "skip\t%s\t%v\n", sc.Name, harness.CheckPlatform("", platforms))
				case !commandAvailable(sc.Command):
					failed = true
					fmt.Fprintf(out, "FAIL\t%s\tcommand %q not found\n", sc.Name, sc.Command)
				default:
					fmt.Fprintf(out, "ok\t%s\t%d steps\n", sc.Name, len(sc.Steps))
				}
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
}

func commandAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// recordHistory appends reports to the history database. It uses its own
// context so that an interrupted run is still recorded.
func recordHistory(path string, reports []*harness.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Record(ctx, reports)
}

func newHistoryCommand(gf *globalFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [scenario]",
		Short: "Show recent scenario outcomes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(gf)
			if err != nil {
				return err
			}
			var scenario string
			if len(args) == 1 {
				scenario = args[0]
			}

			store, err := history.Open(cmd.Context(), cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Recent(cmd.Context(), scenario, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSCENARIO\tSTATUS\tDURATION\tFAILED STEP")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.Started.Format(time.DateTime), r.Scenario, r.Status,
					r.Duration.Round(time.Millisecond), r.FailedStep)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "om-e2e version %s\n", Version)
			fmt.Fprintf(out, "  Build time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		},
	}
}
