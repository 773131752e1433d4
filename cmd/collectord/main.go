package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/commonsmetrics/governance-collector/internal/blobstore"
	"github.com/commonsmetrics/governance-collector/internal/collector"
	"github.com/commonsmetrics/governance-collector/internal/config"
	"github.com/commonsmetrics/governance-collector/internal/orchestrator"
	"github.com/commonsmetrics/governance-collector/internal/ratelimit"
	"github.com/commonsmetrics/governance-collector/internal/report"
	"github.com/commonsmetrics/governance-collector/internal/store"
	"github.com/commonsmetrics/governance-collector/internal/store/file"
	"github.com/commonsmetrics/governance-collector/internal/store/postgres"
	"github.com/commonsmetrics/governance-collector/internal/store/sqlite"
	"github.com/commonsmetrics/governance-collector/pkg/client"
)

var (
	category     string
	projectsFile string
	limit        int
	days         int
	wait         bool
	force        bool
	endpoint     string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "collectord",
	Short: "Governance metrics collector",
	Long: `A batch collector for open source governance and activity metrics.

The collector maintains a durable queue of repositories, walks each one
through a sequence of collection phases against the GitHub API, and
checkpoints its position so interrupted runs resume exactly where they
stopped. Collection pauses automatically when the API rate limit budget
runs low.`,
}

var initCmd = &cobra.Command{
	Use:   "init [owner/repo ...]",
	Short: "Initialize the collection queue",
	Long:  `Replace the queue with a fresh set of repositories to collect. Fails if pending or in-progress work exists; use clear first.`,
	RunE:  runInit,
}

var addCmd = &cobra.Command{
	Use:   "add [owner/repo ...]",
	Short: "Add repositories to the queue",
	Long:  `Append repositories to the pending queue. Repositories already present are skipped.`,
	RunE:  runAdd,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect queued repositories",
	Long:  `Process the queue until it empties, the rate limit budget runs out, or the limit is reached.`,
	RunE:  runCollect,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [owner/repo]",
	Short: "Resume a specific handed-off repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and rate limit status",
	RunE:  runStatus,
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Move failed repositories back to pending",
	RunE:  runRetry,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all queue state",
	RunE:  runClear,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	initCmd.Flags().StringVar(&category, "category", "", "category label for this batch")
	initCmd.Flags().StringVar(&projectsFile, "file", "", "file with one owner/repo per line")
	addCmd.Flags().StringVar(&projectsFile, "file", "", "file with one owner/repo per line")
	collectCmd.Flags().IntVar(&limit, "limit", 0, "maximum repositories to attempt (0 = no limit)")
	collectCmd.Flags().BoolVar(&wait, "wait", false, "block through rate limit resets instead of stopping")
	collectCmd.Flags().IntVar(&days, "days", 0, "collection window in days (overrides COLLECTION_DAYS)")
	resumeCmd.Flags().BoolVar(&wait, "wait", false, "block through rate limit resets instead of stopping")
	statusCmd.Flags().StringVar(&endpoint, "endpoint", "", "query a running API server instead of local state")
	clearCmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func getStore(cfg *config.Config) (store.JobStore, error) {
	switch cfg.StoreType {
	case "sqlite":
		return sqlite.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return postgres.NewPostgresStore(cfg.PostgresURL)
	default:
		return file.NewFileStore(cfg.StatePath), nil
	}
}

func getBlobs(cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobType == "s3" {
		return blobstore.NewS3Store(cfg.S3Bucket, cfg.AWSRegion)
	}
	return blobstore.NewFSStore(cfg.DataDir)
}

func getContinuer(cfg *config.Config) (orchestrator.Continuer, error) {
	switch cfg.ContinuationMode {
	case "sqs":
		return orchestrator.NewSQSContinuer(cfg.SQSQueueURL, cfg.AWSRegion)
	case "none":
		return orchestrator.NewNoopContinuer(), nil
	default:
		return orchestrator.NewLoopContinuer(), nil
	}
}

func gateConfig(cfg *config.Config) ratelimit.Config {
	gc := ratelimit.DefaultConfig()
	gc.MinRemaining = cfg.MinRemaining
	gc.CallsPerProject = cfg.CallsPerProject
	gc.WaitBuffer = cfg.WaitBuffer
	gc.MaxWait = cfg.MaxWait
	return gc
}

func collectorOptions(cfg *config.Config) collector.Options {
	opts := collector.DefaultOptions()
	opts.SinceDays = cfg.CollectionDays
	opts.CommitBatchSize = cfg.CommitBatchSize
	return opts
}

// buildOrchestrator wires the full collection stack. The returned
// cleanup closes the underlying stores.
func buildOrchestrator(cfg *config.Config, logger zerolog.Logger) (*orchestrator.Orchestrator, *ratelimit.Gate, func(), error) {
	jobStore, err := getStore(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	blobs, err := getBlobs(cfg)
	if err != nil {
		jobStore.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	pool, err := ratelimit.NewPool(cfg.GitHubTokens, gateConfig(cfg), logger)
	if err != nil {
		jobStore.Close()
		blobs.Close()
		return nil, nil, nil, err
	}
	gate := ratelimit.NewGate(pool, gateConfig(cfg), logger)

	continuer, err := getContinuer(cfg)
	if err != nil {
		jobStore.Close()
		blobs.Close()
		return nil, nil, nil, err
	}

	orch := orchestrator.New(orchestrator.Params{
		Store:     jobStore,
		Blobs:     blobs,
		Gate:      gate,
		Continuer: continuer,
		NewSource: func(token, credentialID string) collector.Source {
			return collector.NewGitHubSource(token, credentialID, pool, logger)
		},
		Collector:       collectorOptions(cfg),
		TimeBudget:      cfg.TimeBudget,
		CallsPerProject: cfg.CallsPerProject,
		Logger:          logger,
	})

	cleanup := func() {
		jobStore.Close()
		blobs.Close()
	}
	return orch, gate, cleanup, nil
}

// loadProjects merges positional arguments with an optional list file
func loadProjects(args []string) ([]string, error) {
	projects := append([]string(nil), args...)

	if projectsFile != "" {
		f, err := os.Open(projectsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open projects file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			projects = append(projects, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read projects file: %w", err)
		}
	}

	return projects, nil
}

func runInit(cmd *cobra.Command, args []string) error {
	projects, err := loadProjects(args)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return fmt.Errorf("no repositories given (arguments or --file)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jobStore, err := getStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	if err := jobStore.Initialize(cmd.Context(), projects, category); err != nil {
		return err
	}

	fmt.Printf("Initialized queue with %d repositories\n", len(projects))
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	projects, err := loadProjects(args)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return fmt.Errorf("no repositories given (arguments or --file)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jobStore, err := getStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	added, err := jobStore.AddProjects(cmd.Context(), projects)
	if err != nil {
		return err
	}

	fmt.Printf("Added %d repositories (%d already present)\n", added, len(projects)-added)
	return nil
}

func runCollect(cmd *cobra.Command, _ []string) error {
	return collect(orchestrator.RunOptions{Limit: limit, Wait: wait})
}

func runResume(cmd *cobra.Command, args []string) error {
	return collect(orchestrator.RunOptions{Wait: wait, ContinueRepo: args[0]})
}

func collect(opts orchestrator.RunOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if days > 0 {
		cfg.CollectionDays = days
	}

	logger := newLogger()
	orch, gate, cleanup, err := buildOrchestrator(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		gate.Interrupt()
	}()

	summary, err := orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Printf("\nRun %s finished: %d collected, %d failed, %d continued (%s)\n",
		summary.RunID, summary.Collected, summary.Failed, summary.Continued, summary.StopReason)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var rep *report.SystemReport
	if endpoint != "" {
		rep, err = client.NewClient(endpoint).Status()
		if err != nil {
			return fmt.Errorf("failed to query API server: %w", err)
		}
	} else {
		jobStore, err := getStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize job store: %w", err)
		}
		defer jobStore.Close()

		logger := newLogger()
		var gate *ratelimit.Gate
		if len(cfg.GitHubTokens) > 0 {
			pool, err := ratelimit.NewPool(cfg.GitHubTokens, gateConfig(cfg), logger)
			if err != nil {
				return err
			}
			pool.Refresh(cmd.Context())
			gate = ratelimit.NewGate(pool, gateConfig(cfg), logger)
		}

		rep, err = report.NewReporter(jobStore, gate).Report(cmd.Context())
		if err != nil {
			return err
		}
	}

	renderReport(rep)
	return nil
}

func renderReport(rep *report.SystemReport) {
	queue := rep.Queue
	fmt.Printf("\nCollection Queue")
	if queue.Category != "" {
		fmt.Printf(" (%s)", queue.Category)
	}
	fmt.Printf("\n\n")

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Value"})
	table.Append([]string{"Total", fmt.Sprintf("%d", queue.Total)})
	table.Append([]string{"Pending", fmt.Sprintf("%d", queue.Counts.Pending)})
	table.Append([]string{"In Progress", fmt.Sprintf("%d", queue.Counts.InProgress)})
	table.Append([]string{"Completed", fmt.Sprintf("%d", queue.Counts.Completed)})
	table.Append([]string{"Failed", fmt.Sprintf("%d", queue.Counts.Failed)})
	table.Append([]string{"Progress", fmt.Sprintf("%.1f%%", queue.ProgressPct)})
	if queue.InProgressRepo != "" {
		table.Append([]string{"Current", queue.InProgressRepo})
	}
	table.Append([]string{"API Calls Total", fmt.Sprintf("%d", queue.Statistics.APICallsTotal)})
	table.Append([]string{"Collections Completed", fmt.Sprintf("%d", queue.Statistics.CollectionsCompleted)})
	table.Render()

	if len(queue.Failures) > 0 {
		fmt.Printf("\nFailures\n\n")
		failures := tablewriter.NewWriter(os.Stdout)
		failures.SetHeader([]string{"Repository", "Error"})
		for _, f := range queue.Failures {
			failures.Append([]string{f.Repo, f.Error})
		}
		failures.Render()
	}

	if rep.RateLimit != nil {
		rl := rep.RateLimit
		fmt.Printf("\nRate Limit\n\n")
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Credential", "Remaining", "Limit", "Resets", "Available"})
		for _, cred := range rl.Credentials {
			reset := ""
			if !cred.ResetAt.IsZero() {
				reset = cred.ResetAt.Local().Format("15:04:05")
			}
			table.Append([]string{
				cred.ID,
				fmt.Sprintf("%d", cred.Remaining),
				fmt.Sprintf("%d", cred.Limit),
				reset,
				fmt.Sprintf("%t", cred.Available),
			})
		}
		table.Render()
		fmt.Printf("\nProjects possible with current budget: %d\n", rl.ProjectsPossible)
	}
}

func runRetry(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jobStore, err := getStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	moved, err := jobStore.RetryFailed(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Moved %d repositories back to pending\n", moved)
	return nil
}

func runClear(cmd *cobra.Command, _ []string) error {
	if !force {
		fmt.Print("This removes all queue state. Continue? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	jobStore, err := getStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}
	defer jobStore.Close()

	if err := jobStore.Clear(cmd.Context()); err != nil {
		return err
	}

	fmt.Println("Queue cleared")
	return nil
}
