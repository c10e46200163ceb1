package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sam-aydlette/insightweaver/internal/config"
	"github.com/sam-aydlette/insightweaver/internal/database"
	"github.com/sam-aydlette/insightweaver/internal/export"
	"github.com/sam-aydlette/insightweaver/internal/llm"
	"github.com/sam-aydlette/insightweaver/internal/pipeline"
	"github.com/sam-aydlette/insightweaver/internal/retry"
	"github.com/sam-aydlette/insightweaver/internal/server"
	"github.com/sam-aydlette/insightweaver/internal/verify"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "insightweaver",
	Short:   "Syndicated-feed intelligence briefs with trust verification",
	Long:    "InsightWeaver ingests syndicated feeds, deduplicates and filters articles, and synthesizes intelligence briefs; the ask subcommand runs queries through multi-stage trust verification.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		// Configuration problems are fatal before anything runs.
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("insightweaver", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/insightweaver/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure feeds, API keys, and the reasoning provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Articles:")
		fmt.Printf("  Total: %d\n", stats.TotalArticles)
		fmt.Printf("  Pending: %d\n", stats.PendingArticles)
		fmt.Printf("  Kept: %d\n", stats.KeptArticles)
		fmt.Printf("  Filtered: %d\n", stats.FilteredArticles)
		fmt.Printf("  Duplicates: %d (%d groups)\n", stats.DuplicateArticles, stats.DuplicateGroups)
		fmt.Println("\nOutput:")
		fmt.Printf("  Pipeline runs: %d\n", stats.Runs)
		fmt.Printf("  Briefs: %d\n", stats.Briefs)
		fmt.Printf("  Trust reports: %d\n", stats.TrustReports)
		return nil
	},
}

// --- run command ---

var (
	runDays      int
	runFrom      string
	runTo        string
	noDedup      bool
	noFilter     bool
	noSynthesize bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline: fetch -> dedup -> filter -> synthesize",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		start, end, err := resolveWindow(runDays, runFrom, runTo)
		if err != nil {
			return err
		}
		fmt.Printf("Processing window %s to %s\n",
			start.UTC().Format("2006-01-02 15:04"), end.UTC().Format("2006-01-02 15:04"))

		flags := pipeline.StageFlags{
			Dedup:      !noDedup,
			Filter:     !noFilter,
			Synthesize: !noSynthesize,
		}

		orch, err := pipeline.New(cfg, db)
		if err != nil {
			return err
		}
		run, err := orch.Run(context.Background(), start, end, flags)
		if run != nil {
			fmt.Println()
			fmt.Print(export.RunText(run))
		}
		if err != nil {
			return err
		}

		if run.Status == pipeline.StatusCompleted && flags.Synthesize {
			fmt.Println("\nPipeline complete! Run 'insightweaver serve' to view the brief.")
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runDays, "days", 1, "Process the last N days")
	runCmd.Flags().StringVar(&runFrom, "from", "", "Window start (YYYY-MM-DD), overrides --days")
	runCmd.Flags().StringVar(&runTo, "to", "", "Window end (YYYY-MM-DD, exclusive), defaults to now")
	runCmd.Flags().BoolVar(&noDedup, "no-dedup", false, "Skip the deduplication stage")
	runCmd.Flags().BoolVar(&noFilter, "no-filter", false, "Skip the filter stage")
	runCmd.Flags().BoolVar(&noSynthesize, "no-synthesize", false, "Skip brief synthesis")
}

// resolveWindow turns the run flags into a half-open [start, end) window.
func resolveWindow(days int, from, to string) (time.Time, time.Time, error) {
	now := time.Now().UTC()

	if from != "" {
		start, err := time.Parse("2006-01-02", from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from date: %s", from)
		}
		end := now
		if to != "" {
			end, err = time.Parse("2006-01-02", to)
			if err != nil {
				return time.Time{}, time.Time{}, fmt.Errorf("invalid --to date: %s", to)
			}
		}
		if !start.Before(end) {
			return time.Time{}, time.Time{}, fmt.Errorf("window start must precede end")
		}
		return start, end, nil
	}

	if days <= 0 {
		days = 1
	}
	return now.AddDate(0, 0, -days), now, nil
}

// --- ask command ---

var (
	askFact bool
	askBias bool
	askTone bool
	askAll  bool
	askJSON bool
)

var askCmd = &cobra.Command{
	Use:   "ask [query]",
	Short: "Ask the reasoning service a question with trust verification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		checks := verify.Checks{Fact: askFact, Bias: askBias, Tone: askTone}
		if askAll {
			checks = verify.Checks{Fact: true, Bias: true, Tone: true}
		}

		r := cfg.Reasoning
		provider := llm.CreateProvider(r.Provider, r.Model, r.OllamaURL, r.OpenAIModel, r.APIKeyEnv,
			llm.Options{Temperature: r.Temperature, Timeout: r.Timeout.Std()})
		policy := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay.Std(), cfg.Retry.Factor, cfg.Retry.Jitter, nil)

		machine := verify.NewMachine(db, provider, policy, cfg.Verify, r.MaxTokens)
		report, err := machine.Verify(context.Background(), args[0], checks)
		if err != nil {
			return err
		}

		row, err := db.GetTrustReport(report.ID)
		if err != nil || row == nil {
			return fmt.Errorf("reading stored report %d: %w", report.ID, err)
		}
		if askJSON {
			data, jerr := export.ReportJSON(row)
			if jerr != nil {
				return jerr
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Print(export.ReportText(row))
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&askFact, "fact", false, "Run the fact-accuracy check")
	askCmd.Flags().BoolVar(&askBias, "bias", false, "Run the bias/framing check")
	askCmd.Flags().BoolVar(&askTone, "tone", false, "Run the tone check")
	askCmd.Flags().BoolVar(&askAll, "verify", false, "Run all three checks")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the report as JSON")
}

// --- export command ---

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export [run|report] [id]",
	Short: "Export a pipeline run or trust report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id: %s", args[1])
		}

		switch args[0] {
		case "run":
			run, err := db.GetRun(id)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %d not found", id)
			}
			if exportFormat == "json" {
				data, err := export.RunJSON(run)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				fmt.Print(export.RunText(run))
			}
		case "report":
			row, err := db.GetTrustReport(id)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("trust report %d not found", id)
			}
			if exportFormat == "json" {
				data, err := export.ReportJSON(row)
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			} else {
				fmt.Print(export.ReportText(row))
			}
		default:
			return fmt.Errorf("unknown export kind %q, want run or report", args[0])
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "text", "Output format: text or json")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		if port == 0 {
			port = 8000
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "insightweaver.db")
	return database.Open(dbPath)
}
