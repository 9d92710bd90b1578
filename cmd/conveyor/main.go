package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor"
	"github.com/conveyor-ci/conveyor/artifact"
	"github.com/fatih/color"
)

// CLI configuration
type Config struct {
	WorkflowFile string
	Event        string
	Ref          string
	SHA          string
	Actor        string
	Repository   string
	Payload      map[string]any
	LogsDir      string
	ArtifactsDir string
	PostgresDSN  string
	Timeout      time.Duration
	MaxWorkers   int
	Verbose      bool
	JSON         bool
}

func main() {
	config := parseFlags()

	if config.WorkflowFile == "" {
		color.Red("Error: workflow file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.WorkflowFile); os.IsNotExist(err) {
		color.Red("Error: workflow file '%s' not found", config.WorkflowFile)
		os.Exit(1)
	}

	logger := conveyor.NewLogger(levelFor(config.Verbose))

	color.Blue("Loading workflow from: %s", config.WorkflowFile)
	wf, err := conveyor.LoadFile(config.WorkflowFile)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	color.Cyan("Workflow: %s", wf.Name())

	// Set up run event logging
	var runLogger conveyor.RunLogger
	switch {
	case config.PostgresDSN != "":
		pg, err := conveyor.NewPostgresRunLogger(context.Background(), config.PostgresDSN)
		if err != nil {
			log.Fatalf("Failed to connect run log database: %v", err)
		}
		defer pg.Close()
		runLogger = pg
		color.Blue("Run logs: postgres")
	case config.LogsDir != "":
		runLogger = conveyor.NewFileRunLogger(config.LogsDir)
		color.Blue("Run logs: %s", config.LogsDir)
	default:
		runLogger = conveyor.NewNullRunLogger()
	}

	var artifacts artifact.Store
	if config.ArtifactsDir != "" {
		artifacts = artifact.NewFileStore(config.ArtifactsDir)
		color.Blue("Artifacts: %s", config.ArtifactsDir)
	}

	engine, err := conveyor.NewEngine(conveyor.EngineOptions{
		Logger:     logger,
		RunLogger:  runLogger,
		Artifacts:  artifacts,
		Formatter:  conveyor.NewColorRunFormatter(),
		MaxWorkers: config.MaxWorkers,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}

	trigger := &conveyor.TriggerContext{
		Event:      config.Event,
		Ref:        config.Ref,
		SHA:        config.SHA,
		Actor:      config.Actor,
		Repository: config.Repository,
		Payload:    config.Payload,
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	run, err := engine.StartRun(ctx, wf, trigger)
	if err != nil {
		color.Red("Invalid workflow: %v", err)
		os.Exit(1)
	}
	color.Green("Starting run (ID: %s)...\n", run.ID())

	report, err := run.Wait(ctx)
	if err != nil {
		log.Fatalf("Run did not complete: %v", err)
	}
	showReport(report, config)
}

func parseFlags() *Config {
	config := &Config{Payload: map[string]any{}}

	flag.StringVar(&config.WorkflowFile, "file", "", "Path to the YAML workflow definition file (required)")
	flag.StringVar(&config.WorkflowFile, "f", "", "Path to the YAML workflow definition file (shorthand)")

	flag.StringVar(&config.Event, "event", "manual", "Trigger event name")
	flag.StringVar(&config.Ref, "ref", "", "Git ref that triggered the run")
	flag.StringVar(&config.SHA, "sha", "", "Commit SHA that triggered the run")
	flag.StringVar(&config.Actor, "actor", "", "User that triggered the run")
	flag.StringVar(&config.Repository, "repository", "", "Repository the run belongs to")

	var payloadFlags stringSlice
	flag.Var(&payloadFlags, "payload", "Trigger payload field in format key=value (can be used multiple times)")
	flag.Var(&payloadFlags, "p", "Trigger payload field (shorthand)")

	flag.StringVar(&config.LogsDir, "logs", "", "Directory to store run event logs (optional)")
	flag.StringVar(&config.LogsDir, "l", "", "Directory to store run event logs (shorthand)")
	flag.StringVar(&config.PostgresDSN, "postgres", "", "Postgres DSN for run event logs (overrides -logs)")
	flag.StringVar(&config.ArtifactsDir, "artifacts", "", "Directory to store artifacts (optional, in-memory otherwise)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Run timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Run timeout (shorthand)")
	flag.IntVar(&config.MaxWorkers, "workers", 0, "Maximum concurrently running jobs (default: 4)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")
	flag.BoolVar(&config.JSON, "json", false, "Output the run report in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Conveyor - Execute YAML-defined CI/CD workflows

Usage: %s [options] -file <workflow.yaml>

Examples:
  # Execute a workflow for a push event
  %s -file .conveyor/ci.yaml -event push -ref refs/heads/main

  # Execute with payload fields and file-based run logs
  %s -file ci.yaml -payload branch=main -payload pr=42 -logs ./logs

  # Execute with a timeout and persistent artifacts
  %s -file ci.yaml -timeout 10m -artifacts ./artifacts

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	for _, field := range payloadFlags {
		parts := strings.SplitN(field, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid payload format '%s'. Use key=value\n", field)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]

		// Try to parse as JSON, fallback to string
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		config.Payload[key] = parsed
	}
	return config
}

// Custom flag type for handling multiple payload values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelWarn
}

func showReport(report *conveyor.RunReport, config *Config) {
	if config.JSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			log.Fatalf("Failed to format report: %v", err)
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("\n")
		color.White("Run completed in %v", report.Duration)
		color.White("Status: %s", report.Status)
		for _, instance := range report.Instances {
			line := fmt.Sprintf("  %-10s %s", instance.Status, instance.ID)
			if instance.Error != "" {
				line += " (" + instance.Error + ")"
			}
			fmt.Println(line)
		}
		if report.Error != "" {
			color.Red("Error: %s", report.Error)
		}
	}

	switch report.Status {
	case conveyor.RunStatusSucceeded:
		color.Green("Run successful!")
	case conveyor.RunStatusCancelled:
		color.Yellow("Run cancelled")
		os.Exit(1)
	default:
		color.Red("Run failed")
		os.Exit(1)
	}
}
