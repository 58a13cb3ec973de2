package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/fatih/color"

	"github.com/quoteflow/quoteflow"
	"github.com/quoteflow/quoteflow/config"
	"github.com/quoteflow/quoteflow/dispatch"
	"github.com/quoteflow/quoteflow/engine"
	"github.com/quoteflow/quoteflow/slogger"
	"github.com/quoteflow/quoteflow/store"
)

var (
	boldStyle    = color.New(color.Bold)
	successStyle = color.New(color.FgGreen)
	warnStyle    = color.New(color.FgYellow)
	errorStyle   = color.New(color.FgRed)
)

func main() {
	var configFile string
	var inputJSON string
	var customerID string
	var logLevel string
	var timeout string

	flag.StringVar(&configFile, "config", "", "Path to a YAML or JSON configuration file")
	flag.StringVar(&inputJSON, "input", "", "Quote request input as a JSON object")
	flag.StringVar(&customerID, "customer", "", "Customer ID supplied when the execution awaits human input")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&timeout, "timeout", "2m", "Timeout for the demo run")
	flag.Parse()

	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.ParseFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
		cfg = loaded
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	logger := slogger.New(slogger.LevelFromString(logLevel))

	input := map[string]any{
		"customer_id":  "cust-1001",
		"request_text": "3 x widget-27\n2 x gadget-compact\n10 x gizmo-mini",
	}
	if inputJSON != "" {
		input = map[string]any{}
		if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
			log.Fatalf("Invalid input JSON: %v", err)
		}
	}

	timeoutDuration, err := time.ParseDuration(timeout)
	if err != nil {
		log.Fatalf("Invalid timeout format: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutDuration)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	retryPolicy, err := cfg.RetryPolicy()
	if err != nil {
		log.Fatalf("Invalid retry configuration: %v", err)
	}
	dispatcher := dispatch.NewChannelDispatcher(dispatch.ChannelOptions{
		BufferSize: cfg.Dispatcher.BufferSize,
		Retry:      retryPolicy,
		Logger:     logger,
	})

	pipe, err := demoPipeline()
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	stageTimeout, err := cfg.StageTimeout()
	if err != nil {
		log.Fatalf("Invalid stage timeout: %v", err)
	}
	eng, err := engine.New(engine.Options{
		Store:        st,
		Dispatcher:   dispatcher,
		Pipeline:     pipe,
		Concurrency:  cfg.Engine.Concurrency,
		StageTimeout: stageTimeout,
		Logger:       logger,
	})
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	execution, err := eng.Create(ctx, input)
	if err != nil {
		log.Fatalf("Failed to create execution: %v", err)
	}
	boldStyle.Printf("Created execution %s\n", execution.ID)

	execution = waitForPause(ctx, eng, execution.ID)

	if execution.Status == quoteflow.ExecutionStatusAwaitingHuman && customerID != "" {
		reason, _ := execution.Metadata[quoteflow.MetaAwaitingReason].(string)
		warnStyle.Printf("Awaiting human input (%s), resuming with customer %s\n", reason, customerID)
		if _, err := eng.Resume(ctx, execution.ID, engine.ResumeOptions{
			State: map[string]any{"customer_id": customerID},
		}); err != nil {
			log.Fatalf("Failed to resume execution: %v", err)
		}
		execution = waitForPause(ctx, eng, execution.ID)
	}

	printOutcome(ctx, eng, execution)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Fatalf("Failed to stop engine: %v", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewSQLiteStore(cfg.Store.Path, store.DefaultSQLiteOptions())
}

// waitForPause polls until the execution reaches a terminal status or
// parks awaiting human input.
func waitForPause(ctx context.Context, eng *engine.Engine, id string) *quoteflow.Execution {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Fatalf("Timed out waiting for execution %s", id)
		case <-ticker.C:
			execution, err := eng.Get(ctx, id)
			if err != nil {
				log.Fatalf("Failed to load execution: %v", err)
			}
			if execution.Status.Terminal() || execution.Status == quoteflow.ExecutionStatusAwaitingHuman {
				return execution
			}
		}
	}
}

func printOutcome(ctx context.Context, eng *engine.Engine, execution *quoteflow.Execution) {
	switch execution.Status {
	case quoteflow.ExecutionStatusCompleted:
		successStyle.Printf("\nExecution completed\n")
	case quoteflow.ExecutionStatusAwaitingHuman:
		reason, _ := execution.Metadata[quoteflow.MetaAwaitingReason].(string)
		warnStyle.Printf("\nExecution awaiting human input: %s\n", reason)
		fmt.Println("Re-run with -customer=<id> to resume.")
	default:
		reason, _ := execution.Metadata[quoteflow.MetaError].(string)
		errorStyle.Printf("\nExecution %s: %s\n", execution.Status, reason)
	}

	history, err := eng.GetHistory(ctx, execution.ID)
	if err != nil {
		log.Fatalf("Failed to load history: %v", err)
	}

	boldStyle.Println("\nStage tasks:")
	for _, task := range history.Tasks {
		fmt.Printf("  %-16s attempt=%d status=%-10s duration=%dms\n",
			task.StageName, task.Attempt, task.Status, task.DurationMillis)
	}

	boldStyle.Println("\nAudit trail:")
	for _, event := range history.Events {
		fmt.Printf("  %4d  %s\n", event.Seq, event.EventType)
	}

	state, err := eng.State(ctx, execution.ID)
	if err != nil {
		log.Fatalf("Failed to load state: %v", err)
	}
	if quote, ok := state["quote"].(map[string]any); ok {
		pretty, err := json.MarshalIndent(quote, "  ", "  ")
		if err == nil {
			boldStyle.Println("\nQuote:")
			fmt.Printf("  %s\n", pretty)
		}
	}
}
