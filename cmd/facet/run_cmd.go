package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/facetdata/facet/pkg/config"
	"github.com/facetdata/facet/pkg/execution"
	"github.com/facetdata/facet/pkg/lens"
	"github.com/facetdata/facet/pkg/orchestrator"
	"github.com/facetdata/facet/pkg/pipeline"
)

// runRunCmd executes one query end to end.
//
// Exit codes:
//
//	0 - run completed (including no results)
//	2 - invalid input or cancelled
//	3 - lens failed validation
//	4 - every planned connector failed
//	5 - store unavailable or writes failed
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		mode       string
		budget     float64
		lensFlag   string
		persist    bool
		timeout    time.Duration
		configPath string
		jsonOutput bool
	)

	cmd.StringVar(&mode, "mode", "discover-many", "Execution mode: resolve-one or discover-many")
	cmd.Float64Var(&budget, "budget", -1, "Spend ceiling in USD (negative means unlimited)")
	cmd.StringVar(&lensFlag, "lens", "", "Lens ID (defaults to LENS_ID, then the configured lens)")
	cmd.BoolVar(&persist, "persist", false, "Write merged entities to the store")
	cmd.DurationVar(&timeout, "timeout", 0, "Global run deadline (0 means the engine cap)")
	cmd.StringVar(&configPath, "config", "", "Config file path (default "+config.DefaultPath+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	words, flagArgs := splitQuery(args)
	if err := cmd.Parse(flagArgs); err != nil {
		return exitInvalid
	}
	words = append(words, cmd.Args()...)

	query := strings.TrimSpace(strings.Join(words, " "))
	if query == "" {
		_, _ = fmt.Fprintln(stderr, "Error: a query is required")
		cmd.Usage()
		return exitInvalid
	}

	reqMode, err := parseMode(mode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newServices(ctx, cfg, stderr, persist)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFor(err)
	}
	defer svc.close(context.Background())

	req := execution.Request{
		Query:   query,
		Mode:    reqMode,
		LensID:  cfg.ResolveLens(lensFlag),
		Persist: persist,
		Timeout: timeout,
	}
	if budget >= 0 {
		req.BudgetUSD = &budget
	}

	rep, runErr := svc.pipeline.Run(ctx, req)
	if rep != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(rep, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			rep.Render(stdout)
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			_, _ = fmt.Fprintln(stderr, "Error: run cancelled")
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", runErr)
		}
		return exitFor(runErr)
	}
	return exitOK
}

// splitQuery separates leading query words from trailing flags, so the
// query can come first as in "facet run padel courts --persist".
func splitQuery(args []string) (words, flags []string) {
	for i, a := range args {
		if strings.HasPrefix(a, "-") {
			return args[:i], args[i:]
		}
	}
	return args, nil
}

// parseMode accepts the hyphenated CLI spellings alongside the engine's
// underscore forms.
func parseMode(s string) (execution.Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "resolve_one":
		return execution.ModeResolveOne, nil
	case "discover_many":
		return execution.ModeDiscoverMany, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want resolve-one or discover-many)", s)
	}
}

// exitFor maps run errors onto the documented exit codes. Anything
// unclassified, including cancellation, counts as invalid input.
func exitFor(err error) int {
	if err == nil {
		return exitOK
	}
	var verr *lens.ValidationError
	switch {
	case errors.As(err, &verr):
		return exitLens
	case errors.Is(err, orchestrator.ErrAllConnectorsFailed):
		return exitConnectors
	case errors.Is(err, pipeline.ErrPersistence), errors.Is(err, errStore):
		return exitPersistence
	default:
		return exitInvalid
	}
}
