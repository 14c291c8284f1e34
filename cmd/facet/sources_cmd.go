package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/facetdata/facet/pkg/config"
	"github.com/facetdata/facet/pkg/connector"
	"github.com/facetdata/facet/pkg/connector/connectors"
)

// runSourcesCmd lists every registered connector with its planner-facing
// spec.
func runSourcesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sources", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&configPath, "config", "", "Config file path (default "+config.DefaultPath+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output specs as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitInvalid
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	reg := connector.NewRegistry()
	if err := connectors.RegisterDefaults(reg, cfg.SourceKey); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	specs := reg.Specs()
	if jsonOutput {
		rows := make([]map[string]any, 0, len(specs))
		for _, s := range specs {
			rows = append(rows, map[string]any{
				"name":       s.Name,
				"phase":      string(s.Phase),
				"trust":      string(s.Trust),
				"cost_usd":   s.CostPerCallUSD,
				"priority":   s.DefaultPriority,
				"timeout":    s.Timeout.String(),
				"per_minute": s.RateLimit.PerMinute,
				"per_hour":   s.RateLimit.PerHour,
			})
		}
		data, _ := json.MarshalIndent(rows, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return exitOK
	}

	_, _ = fmt.Fprintf(stdout, "%-16s %-11s %-7s %8s %9s %9s %s\n",
		"SOURCE", "PHASE", "TRUST", "COST", "PRIORITY", "TIMEOUT", "RATE LIMIT")
	for _, s := range specs {
		_, _ = fmt.Fprintf(stdout, "%-16s %-11s %-7s %8s %9d %9s %s\n",
			s.Name, s.Phase, s.Trust,
			fmt.Sprintf("$%.4f", s.CostPerCallUSD), s.DefaultPriority, s.Timeout,
			renderLimit(s.RateLimit))
	}
	return exitOK
}

func renderLimit(l connector.RateLimit) string {
	switch {
	case l.PerMinute > 0 && l.PerHour > 0:
		return fmt.Sprintf("%d/min %d/hr", l.PerMinute, l.PerHour)
	case l.PerMinute > 0:
		return fmt.Sprintf("%d/min", l.PerMinute)
	case l.PerHour > 0:
		return fmt.Sprintf("%d/hr", l.PerHour)
	default:
		return "unlimited"
	}
}
