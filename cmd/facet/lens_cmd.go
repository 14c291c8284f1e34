package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/facetdata/facet/pkg/config"
	"github.com/facetdata/facet/pkg/lens"
)

// runLensCmd dispatches the lens subcommands.
func runLensCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "validate":
		return runLensValidate(args[1:], stdout, stderr)
	case "show":
		return runLensShow(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown lens subcommand: %s\n", args[0])
		_, _ = fmt.Fprintln(stderr, "Usage: facet lens <validate|show> [flags]")
		return exitInvalid
	}
}

// runLensValidate loads a lens through every gate and reports the result.
//
// Exit codes:
//
//	0 - lens is valid
//	2 - bad input or unreadable document
//	3 - lens failed validation
func runLensValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("lens validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		lensFlag   string
		dir        string
		file       string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&lensFlag, "lens", "", "Lens ID to validate (defaults to the configured lens)")
	cmd.StringVar(&dir, "dir", "", "Lens directory (defaults to the configured lens_dir)")
	cmd.StringVar(&file, "file", "", "Validate a specific document instead of an installed ID")
	cmd.StringVar(&configPath, "config", "", "Config file path (default "+config.DefaultPath+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitInvalid
	}

	loader, cfg, code := lensLoaderFor(configPath, dir, stderr)
	if loader == nil {
		return code
	}

	var (
		contract *lens.Contract
		err      error
	)
	if file != "" {
		contract, err = loader.LoadFile(file)
	} else {
		contract, err = loader.Load(cfg.ResolveLens(lensFlag))
	}
	if err != nil {
		var verr *lens.ValidationError
		if errors.As(err, &verr) {
			if jsonOutput {
				data, _ := json.MarshalIndent(map[string]any{
					"valid":  false,
					"code":   verr.Code,
					"detail": verr.Detail,
				}, "", "  ")
				_, _ = fmt.Fprintln(stdout, string(data))
			} else {
				_, _ = fmt.Fprintf(stderr, "Invalid lens: [%s] %s\n", verr.Code, verr.Detail)
			}
			return exitLens
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"valid":   true,
			"id":      contract.Lens.ID,
			"version": contract.Lens.Version,
			"hash":    contract.Hash,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = fmt.Fprintf(stdout, "Lens %s v%s is valid (hash %.12s)\n",
			contract.Lens.ID, contract.Lens.Version, contract.Hash)
	}
	return exitOK
}

// runLensShow prints a summary of a loaded lens.
//
// Exit codes:
//
//	0 - lens loaded
//	2 - bad input or unreadable document
//	3 - lens failed validation
func runLensShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("lens show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		lensFlag   string
		dir        string
		configPath string
		jsonOutput bool
	)
	cmd.StringVar(&lensFlag, "lens", "", "Lens ID to show (defaults to the configured lens)")
	cmd.StringVar(&dir, "dir", "", "Lens directory (defaults to the configured lens_dir)")
	cmd.StringVar(&configPath, "config", "", "Config file path (default "+config.DefaultPath+")")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the full contract as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitInvalid
	}

	loader, cfg, code := lensLoaderFor(configPath, dir, stderr)
	if loader == nil {
		return code
	}

	contract, err := loader.Load(cfg.ResolveLens(lensFlag))
	if err != nil {
		var verr *lens.ValidationError
		if errors.As(err, &verr) {
			_, _ = fmt.Fprintf(stderr, "Invalid lens: [%s] %s\n", verr.Code, verr.Detail)
			return exitLens
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalid
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(contract, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return exitOK
	}
	renderContract(stdout, contract)
	return exitOK
}

// lensLoaderFor builds the light lens loader shared by the lens
// subcommands. A nil loader means the command should return code.
func lensLoaderFor(configPath, dir string, stderr io.Writer) (*lens.Loader, *config.Config, int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, exitInvalid
	}
	if dir == "" {
		dir = cfg.LensDir
	}
	loader, err := newLensLoader(dir, cfg, newLogger(cfg, stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, nil, exitInvalid
	}
	return loader, cfg, exitOK
}

// renderContract writes the human summary, section by section.
func renderContract(w io.Writer, c *lens.Contract) {
	fmt.Fprintf(w, "lens %s v%s  hash=%.12s\n", c.Lens.ID, c.Lens.Version, c.Hash)
	if c.Lens.DisplayName != "" {
		fmt.Fprintf(w, "name: %s\n", c.Lens.DisplayName)
	}
	if c.Lens.Engine != "" {
		fmt.Fprintf(w, "engine: %s (running %s)\n", c.Lens.Engine, lens.EngineVersion)
	}
	fmt.Fprintf(w, "vocabulary: %d terms, %d localities\n",
		len(c.Vocabulary.Terms), len(c.Vocabulary.Localities))

	if len(c.ConnectorRules) > 0 {
		fmt.Fprintln(w, "\nconnectors:")
		names := make([]string, 0, len(c.ConnectorRules))
		for name := range c.ConnectorRules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := c.ConnectorRules[name]
			var notes []string
			if r.Priority != nil {
				notes = append(notes, fmt.Sprintf("priority=%d", *r.Priority))
			}
			if len(r.Modes) > 0 {
				notes = append(notes, "modes="+strings.Join(r.Modes, ","))
			}
			if len(r.RequiresVocab) > 0 {
				notes = append(notes, "requires_vocab="+strings.Join(r.RequiresVocab, ","))
			}
			if r.When != "" {
				notes = append(notes, "when="+r.When)
			}
			fmt.Fprintf(w, "  %-16s %s\n", name, strings.Join(notes, " "))
		}
	}

	fmt.Fprintf(w, "\nmapping rules: %d\n", len(c.MappingRules))
	dims := make([]string, 0, len(c.CanonicalValues))
	for dim := range c.CanonicalValues {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	for _, dim := range dims {
		fmt.Fprintf(w, "  %-24s %d values\n", dim, len(c.CanonicalValues[dim]))
	}

	if len(c.Modules) > 0 {
		fmt.Fprintln(w, "\nmodules:")
		names := make([]string, 0, len(c.Modules))
		for name := range c.Modules {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-24s %d field rules, %d triggers\n",
				name, len(c.Modules[name].FieldRules), len(c.TriggersFor(name)))
		}
	}

	fmt.Fprintf(w, "\ndedupe: name_similarity=%.2f max_distance_m=%.0f\n",
		c.Dedupe.NameSimilarity, c.Dedupe.MaxDistanceM)
	if c.Validation != nil {
		fmt.Fprintf(w, "fixture: %s payload, expects %d dimensions, %d modules\n",
			c.Validation.Source, len(c.Validation.Expect.Dimensions), len(c.Validation.Expect.Modules))
	}
}
