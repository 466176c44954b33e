// Package cli implements the operator subcommands of reconciled.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/odyssey-erp/reconciler/internal/fx"
)

// ExitGaps is returned by ValidateCommand when any pair lacks a rate.
const ExitGaps = 10

// FXOpsCLI offers operational helpers around exchange rates.
type FXOpsCLI struct {
	provider fx.RateProvider
}

// NewFXOpsCLI constructs a new helper instance.
func NewFXOpsCLI(provider fx.RateProvider) (*FXOpsCLI, error) {
	if provider == nil {
		return nil, errors.New("fx cli: rate provider required")
	}
	return &FXOpsCLI{provider: provider}, nil
}

// FXValidateOptions defines available flags for the fx validate command.
type FXValidateOptions struct {
	AsOf       string
	Pairs      []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// FXValidateSummary describes the JSON response for fx validate.
type FXValidateSummary struct {
	OK        bool                       `json:"ok"`
	AsOf      string                     `json:"as_of"`
	Gaps      []string                   `json:"gaps"`
	Available []FXValidationAvailability `json:"available"`
}

// FXValidationAvailability reports the rate found for a pair.
type FXValidationAvailability struct {
	Pair          string `json:"pair"`
	Rate          string `json:"rate"`
	EffectiveDate string `json:"effective_date"`
}

// ValidateCommand executes the fx validate workflow and prints the outcome.
func (c *FXOpsCLI) ValidateCommand(ctx context.Context, opts FXValidateOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if len(opts.Pairs) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "fx validate: at least one --pair is required")
		return 1
	}
	asOf := time.Now().UTC()
	if raw := strings.TrimSpace(opts.AsOf); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: invalid as-of date %q (expected YYYY-MM-DD)\n", opts.AsOf)
			return 1
		}
		asOf = parsed
	}
	pairs := make([]fx.Pair, 0, len(opts.Pairs))
	for _, raw := range opts.Pairs {
		p, err := fx.ParsePair(raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
			return 1
		}
		pairs = append(pairs, p)
	}
	result, err := fx.Validate(ctx, c.provider, asOf, pairs)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "fx validate: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(buildValidateSummary(result)); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "fx validate: encode json: %v\n", err)
			return 1
		}
	} else {
		renderValidateHuman(opts.Stdout, result)
	}
	if len(result.Gaps) > 0 {
		return ExitGaps
	}
	return 0
}

func buildValidateSummary(result fx.Result) FXValidateSummary {
	gaps := make([]string, 0, len(result.Gaps))
	for _, gap := range result.Gaps {
		gaps = append(gaps, gap.String())
	}
	sort.Strings(gaps)
	available := make([]FXValidationAvailability, 0, len(result.Available))
	for pair, rate := range result.Available {
		available = append(available, FXValidationAvailability{
			Pair:          pair,
			Rate:          rate.Value.String(),
			EffectiveDate: rate.EffectiveDate.Format("2006-01-02"),
		})
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Pair < available[j].Pair })
	return FXValidateSummary{
		OK:        len(gaps) == 0,
		AsOf:      result.AsOf.Format("2006-01-02"),
		Gaps:      gaps,
		Available: available,
	}
}

func renderValidateHuman(out io.Writer, result fx.Result) {
	_, _ = fmt.Fprintf(out, "FX validation as of %s (%d pair(s) checked)\n", result.AsOf.Format("2006-01-02"), result.Checked)
	if len(result.Gaps) == 0 {
		_, _ = fmt.Fprintln(out, "All required FX rates are present.")
	} else {
		_, _ = fmt.Fprintf(out, "%d gap(s) detected:\n", len(result.Gaps))
		for _, gap := range result.Gaps {
			_, _ = fmt.Fprintf(out, " - %s missing\n", gap)
		}
	}
	keys := make([]string, 0, len(result.Available))
	for k := range result.Available {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rate := result.Available[k]
		_, _ = fmt.Fprintf(out, " - %s %s (effective %s)\n", k, rate.Value.String(), rate.EffectiveDate.Format("2006-01-02"))
	}
}
