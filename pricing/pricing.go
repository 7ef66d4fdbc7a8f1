// Package pricing converts token usage into USD cost.
//
// Prices are quoted per one million tokens and looked up by the model
// identifier configured on each endpoint. Unknown models are an error, not
// a silent default.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnpriced is returned for a model with no entry in the table.
var ErrUnpriced = errors.New("model has no price entry")

// Model is a model identifier as sent to the provider, e.g. "gemini-1.5-pro".
type Model string

// Price is the USD cost per one million tokens.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// Cost returns the USD cost of a call. Negative counts are treated as zero,
// so cost never decreases as either count grows.
func Cost(p Price, inputTokens, outputTokens int) float64 {
	in := max(inputTokens, 0)
	out := max(outputTokens, 0)
	return float64(in)/1e6*p.Input + float64(out)/1e6*p.Output
}

// Table maps models to prices.
type Table map[Model]Price

var (
	flash = Price{Input: 0.30, Output: 2.50}
	pro   = Price{Input: 1.25, Output: 10.00}
)

// DefaultTable lists the Gemini models the pipeline ships configured for.
func DefaultTable() Table {
	return Table{
		"gemini-1.5-flash":     flash,
		"gemini-1.5-flash-002": flash,
		"gemini-2.0-flash":     flash,
		"gemini-2.5-flash":     flash,
		"gemini-1.5-pro":       pro,
		"gemini-1.5-pro-002":   pro,
		"gemini-2.5-pro":       pro,
	}
}

// Lookup returns the price of a model. Identifiers are matched exactly
// after trimming whitespace and a "models/" prefix.
func (t Table) Lookup(model string) (Price, error) {
	key := Model(strings.TrimPrefix(strings.TrimSpace(model), "models/"))
	p, ok := t[key]
	if !ok {
		return Price{}, fmt.Errorf("%w: %q", ErrUnpriced, model)
	}
	return p, nil
}

// Cost prices one call against the table.
func (t Table) Cost(model string, inputTokens, outputTokens int) (float64, error) {
	p, err := t.Lookup(model)
	if err != nil {
		return 0, err
	}
	return Cost(p, inputTokens, outputTokens), nil
}

// Merge returns a copy of t with the entries of other added or replaced.
func (t Table) Merge(other Table) Table {
	out := make(Table, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Models returns the priced model identifiers, sorted.
func (t Table) Models() []Model {
	models := make([]Model, 0, len(t))
	for m := range t {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i] < models[j] })
	return models
}

// Validate rejects negative prices.
func (t Table) Validate() error {
	for _, m := range t.Models() {
		p := t[m]
		if p.Input < 0 || p.Output < 0 {
			return fmt.Errorf("price for %s must not be negative", m)
		}
	}
	return nil
}
