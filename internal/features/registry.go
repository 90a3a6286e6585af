// Package features implements the process-wide, read-only feature
// registry (spec.md §4.3): built-in indicators, dependency-aware compute
// functions, and the topological plan the FSM engine walks each bar.
// The registry pattern is grounded on the teacher's
// internal/strategy.StrategyRegistry (map-of-constructor-closures guarded
// by a RWMutex, Register/Create/List accessors).
package features

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// ComputeContext is what a feature's compute function receives: the
// current bar, its bounded history window, and the features computed
// earlier in this bar's topological walk (spec.md §4.3).
type ComputeContext interface {
	Bar() types.Bar
	// BarHistory returns the bounded window ending at and including the
	// current bar, oldest first.
	BarHistory() []types.Bar
	// Feature returns a feature's value computed earlier in this bar's plan.
	Feature(name string) (float64, bool)
	// FeatureHistory returns a feature's value from k completed bars ago
	// (k==1 is the immediately preceding bar). The current bar's own
	// value, even once computed earlier in this bar's plan walk, is
	// fetched through Feature, not FeatureHistory(name, 0).
	FeatureHistory(name string, k int) (float64, bool)
}

// ComputeFunc is a feature's pure, side-effect-free compute function.
type ComputeFunc func(ctx ComputeContext) (float64, error)

// FamilyBuilder builds a ComputeFunc for one declared feature instance of
// a given indicator family (e.g. kind "ema" with params{period:20}).
// name is the feature's own declared name (needed by self-referential
// families like "obv"); deps are the feature's declared dependency names
// in declaration order (needed by composite families like
// "macd_histogram").
type FamilyBuilder func(name string, params map[string]float64, deps []string) (ComputeFunc, error)

// Kind classifies a feature per spec.md §3.
type Kind string

const (
	KindBuiltin        Kind = "builtin"
	KindIndicator      Kind = "indicator"
	KindMicrostructure Kind = "microstructure"
)

// Family is one registered indicator/microstructure family.
type Family struct {
	Name    string
	Kind    Kind
	Builder FamilyBuilder
}

// Registry is the process-wide, read-only-after-init indicator registry.
type Registry struct {
	mu       sync.RWMutex
	families map[string]Family
}

// NewRegistry returns an empty registry. Use DefaultRegistry for the
// built-in family set.
func NewRegistry() *Registry {
	return &Registry{families: make(map[string]Family)}
}

// Register adds a family. Panics on duplicate registration, matching the
// teacher's StrategyRegistry.Register behavior of failing loudly at
// init-time wiring rather than silently overwriting.
func (r *Registry) Register(f Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.families[f.Name]; exists {
		panic(fmt.Sprintf("features: family %q already registered", f.Name))
	}
	r.families[f.Name] = f
}

// Lookup returns the family registered under kind.
func (r *Registry) Lookup(kind string) (Family, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.families[kind]
	return f, ok
}

// Kinds returns every registered family name, sorted, for diagnostics.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.families))
	for k := range r.families {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BarBuiltins is the fixed set of identifiers resolvable directly off the
// current bar without a registry entry (spec.md §4.1 step 3).
var BarBuiltins = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"volume": true, "price": true,
}

// BarBuiltinValue extracts a bar builtin's value; "price" aliases "close".
func BarBuiltinValue(b types.Bar, name string) (float64, bool) {
	switch name {
	case "open":
		return b.Open.InexactFloat64(), true
	case "high":
		return b.High.InexactFloat64(), true
	case "low":
		return b.Low.InexactFloat64(), true
	case "close", "price":
		return b.Close.InexactFloat64(), true
	case "volume":
		return b.Volume.InexactFloat64(), true
	}
	return 0, false
}
