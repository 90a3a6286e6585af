package features

import (
	"fmt"
	"sort"
)

// FeatureDecl is one feature instance declared by a compiled strategy
// document: an instance name (e.g. "macd_fast"), the family it draws its
// ComputeFunc from (e.g. "macd"), its parameters, and the names of other
// declared features it depends on, in declaration order.
type FeatureDecl struct {
	Name      string
	Family    string
	Params    map[string]float64
	DependsOn []string
}

// PlanEntry is one step of the topologically-sorted feature plan the FSM
// engine walks each bar.
type PlanEntry struct {
	Name    string
	Family  string
	Compute ComputeFunc
}

// Plan is the ordered sequence of feature computations for one strategy
// instance, built once at compile time and walked, unchanged, every bar.
type Plan struct {
	Entries []PlanEntry
}

// color states for the three-color DFS cycle detector.
type color int

const (
	white color = iota
	gray
	black
)

// BuildPlan topologically sorts decls by their DependsOn edges and binds
// each to a compiled ComputeFunc from reg. Ties among features with equal
// topological rank break on name, so the plan order is a pure function of
// the declaration set (spec.md §4.1 "Determinism": same document compiles
// to the same plan byte-for-byte).
func BuildPlan(reg *Registry, decls []FeatureDecl) (*Plan, error) {
	byName := make(map[string]FeatureDecl, len(decls))
	for _, d := range decls {
		if _, dup := byName[d.Name]; dup {
			return nil, fmt.Errorf("features: duplicate feature name %q", d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range decls {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok && !BarBuiltins[dep] {
				return nil, fmt.Errorf("features: %q depends on undeclared feature %q", d.Name, dep)
			}
		}
	}

	order, err := topoSort(decls, byName)
	if err != nil {
		return nil, err
	}

	entries := make([]PlanEntry, 0, len(order))
	for _, name := range order {
		d := byName[name]
		fam, ok := reg.Lookup(d.Family)
		if !ok {
			return nil, fmt.Errorf("features: %q uses unknown family %q", d.Name, d.Family)
		}
		compute, err := fam.Builder(d.Name, d.Params, d.DependsOn)
		if err != nil {
			return nil, fmt.Errorf("features: building %q (family %q): %w", d.Name, d.Family, err)
		}
		entries = append(entries, PlanEntry{Name: d.Name, Family: d.Family, Compute: compute})
	}
	return &Plan{Entries: entries}, nil
}

// topoSort performs a DFS three-color traversal in name-sorted declaration
// order, so the only source of non-determinism a cycle-free graph could
// introduce (map iteration order) never enters the result.
func topoSort(decls []FeatureDecl, byName map[string]FeatureDecl) ([]string, error) {
	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	sort.Strings(names)

	colors := make(map[string]color, len(decls))
	var order []string
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch colors[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("features: dependency cycle detected: %s -> %s", joinCycle(stack), name)
		}
		colors[name] = gray
		stack = append(stack, name)

		d, isDeclared := byName[name]
		if isDeclared {
			deps := append([]string(nil), d.DependsOn...)
			sort.Strings(deps)
			for _, dep := range deps {
				if BarBuiltins[dep] {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[name] = black
		if isDeclared {
			order = append(order, name)
		}
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func joinCycle(stack []string) string {
	out := ""
	for i, s := range stack {
		if i > 0 {
			out += " -> "
		}
		out += s
	}
	return out
}
