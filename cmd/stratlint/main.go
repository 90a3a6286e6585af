// Command stratlint compiles a strategy YAML document standalone and
// prints the resulting feature plan and transition table, the way a
// developer would sanity-check a strategy before submitting it to the
// repository (spec.md §4.1's compile step, run outside the orchestrator).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/atlas-desktop/trading-backend/internal/compiler"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/ir"
)

func main() {
	path := flag.String("file", "", "Path to a strategy YAML document")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: stratlint -file strategy.yaml")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratlint: read %s: %v\n", *path, err)
		os.Exit(1)
	}

	doc, err := compiler.ParseDocument(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratlint: parse: %v\n", err)
		os.Exit(1)
	}

	compiled, err := compiler.Compile(doc, features.DefaultRegistry())
	if err != nil {
		fmt.Fprintf(os.Stderr, "stratlint: compile: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("symbol:     %s\n", compiled.Symbol)
	fmt.Printf("timeframe:  %s\n", compiled.Timeframe)
	fmt.Printf("initial:    %s\n", compiled.InitialState)

	fmt.Printf("\nfeature plan (%d entries, evaluation order):\n", len(compiled.FeaturePlan.Entries))
	for i, entry := range compiled.FeaturePlan.Entries {
		fmt.Printf("  %2d. %-24s family=%s\n", i+1, entry.Name, entry.Family)
	}

	fmt.Printf("\ntransitions (%d):\n", len(compiled.Transitions))
	for _, t := range compiled.Transitions {
		fmt.Printf("  %-8s -> %-8s  when %s\n", t.From, t.To, t.When.String())
		for _, a := range t.Actions {
			fmt.Printf("      action: %s\n", describeAction(a))
		}
	}

	fmt.Printf("\norder plans (%d):\n", len(compiled.OrderPlans))
	for _, p := range compiled.OrderPlans {
		fmt.Printf("  %-8s side=%-4s mode=%-12s qty=%s entry=[%s, %s] stop=%s targets=%d\n",
			p.ID, p.Side, p.Mode, p.Qty, p.EntryLow.String(), p.EntryHigh.String(), p.Stop.String(), len(p.Targets))
	}

	if compiled.Risk.DailyLossLimit.IsPositive() {
		fmt.Printf("\nrisk: dailyLossLimit=%s maxOrdersPerSymbol=%d maxOrderQty=%s\n",
			compiled.Risk.DailyLossLimit, compiled.Risk.MaxOrdersPerSymbol, compiled.Risk.MaxOrderQty)
	}
}

func describeAction(a ir.Action) string {
	switch a.Kind {
	case ir.ActionStartTimer:
		return fmt.Sprintf("start_timer(%s, %d bars)", a.TimerName, a.TimerBars)
	case ir.ActionSubmitOrderPlan:
		return fmt.Sprintf("submit_order_plan(%s)", a.PlanID)
	case ir.ActionCancelEntries:
		return "cancel_entries"
	case ir.ActionLog:
		return fmt.Sprintf("log(%q)", a.Message)
	default:
		return string(a.Kind)
	}
}
