package features

import (
	"fmt"
	"math"
)

// DefaultRegistry returns a Registry pre-populated with the built-in
// indicator/microstructure families. The RSI smoothing, Bollinger-band
// variance-then-sqrt shape, and EMA recurrence are generalized from the
// teacher's internal/strategy.{RSIDivergenceStrategy,MeanReversionStrategy,
// TrendFollowingStrategy} inline decimal math into registry entries with
// declared dependencies, operating on float64 since the expression engine
// (spec.md §4.2) is float64-native; decimal stays reserved for wire
// quantities (price/qty/pnl).
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Family{Name: "sma", Kind: KindIndicator, Builder: buildSMA})
	r.Register(Family{Name: "ema", Kind: KindIndicator, Builder: buildEMA})
	r.Register(Family{Name: "rsi", Kind: KindIndicator, Builder: buildRSI})
	r.Register(Family{Name: "macd", Kind: KindIndicator, Builder: buildMACD})
	r.Register(Family{Name: "macd_signal", Kind: KindIndicator, Builder: buildMACDSignal})
	r.Register(Family{Name: "macd_histogram", Kind: KindIndicator, Builder: buildMACDHistogram})
	r.Register(Family{Name: "bollinger_upper", Kind: KindIndicator, Builder: buildBollinger(true)})
	r.Register(Family{Name: "bollinger_lower", Kind: KindIndicator, Builder: buildBollinger(false)})
	r.Register(Family{Name: "atr", Kind: KindIndicator, Builder: buildATR})
	r.Register(Family{Name: "volume_sma", Kind: KindIndicator, Builder: buildVolumeSMA})
	r.Register(Family{Name: "vwap", Kind: KindIndicator, Builder: buildVWAP})
	r.Register(Family{Name: "obv", Kind: KindIndicator, Builder: buildOBV})
	r.Register(Family{Name: "stoch_k", Kind: KindIndicator, Builder: buildStochK})
	r.Register(Family{Name: "stoch_d", Kind: KindIndicator, Builder: buildStochD})

	r.Register(Family{Name: "body_ratio", Kind: KindMicrostructure, Builder: buildBodyRatio})
	r.Register(Family{Name: "upper_wick_ratio", Kind: KindMicrostructure, Builder: buildUpperWickRatio})
	r.Register(Family{Name: "lower_wick_ratio", Kind: KindMicrostructure, Builder: buildLowerWickRatio})
	r.Register(Family{Name: "range_pct", Kind: KindMicrostructure, Builder: buildRangePct})

	return r
}

func intParam(params map[string]float64, key string, def int) int {
	if v, ok := params[key]; ok {
		return int(v)
	}
	return def
}

func floatParam(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}

// closeWindow pulls the last `period` closes from the bar window,
// including the current bar. ok is false if fewer than period bars exist.
func closeWindow(ctx ComputeContext, period int) ([]float64, bool) {
	bars := ctx.BarHistory()
	if len(bars) < period {
		return nil, false
	}
	out := make([]float64, period)
	start := len(bars) - period
	for i := 0; i < period; i++ {
		out[i] = bars[start+i].Close.InexactFloat64()
	}
	return out, true
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// emaSeries computes the EMA over xs (oldest first) seeded by the first
// value, returning the final EMA value — deterministic, pure, recomputed
// from the window each call rather than carried as mutable state.
func emaSeries(xs []float64, period int) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	mult := 2.0 / float64(period+1)
	cur := xs[0]
	for _, x := range xs[1:] {
		cur = (x-cur)*mult + cur
	}
	return cur
}

func buildSMA(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 20)
	if period < 1 {
		return nil, fmt.Errorf("sma: period must be >= 1")
	}
	return func(ctx ComputeContext) (float64, error) {
		xs, ok := closeWindow(ctx, period)
		if !ok {
			return math.NaN(), nil
		}
		return mean(xs), nil
	}, nil
}

func buildEMA(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 20)
	if period < 1 {
		return nil, fmt.Errorf("ema: period must be >= 1")
	}
	return func(ctx ComputeContext) (float64, error) {
		xs, ok := closeWindow(ctx, period)
		if !ok {
			return math.NaN(), nil
		}
		return emaSeries(xs, period), nil
	}, nil
}

// buildRSI generalizes RSIDivergenceStrategy's smoothed gain/loss average
// (internal/strategy/strategy.go) recomputed fresh from the window each bar.
func buildRSI(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 14)
	if period < 2 {
		return nil, fmt.Errorf("rsi: period must be >= 2")
	}
	return func(ctx ComputeContext) (float64, error) {
		xs, ok := closeWindow(ctx, period+1)
		if !ok {
			return math.NaN(), nil
		}
		gainSum, lossSum := 0.0, 0.0
		for i := 1; i < len(xs); i++ {
			change := xs[i] - xs[i-1]
			if change > 0 {
				gainSum += change
			} else {
				lossSum += -change
			}
		}
		avgGain := gainSum / float64(period)
		avgLoss := lossSum / float64(period)
		if avgLoss == 0 {
			return 100, nil
		}
		rs := avgGain / avgLoss
		return 100 - 100/(1+rs), nil
	}, nil
}

func buildMACD(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	fast := intParam(params, "fast", 12)
	slow := intParam(params, "slow", 26)
	if fast < 1 || slow < 1 || fast >= slow {
		return nil, fmt.Errorf("macd: require 1 <= fast < slow")
	}
	return func(ctx ComputeContext) (float64, error) {
		xsSlow, ok := closeWindow(ctx, slow)
		if !ok {
			return math.NaN(), nil
		}
		xsFast := xsSlow[len(xsSlow)-fast:]
		return emaSeries(xsFast, fast) - emaSeries(xsSlow, slow), nil
	}, nil
}

// buildMACDSignal is an EMA of a dependency feature's own value history
// (its declared dependency is the macd feature instance, deps[0]).
func buildMACDSignal(_ string, params map[string]float64, deps []string) (ComputeFunc, error) {
	period := intParam(params, "period", 9)
	if len(deps) != 1 {
		return nil, fmt.Errorf("macd_signal: requires exactly one dependency (the macd feature)")
	}
	macdName := deps[0]
	return func(ctx ComputeContext) (float64, error) {
		xs := make([]float64, 0, period)
		for k := period - 1; k >= 1; k-- {
			v, ok := ctx.FeatureHistory(macdName, k)
			if !ok {
				return math.NaN(), nil
			}
			xs = append(xs, v)
		}
		cur, ok := ctx.Feature(macdName)
		if !ok {
			return math.NaN(), nil
		}
		xs = append(xs, cur)
		return emaSeries(xs, period), nil
	}, nil
}

func buildMACDHistogram(_ string, _ map[string]float64, deps []string) (ComputeFunc, error) {
	if len(deps) != 2 {
		return nil, fmt.Errorf("macd_histogram: requires dependencies [macd, macd_signal]")
	}
	macdName, signalName := deps[0], deps[1]
	return func(ctx ComputeContext) (float64, error) {
		m, ok1 := ctx.Feature(macdName)
		s, ok2 := ctx.Feature(signalName)
		if !ok1 || !ok2 {
			return math.NaN(), nil
		}
		return m - s, nil
	}, nil
}

func stddev(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		d := x - mu
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(xs)))
}

// buildBollinger generalizes MeanReversionStrategy's Bollinger band
// computation (internal/strategy/strategy.go), using math.Sqrt in place
// of the teacher's Newton's-method decimal sqrt since this registry works
// in float64.
func buildBollinger(upper bool) FamilyBuilder {
	return func(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
		period := intParam(params, "period", 20)
		mult := floatParam(params, "mult", 2.0)
		if period < 2 {
			return nil, fmt.Errorf("bollinger: period must be >= 2")
		}
		return func(ctx ComputeContext) (float64, error) {
			xs, ok := closeWindow(ctx, period)
			if !ok {
				return math.NaN(), nil
			}
			mu := mean(xs)
			sd := stddev(xs, mu)
			if upper {
				return mu + mult*sd, nil
			}
			return mu - mult*sd, nil
		}, nil
	}
}

func buildATR(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 14)
	if period < 1 {
		return nil, fmt.Errorf("atr: period must be >= 1")
	}
	return func(ctx ComputeContext) (float64, error) {
		bars := ctx.BarHistory()
		if len(bars) < period+1 {
			return math.NaN(), nil
		}
		start := len(bars) - period
		sum := 0.0
		for i := start; i < len(bars); i++ {
			prevClose := bars[i-1].Close.InexactFloat64()
			high := bars[i].High.InexactFloat64()
			low := bars[i].Low.InexactFloat64()
			tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
			sum += tr
		}
		return sum / float64(period), nil
	}, nil
}

func buildVolumeSMA(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 20)
	if period < 1 {
		return nil, fmt.Errorf("volume_sma: period must be >= 1")
	}
	return func(ctx ComputeContext) (float64, error) {
		bars := ctx.BarHistory()
		if len(bars) < period {
			return math.NaN(), nil
		}
		start := len(bars) - period
		sum := 0.0
		for i := start; i < len(bars); i++ {
			sum += bars[i].Volume.InexactFloat64()
		}
		return sum / float64(period), nil
	}, nil
}

func buildVWAP(_ string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 20)
	if period < 1 {
		return nil, fmt.Errorf("vwap: period must be >= 1")
	}
	return func(ctx ComputeContext) (float64, error) {
		bars := ctx.BarHistory()
		if len(bars) < period {
			return math.NaN(), nil
		}
		start := len(bars) - period
		pvSum, volSum := 0.0, 0.0
		for i := start; i < len(bars); i++ {
			typicalPrice := (bars[i].High.InexactFloat64() + bars[i].Low.InexactFloat64() + bars[i].Close.InexactFloat64()) / 3
			vol := bars[i].Volume.InexactFloat64()
			pvSum += typicalPrice * vol
			volSum += vol
		}
		if volSum == 0 {
			return math.NaN(), nil
		}
		return pvSum / volSum, nil
	}, nil
}

// buildOBV is self-referential: it reads its own prior value via
// FeatureHistory(name, 1), which is only possible because the engine
// records every feature's value into history after computing it.
func buildOBV(name string, _ map[string]float64, _ []string) (ComputeFunc, error) {
	return func(ctx ComputeContext) (float64, error) {
		bars := ctx.BarHistory()
		if len(bars) < 2 {
			return 0, nil
		}
		prev, ok := ctx.FeatureHistory(name, 1)
		if !ok {
			prev = 0
		}
		cur := bars[len(bars)-1]
		prevBar := bars[len(bars)-2]
		vol := cur.Volume.InexactFloat64()
		switch {
		case cur.Close.GreaterThan(prevBar.Close):
			return prev + vol, nil
		case cur.Close.LessThan(prevBar.Close):
			return prev - vol, nil
		default:
			return prev, nil
		}
	}, nil
}

func stochastic(ctx ComputeContext, period int) (float64, bool) {
	bars := ctx.BarHistory()
	if len(bars) < period {
		return 0, false
	}
	start := len(bars) - period
	lowest, highest := bars[start].Low.InexactFloat64(), bars[start].High.InexactFloat64()
	for i := start + 1; i < len(bars); i++ {
		l := bars[i].Low.InexactFloat64()
		h := bars[i].High.InexactFloat64()
		if l < lowest {
			lowest = l
		}
		if h > highest {
			highest = h
		}
	}
	rangeHL := highest - lowest
	if rangeHL == 0 {
		return 50, true
	}
	close := bars[len(bars)-1].Close.InexactFloat64()
	return 100 * (close - lowest) / rangeHL, true
}

func buildStochK(name string, params map[string]float64, _ []string) (ComputeFunc, error) {
	period := intParam(params, "period", 14)
	return func(ctx ComputeContext) (float64, error) {
		v, ok := stochastic(ctx, period)
		if !ok {
			return math.NaN(), nil
		}
		return v, nil
	}, nil
}

// buildStochD smooths %K over a short window using its own history, the
// same self-referential pattern as buildOBV.
func buildStochD(name string, params map[string]float64, deps []string) (ComputeFunc, error) {
	smooth := intParam(params, "smooth", 3)
	if len(deps) != 1 {
		return nil, fmt.Errorf("stoch_d: requires exactly one dependency (the stoch_k feature)")
	}
	kName := deps[0]
	return func(ctx ComputeContext) (float64, error) {
		xs := make([]float64, 0, smooth)
		for k := smooth - 1; k >= 1; k-- {
			v, ok := ctx.FeatureHistory(kName, k)
			if !ok {
				return math.NaN(), nil
			}
			xs = append(xs, v)
		}
		cur, ok := ctx.Feature(kName)
		if !ok {
			return math.NaN(), nil
		}
		xs = append(xs, cur)
		return mean(xs), nil
	}, nil
}

func buildBodyRatio(_ string, _ map[string]float64, _ []string) (ComputeFunc, error) {
	return func(ctx ComputeContext) (float64, error) {
		b := ctx.Bar()
		rng := b.High.Sub(b.Low).InexactFloat64()
		if rng == 0 {
			return 0, nil
		}
		body := b.Close.Sub(b.Open).Abs().InexactFloat64()
		return body / rng, nil
	}, nil
}

func buildUpperWickRatio(_ string, _ map[string]float64, _ []string) (ComputeFunc, error) {
	return func(ctx ComputeContext) (float64, error) {
		b := ctx.Bar()
		rng := b.High.Sub(b.Low).InexactFloat64()
		if rng == 0 {
			return 0, nil
		}
		top := b.Close
		if b.Open.GreaterThan(top) {
			top = b.Open
		}
		wick := b.High.Sub(top).InexactFloat64()
		return wick / rng, nil
	}, nil
}

func buildLowerWickRatio(_ string, _ map[string]float64, _ []string) (ComputeFunc, error) {
	return func(ctx ComputeContext) (float64, error) {
		b := ctx.Bar()
		rng := b.High.Sub(b.Low).InexactFloat64()
		if rng == 0 {
			return 0, nil
		}
		bottom := b.Close
		if b.Open.LessThan(bottom) {
			bottom = b.Open
		}
		wick := bottom.Sub(b.Low).InexactFloat64()
		return wick / rng, nil
	}, nil
}

func buildRangePct(_ string, _ map[string]float64, _ []string) (ComputeFunc, error) {
	return func(ctx ComputeContext) (float64, error) {
		b := ctx.Bar()
		if b.Open.IsZero() {
			return 0, nil
		}
		return b.High.Sub(b.Low).Div(b.Open).InexactFloat64(), nil
	}, nil
}
