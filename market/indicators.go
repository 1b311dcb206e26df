package market

import "math"

// Indicator series math. Values that cannot be computed for lack of history
// are NaN in the raw series and become null once they cross a JSON boundary.

// emaSeries computes an exponential moving average with smoothing 2/(period+1),
// seeded with the SMA of the first period values.
func emaSeries(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if len(prices) < period || period <= 0 {
		return out
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema

	k := 2.0 / float64(period+1)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*k + ema
		out[i] = ema
	}
	return out
}

// rsiSeries computes RSI with Wilder smoothing (EMA with alpha = 1/period).
func rsiSeries(prices []float64, period int) []float64 {
	out := nanSeries(len(prices))
	if len(prices) < period+1 || period <= 0 {
		return out
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgGain == 0 {
		return 0
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// macdSeries returns the MACD line (EMA12-EMA26), signal (EMA9 of the line)
// and histogram series.
func macdSeries(prices []float64, fast, slow, signal int) (line, sig, hist []float64) {
	line = nanSeries(len(prices))
	sig = nanSeries(len(prices))
	hist = nanSeries(len(prices))
	if len(prices) < slow {
		return line, sig, hist
	}

	emaFast := emaSeries(prices, fast)
	emaSlow := emaSeries(prices, slow)
	for i := range prices {
		if !math.IsNaN(emaFast[i]) && !math.IsNaN(emaSlow[i]) {
			line[i] = emaFast[i] - emaSlow[i]
		}
	}

	// Signal EMA runs over the valid portion of the MACD line.
	valid := line[slow-1:]
	sigValid := emaSeries(valid, signal)
	for i, v := range sigValid {
		sig[slow-1+i] = v
	}

	for i := range prices {
		if !math.IsNaN(line[i]) && !math.IsNaN(sig[i]) {
			hist[i] = line[i] - sig[i]
		}
	}
	return line, sig, hist
}

// atrSeries computes the average true range with Wilder smoothing.
func atrSeries(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	out := nanSeries(n)
	if n < period+1 || period <= 0 {
		return out
	}

	tr := make([]float64, n)
	tr[0] = highs[0] - lows[0]
	for i := 1; i < n; i++ {
		hl := highs[i] - lows[i]
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	var sum float64
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr := sum / float64(period)
	out[period] = atr

	alpha := 1.0 / float64(period)
	for i := period + 1; i < n; i++ {
		atr = atr*(1-alpha) + tr[i]*alpha
		out[i] = atr
	}
	return out
}

// rollingMean computes a rolling mean with the given window, using as many
// values as available for the leading edge.
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
			out[i] = sum / float64(window)
		} else {
			out[i] = sum / float64(i+1)
		}
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// tail returns the last n values of a raw series as nullable floats, NaN and
// infinities mapped to null for the JSON boundary.
func tail(series []float64, n int) []*float64 {
	start := len(series) - n
	if start < 0 {
		start = 0
	}
	out := make([]*float64, 0, len(series)-start)
	for _, v := range series[start:] {
		out = append(out, nullable(v))
	}
	return out
}

// last returns the final value of a series as a nullable float.
func last(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	return nullable(series[len(series)-1])
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	f := v
	return &f
}
