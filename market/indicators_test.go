package market

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMASeries(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	series := emaSeries(prices, 3)

	// Warmup positions are NaN.
	assert.True(t, math.IsNaN(series[0]))
	assert.True(t, math.IsNaN(series[1]))

	// Seed is the SMA of the first 3 values.
	assert.InDelta(t, 2.0, series[2], 1e-9)

	// k = 2/(3+1) = 0.5: ema[3] = 2 + 0.5*(4-2) = 3
	assert.InDelta(t, 3.0, series[3], 1e-9)
	assert.InDelta(t, 4.0, series[4], 1e-9)
}

func TestEMASeriesInsufficientHistory(t *testing.T) {
	series := emaSeries([]float64{1, 2}, 5)
	for _, v := range series {
		assert.True(t, math.IsNaN(v))
	}
}

func TestRSISeries(t *testing.T) {
	tests := []struct {
		name   string
		prices []float64
		want   float64
	}{
		{
			name:   "all gains pins RSI at 100",
			prices: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			want:   100,
		},
		{
			name:   "all losses pins RSI at 0",
			prices: []float64{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			series := rsiSeries(tt.prices, 14)
			got := series[len(series)-1]
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRSISeriesWilderSmoothing(t *testing.T) {
	// Alternating moves should settle near 50.
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100
		if i%2 == 1 {
			prices[i] = 101
		}
	}
	series := rsiSeries(prices, 14)
	got := series[len(series)-1]
	assert.Greater(t, got, 40.0)
	assert.Less(t, got, 60.0)
}

func TestMACDSeries(t *testing.T) {
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}

	line, sig, hist := macdSeries(prices, 12, 26, 9)
	n := len(prices) - 1

	require.False(t, math.IsNaN(line[n]))
	require.False(t, math.IsNaN(sig[n]))
	// In a steady uptrend the MACD line sits above zero.
	assert.Greater(t, line[n], 0.0)
	assert.InDelta(t, line[n]-sig[n], hist[n], 1e-9)
}

func TestATRSeriesConstantRange(t *testing.T) {
	n := 40
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 102
		lows[i] = 100
		closes[i] = 101
	}

	series := atrSeries(highs, lows, closes, 14)
	assert.InDelta(t, 2.0, series[n-1], 1e-9)
}

func TestTailConvertsNaNToNull(t *testing.T) {
	series := []float64{math.NaN(), 1, 2, 3}
	out := tail(series, 4)
	require.Len(t, out, 4)
	assert.Nil(t, out[0])
	require.NotNil(t, out[3])
	assert.Equal(t, 3.0, *out[3])
}

func TestValidateKlines(t *testing.T) {
	mk := func(n int, mutate func(i int, k *Kline)) []Kline {
		klines := make([]Kline, n)
		for i := range klines {
			klines[i] = Kline{
				OpenTime: time.Unix(int64(i*180), 0),
				Open:     100 + float64(i%7),
				High:     101 + float64(i%7),
				Low:      99 + float64(i%7),
				Close:    100.5 + float64(i%7),
				Volume:   5000,
			}
			if mutate != nil {
				mutate(i, &klines[i])
			}
		}
		return klines
	}

	tests := []struct {
		name    string
		klines  []Kline
		wantErr string
	}{
		{"valid window", mk(60, nil), ""},
		{"too short", mk(20, nil), "candles returned"},
		{
			"non-positive price",
			mk(60, func(i int, k *Kline) {
				if i == 10 {
					k.Low = 0
				}
			}),
			"non-positive OHLC",
		},
		{
			"stuck feed",
			mk(60, func(i int, k *Kline) { k.Close = 100 }),
			"unique closes",
		},
		{
			"zero volume",
			mk(60, func(i int, k *Kline) { k.Volume = 0 }),
			"zero volume",
		},
		{
			"thin volume",
			mk(60, func(i int, k *Kline) { k.Volume = 10 }),
			"mean volume",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateKlines(tt.klines)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestComputeIndicatorsIntervalSpecifics(t *testing.T) {
	klines := make([]Kline, 120)
	for i := range klines {
		base := 100 + math.Sin(float64(i)/5)*3
		klines[i] = Kline{
			OpenTime: time.Unix(int64(i*180), 0),
			Open:     base,
			High:     base + 1,
			Low:      base - 1,
			Close:    base + 0.2,
			Volume:   4000 + float64(i%10)*100,
		}
	}

	ltf := computeIndicators(klines, "3m", "4h")
	require.NotNil(t, ltf.RSI7)
	assert.Nil(t, ltf.ATR3)
	assert.Len(t, ltf.PriceSeries, 10)
	assert.Len(t, ltf.RSI7Series, 10)

	htf := computeIndicators(klines, "4h", "4h")
	assert.Nil(t, htf.RSI7)
	require.NotNil(t, htf.ATR3)
	require.NotNil(t, htf.EMA20)
	assert.Greater(t, *htf.EMA20, 0.0)
}

func TestVolumeRatio(t *testing.T) {
	ind := &Indicators{Volume: 300, AvgVolume: 200}
	assert.InDelta(t, 1.5, ind.VolumeRatio(), 1e-9)

	empty := &Indicators{Volume: 300}
	assert.Zero(t, empty.VolumeRatio())
}
