// Package market fetches prices, candles, open interest and funding data and
// computes the indicator bundles the decision pipeline consumes.
package market

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"ai-perp-trader/logger"
	"ai-perp-trader/store"
)

const (
	indicatorTailLength = 10
	indicatorWarmup     = 50
	defaultKlineLimit   = 100
	minAvgVolume        = 1000.0
)

// Indicators is the per-coin, per-interval bundle. Nil pointers mean the
// value could not be computed from the available history.
type Indicators struct {
	CurrentPrice float64 `json:"current_price"`

	EMA20 *float64 `json:"ema_20"`
	EMA50 *float64 `json:"ema_50"`
	RSI14 *float64 `json:"rsi_14"`
	RSI7  *float64 `json:"rsi_7,omitempty"`

	MACD          *float64 `json:"macd"`
	MACDSignal    *float64 `json:"macd_signal"`
	MACDHistogram *float64 `json:"macd_histogram"`

	ATR14 *float64 `json:"atr_14"`
	ATR3  *float64 `json:"atr_3,omitempty"`

	Volume    float64 `json:"volume"`
	AvgVolume float64 `json:"avg_volume"`

	PriceSeries []*float64 `json:"price_series"`
	EMA20Series []*float64 `json:"ema_20_series"`
	RSI14Series []*float64 `json:"rsi_14_series"`
	RSI7Series  []*float64 `json:"rsi_7_series,omitempty"`
	MACDSeries  []*float64 `json:"macd_series"`
}

// VolumeRatio is current volume over the 20-period rolling mean; 0 when the
// mean is unavailable.
func (ind *Indicators) VolumeRatio() float64 {
	if ind == nil || ind.AvgVolume <= 0 {
		return 0
	}
	return ind.Volume / ind.AvgVolume
}

// Sentiment bundles the futures-side context for a coin.
type Sentiment struct {
	OpenInterest    float64 `json:"open_interest"`
	OpenInterestAvg float64 `json:"open_interest_avg"`
	FundingRate     float64 `json:"funding_rate"`
}

// Provider fetches market data for the configured coins.
type Provider struct {
	spotURL    string
	futuresURL string
	coins      []string
	client     *restClient
	limiter    *rate.Limiter
	store      *store.Store
	htf        string
	log        zerolog.Logger
}

func NewProvider(coins []string, htfInterval string, st *store.Store) *Provider {
	return &Provider{
		spotURL:    defaultSpotURL,
		futuresURL: defaultFuturesURL,
		coins:      coins,
		client:     newRESTClient(10 * time.Second),
		limiter:    rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
		store:      st,
		htf:        htfInterval,
		log:        logger.New("market"),
	}
}

func (p *Provider) Coins() []string { return p.coins }

// HTFInterval is the higher timeframe used for trend classification.
func (p *Provider) HTFInterval() string { return p.htf }

// Prices returns a price for every configured coin, falling back through the
// 1m close, the 3m close, and the last persisted position price before giving
// up with 0.0. Per-coin requests are spaced 100 ms apart.
func (p *Provider) Prices(ctx context.Context) map[string]float64 {
	prices := make(map[string]float64, len(p.coins))
	for _, coin := range p.coins {
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}

		price, err := p.tickerPrice(ctx, coin)
		if err != nil || price <= 0 {
			p.log.Warn().Str("coin", coin).Err(err).Msg("ticker price unavailable, trying fallbacks")
			price = p.fallbackPrice(ctx, coin)
		}
		prices[coin] = price
	}
	return prices
}

func (p *Provider) tickerPrice(ctx context.Context, coin string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", coin+"USDT")

	var out struct {
		Price string `json:"price"`
	}
	if err := p.client.getJSON(ctx, p.spotURL, "/ticker/price", params, &out); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out.Price, 64)
}

func (p *Provider) fallbackPrice(ctx context.Context, coin string) float64 {
	for _, interval := range []string{"1m", "3m"} {
		klines, err := p.fetchKlines(ctx, coin, interval, 1)
		if err == nil && len(klines) > 0 {
			price := klines[len(klines)-1].Close
			if price > 0 {
				p.log.Info().Str("coin", coin).Str("interval", interval).Float64("price", price).
					Msg("using kline close as fallback price")
				return price
			}
		}
	}

	if price := p.cachedPositionPrice(coin); price > 0 {
		p.log.Info().Str("coin", coin).Float64("price", price).Msg("using cached position price")
		return price
	}

	p.log.Warn().Str("coin", coin).Msg("all price fallbacks failed, price set to 0")
	return 0
}

func (p *Provider) cachedPositionPrice(coin string) float64 {
	if p.store == nil {
		return 0
	}
	var state struct {
		Positions map[string]struct {
			CurrentPrice float64 `json:"current_price"`
		} `json:"positions"`
	}
	ok, err := p.store.Read(store.DocPortfolioState, &state)
	if err != nil || !ok {
		return 0
	}
	if pos, found := state.Positions[coin]; found {
		return pos.CurrentPrice
	}
	return 0
}

// Klines fetches and validates a candle window. The fetched window is
// limit + tail history + indicator warmup; validation failures retry with
// exponential backoff before surfacing ErrInsufficientData.
func (p *Provider) Klines(ctx context.Context, coin, interval string, limit int) ([]Kline, error) {
	fetchLimit := limit + indicatorTailLength + indicatorWarmup
	bo := &backoff.Backoff{Min: time.Second, Max: 4 * time.Second, Factor: 2}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		klines, err := p.fetchKlines(ctx, coin, interval, fetchLimit)
		if err == nil {
			verr := validateKlines(klines)
			if verr == nil {
				return klines, nil
			}
			lastErr = verr
			p.log.Warn().Str("coin", coin).Str("interval", interval).Int("attempt", attempt+1).
				Err(verr).Msg("kline validation failed")
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return nil, fmt.Errorf("%w for %s %s: %v", ErrInsufficientData, coin, interval, lastErr)
}

func (p *Provider) fetchKlines(ctx context.Context, coin, interval string, limit int) ([]Kline, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", coin+"USDT")
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]interface{}
	if err := p.client.getJSONRetry(ctx, p.spotURL, "/klines", params, &raw); err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// validateKlines refuses payloads that look like a broken or illiquid feed.
func validateKlines(klines []Kline) error {
	if len(klines) < indicatorWarmup {
		return fmt.Errorf("only %d candles returned", len(klines))
	}

	unique := make(map[float64]struct{}, 4)
	var totalVolume float64
	for _, k := range klines {
		if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
			return fmt.Errorf("non-positive OHLC at %s", k.OpenTime.Format(time.RFC3339))
		}
		if len(unique) < 3 {
			unique[k.Close] = struct{}{}
		}
		totalVolume += k.Volume
	}
	if len(unique) < 3 {
		return fmt.Errorf("stuck feed: fewer than 3 unique closes")
	}
	if totalVolume == 0 {
		return fmt.Errorf("zero volume over window")
	}
	if totalVolume/float64(len(klines)) < minAvgVolume {
		return fmt.Errorf("mean volume %.0f below %.0f", totalVolume/float64(len(klines)), minAvgVolume)
	}
	return nil
}

// Indicators computes the indicator bundle for one coin and interval.
func (p *Provider) Indicators(ctx context.Context, coin, interval string) (*Indicators, error) {
	klines, err := p.Klines(ctx, coin, interval, defaultKlineLimit)
	if err != nil {
		return nil, err
	}
	return computeIndicators(klines, interval, p.htf), nil
}

func computeIndicators(klines []Kline, interval, htf string) *Indicators {
	n := len(klines)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		volumes[i] = k.Volume
	}

	ema20 := emaSeries(closes, 20)
	ema50 := emaSeries(closes, 50)
	rsi14 := rsiSeries(closes, 14)
	macdLine, macdSig, macdHist := macdSeries(closes, 12, 26, 9)
	atr14 := atrSeries(highs, lows, closes, 14)
	avgVol := rollingMean(volumes, 20)

	ind := &Indicators{
		CurrentPrice:  closes[n-1],
		EMA20:         last(ema20),
		EMA50:         last(ema50),
		RSI14:         last(rsi14),
		MACD:          last(macdLine),
		MACDSignal:    last(macdSig),
		MACDHistogram: last(macdHist),
		ATR14:         last(atr14),
		Volume:        volumes[n-1],
		AvgVolume:     avgVol[n-1],
		PriceSeries:   tail(closes, indicatorTailLength),
		EMA20Series:   tail(ema20, indicatorTailLength),
		RSI14Series:   tail(rsi14, indicatorTailLength),
		MACDSeries:    tail(macdLine, indicatorTailLength),
	}

	if interval == "3m" {
		rsi7 := rsiSeries(closes, 7)
		ind.RSI7 = last(rsi7)
		ind.RSI7Series = tail(rsi7, indicatorTailLength)
	}
	if interval == htf {
		ind.ATR3 = last(atrSeries(highs, lows, closes, 3))
	}
	return ind
}

// OpenInterest fetches the latest futures open interest for a coin.
func (p *Provider) OpenInterest(ctx context.Context, coin string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", coin+"USDT")

	var out struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := p.client.getJSON(ctx, p.futuresURL, "/openInterest", params, &out); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(out.OpenInterest, 64)
}

// FundingRate fetches the latest funding rate, falling back to the predicted
// next rate when the last one is absent.
func (p *Provider) FundingRate(ctx context.Context, coin string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	params := url.Values{}
	params.Set("symbol", coin+"USDT")

	var out struct {
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
	}
	if err := p.client.getJSON(ctx, p.futuresURL, "/premiumIndex", params, &out); err != nil {
		return 0, err
	}
	if out.LastFundingRate != "" {
		return strconv.ParseFloat(out.LastFundingRate, 64)
	}
	if out.NextFundingRate != "" {
		return strconv.ParseFloat(out.NextFundingRate, 64)
	}
	return 0, nil
}

// Sentiment bundles open interest and funding for the prompt context. Errors
// degrade to zeros; sentiment is informational only.
func (p *Provider) Sentiment(ctx context.Context, coin string) Sentiment {
	oi, err := p.OpenInterest(ctx, coin)
	if err != nil {
		p.log.Debug().Str("coin", coin).Err(err).Msg("open interest unavailable")
	}
	fr, err := p.FundingRate(ctx, coin)
	if err != nil {
		p.log.Debug().Str("coin", coin).Err(err).Msg("funding rate unavailable")
	}
	return Sentiment{OpenInterest: oi, OpenInterestAvg: oi, FundingRate: fr}
}
