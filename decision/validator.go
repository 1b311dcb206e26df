package decision

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"ai-perp-trader/config"
	"ai-perp-trader/logger"
)

// Confidence pipeline constants.
const (
	volumePenaltyThreshold = 0.30
	volumePenaltyFactor    = 0.7
	counterTrendFloor      = 0.75
	counterTrendMinChecks  = 3
	trendFollowMinRatio    = 0.5
	trendFollowBoostRatio  = 0.8
	trendFollowBoost       = 0.05
	emaProximityPct        = 0.01
	rsiExtremeLong         = 25.0
	rsiExtremeShort        = 75.0
	shortEnhanceRSI        = 70.0
	strongVolumeRatio      = 1.5
	minEntryLeverage       = 8
	maxEntryLeverage       = 10
)

// Validator classifies and scores AI entry signals.
type Validator struct {
	cfg *config.Config
	log zerolog.Logger
}

func NewValidator(cfg *config.Config) *Validator {
	return &Validator{cfg: cfg, log: logger.New("validator")}
}

// Evaluate runs the full validation pipeline for one entry signal. A nil LTF
// or HTF bundle (data quarantined this cycle) vetoes the entry.
func (v *Validator) Evaluate(dec Decision, ctx Context) Verdict {
	verdict := Verdict{
		Direction:      dec.Direction(),
		Confidence:     dec.Confidence,
		SizeMultiplier: 1.0,
	}

	if !dec.IsEntry() {
		return veto(verdict, "not an entry signal")
	}
	if ctx.LTF == nil || ctx.HTF == nil {
		return veto(verdict, "market data unavailable for "+ctx.Coin)
	}

	verdict.Leverage = clampLeverage(dec.Leverage, v.cfg.MaxLeverage)
	verdict.CounterTrend = isCounterTrend(verdict.Direction, ctx.HTFTrend)

	// 1. Volume-ratio penalty.
	ratio := ctx.LTF.VolumeRatio()
	if ratio > 0 && ratio <= volumePenaltyThreshold {
		verdict.Confidence *= volumePenaltyFactor
		v.log.Info().Str("coin", ctx.Coin).Float64("ratio", ratio).
			Float64("confidence", verdict.Confidence).Msg("weak volume, confidence reduced")
		if verdict.Confidence < v.cfg.MinConfidence {
			return veto(verdict, fmt.Sprintf("volume ratio %.2f pushed confidence below %.2f", ratio, v.cfg.MinConfidence))
		}
	}

	// 2. Directional-bias adjustment.
	verdict.Confidence = v.applyDirectionalBias(verdict.Direction, verdict.Confidence, ctx)
	if verdict.Confidence < v.cfg.MinConfidence {
		return veto(verdict, fmt.Sprintf("directional bias pushed confidence below %.2f", v.cfg.MinConfidence))
	}

	// 3. Counter-trend gates.
	if verdict.CounterTrend {
		if verdict.Confidence < counterTrendFloor {
			return veto(verdict, fmt.Sprintf("counter-trend confidence %.2f below %.2f floor", verdict.Confidence, counterTrendFloor))
		}
		if ctx.RecentFlip {
			return veto(verdict, "trend flipped recently, counter-trend entry in cooldown")
		}
		verdict.ConditionsMet = v.countCounterTrendConditions(verdict.Direction, ctx)
		if verdict.ConditionsMet < counterTrendMinChecks {
			return veto(verdict, fmt.Sprintf("only %d/5 counter-trend conditions met", verdict.ConditionsMet))
		}
	} else if v.isTrendFollowing(verdict.Direction, ctx) && ratio >= trendFollowMinRatio {
		// 4. Trend-following path.
		if ratio < trendFollowBoostRatio {
			verdict.PartialMargin = true
		} else {
			verdict.Confidence = math.Min(1.0, verdict.Confidence+trendFollowBoost)
		}
	}

	// 5. Coin-specific stop-loss shaping, relative to the current price.
	if dec.StopLoss != nil {
		verdict.StopLoss = v.rescaleStopLoss(ctx.Coin, verdict.Direction, ctx.LTF.CurrentPrice, *dec.StopLoss)
	}

	// 6. Short enhancement.
	if verdict.Direction == DirectionShort &&
		ctx.LTF.RSI14 != nil && *ctx.LTF.RSI14 > shortEnhanceRSI &&
		ratio > strongVolumeRatio &&
		ctx.HTFTrend == TrendBearish {
		verdict.SizeMultiplier = v.cfg.ShortEnhancementMult
	}

	if verdict.Confidence < v.cfg.MinConfidence {
		return veto(verdict, fmt.Sprintf("confidence %.2f below minimum %.2f", verdict.Confidence, v.cfg.MinConfidence))
	}
	return verdict
}

func veto(v Verdict, reason string) Verdict {
	v.Vetoed = true
	v.Reason = reason
	return v
}

// clampLeverage applies the default, the absolute cap, and the entry clamp.
func clampLeverage(lev, maxLeverage int) int {
	if lev <= 0 {
		lev = maxEntryLeverage
	}
	if lev > maxLeverage {
		lev = maxLeverage
	}
	if lev < minEntryLeverage {
		lev = minEntryLeverage
	}
	if lev > maxEntryLeverage {
		lev = maxEntryLeverage
	}
	return lev
}

func isCounterTrend(direction, htfTrend string) bool {
	return (direction == DirectionLong && htfTrend == TrendBearish) ||
		(direction == DirectionShort && htfTrend == TrendBullish)
}

// applyDirectionalBias adjusts confidence from the side's realized-pnl ring.
func (v *Validator) applyDirectionalBias(direction string, confidence float64, ctx Context) float64 {
	bias, ok := ctx.Bias[direction]
	if !ok {
		return confidence
	}

	if bias.ConsecutiveLosses >= 3 {
		confidence *= 0.9
	}

	aligned := (direction == DirectionLong && ctx.HTFTrend == TrendBullish) ||
		(direction == DirectionShort && ctx.HTFTrend == TrendBearish)

	switch {
	case ctx.HTFTrend == TrendNeutral:
		confidence *= 0.9
	case aligned && bias.RollingAvgPnL > 0:
		confidence = math.Min(1.0, confidence*1.05)
	case !aligned && ctx.HTFTrend != TrendUnknown:
		confidence *= 0.9
	}

	if bias.RollingAvgPnL < 0 {
		confidence *= 0.93
	}
	return confidence
}

// ChecklistScores scores the counter-trend checklist for both directions,
// for display in the prompt.
func (v *Validator) ChecklistScores(ctx Context) (longScore, shortScore int) {
	if ctx.LTF == nil {
		return 0, 0
	}
	return v.countCounterTrendConditions(DirectionLong, ctx),
		v.countCounterTrendConditions(DirectionShort, ctx)
}

// countCounterTrendConditions scores the 5-point checklist.
func (v *Validator) countCounterTrendConditions(direction string, ctx Context) int {
	ltf := ctx.LTF
	if ltf.EMA20 == nil {
		return 0
	}
	price := ltf.CurrentPrice
	ema := *ltf.EMA20
	count := 0

	// 3m momentum supports the counter direction.
	if (direction == DirectionLong && price > ema) || (direction == DirectionShort && price < ema) {
		count++
	}

	if ltf.VolumeRatio() > strongVolumeRatio {
		count++
	}

	if ltf.RSI14 != nil {
		if (direction == DirectionLong && *ltf.RSI14 < rsiExtremeLong) ||
			(direction == DirectionShort && *ltf.RSI14 > rsiExtremeShort) {
			count++
		}
	}

	if ema > 0 && math.Abs(price-ema)/ema <= emaProximityPct {
		count++
	}

	if ltf.MACD != nil && ltf.MACDSignal != nil {
		if (direction == DirectionLong && *ltf.MACD > *ltf.MACDSignal) ||
			(direction == DirectionShort && *ltf.MACD < *ltf.MACDSignal) {
			count++
		}
	}
	return count
}

// isTrendFollowing reports whether both timeframes agree with the direction.
func (v *Validator) isTrendFollowing(direction string, ctx Context) bool {
	htfAligned := (direction == DirectionLong && ctx.HTFTrend == TrendBullish) ||
		(direction == DirectionShort && ctx.HTFTrend == TrendBearish)
	if !htfAligned {
		return false
	}

	ltf := ctx.LTF
	if ltf == nil || ltf.EMA20 == nil {
		return false
	}
	price := ltf.CurrentPrice
	ema := *ltf.EMA20
	return (direction == DirectionLong && price > ema) ||
		(direction == DirectionShort && price < ema)
}

// rescaleStopLoss shrinks or widens the stop's distance from the reference
// price by the per-coin multiplier.
func (v *Validator) rescaleStopLoss(coin, direction string, ref, stop float64) *float64 {
	mult := v.cfg.StopLossMultiplier(coin)
	var adjusted float64
	if direction == DirectionLong {
		adjusted = ref - (ref-stop)*mult
	} else {
		adjusted = ref + (stop-ref)*mult
	}
	return &adjusted
}
