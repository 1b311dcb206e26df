package portfolio

import "ai-perp-trader/decision"

const biasWindow = 20

// sideBias accumulates realized pnl per direction. The rolling window keeps
// the last 20 closes so the average reflects recent behaviour only.
type sideBias struct {
	Rolling           []float64 `json:"rolling"`
	NetPnL            float64   `json:"net_pnl"`
	Trades            int       `json:"trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
}

type directionalBias struct {
	Long  *sideBias `json:"long"`
	Short *sideBias `json:"short"`
}

func newDirectionalBias() directionalBias {
	return directionalBias{Long: &sideBias{}, Short: &sideBias{}}
}

func (b directionalBias) side(direction string) *sideBias {
	switch direction {
	case decision.DirectionLong:
		return b.Long
	case decision.DirectionShort:
		return b.Short
	}
	return nil
}

func (s *sideBias) record(pnl float64) {
	s.Rolling = append(s.Rolling, pnl)
	if len(s.Rolling) > biasWindow {
		s.Rolling = s.Rolling[len(s.Rolling)-biasWindow:]
	}
	s.NetPnL += pnl
	s.Trades++
	switch {
	case pnl > 0:
		s.Wins++
		s.ConsecutiveLosses = 0
	case pnl < 0:
		s.Losses++
		s.ConsecutiveLosses++
	default:
		s.ConsecutiveLosses = 0
	}
}

func (s *sideBias) snapshot() decision.BiasSnapshot {
	var avg float64
	if len(s.Rolling) > 0 {
		var sum float64
		for _, v := range s.Rolling {
			sum += v
		}
		avg = sum / float64(len(s.Rolling))
	}
	return decision.BiasSnapshot{
		Trades:            s.Trades,
		Wins:              s.Wins,
		Losses:            s.Losses,
		NetPnL:            s.NetPnL,
		RollingAvgPnL:     avg,
		ConsecutiveLosses: s.ConsecutiveLosses,
	}
}

func (b directionalBias) metrics() map[string]decision.BiasSnapshot {
	return map[string]decision.BiasSnapshot{
		decision.DirectionLong:  b.Long.snapshot(),
		decision.DirectionShort: b.Short.snapshot(),
	}
}
