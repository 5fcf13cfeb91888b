// Package summary computes yearly statistics over a 366-slot price series.
package summary

import (
	"math"

	"github.com/aristath/pricehub/internal/domain"
	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"
)

const (
	smaPeriod = 20
	rsiPeriod = 14
)

// Summary describes one (symbol, year) series
type Summary struct {
	SMA20           *float64 `json:"sma_20,omitempty"`
	RSI14           *float64 `json:"rsi_14,omitempty"`
	MaxDrawdown     *float64 `json:"max_drawdown,omitempty"`
	Symbol          string   `json:"symbol"`
	Year            int      `json:"year"`
	Days            int      `json:"days"`
	FirstDay        int      `json:"first_day"`
	LastDay         int      `json:"last_day"`
	FirstClose      float64  `json:"first_close"`
	LastClose       float64  `json:"last_close"`
	High            float64  `json:"high"`
	Low             float64  `json:"low"`
	TotalVolume     float64  `json:"total_volume"`
	TotalReturn     float64  `json:"total_return"`
	MeanDailyReturn float64  `json:"mean_daily_return"`
	StdDailyReturn  float64  `json:"std_daily_return"`
}

// Compute summarises the filled slots of blob
func Compute(symbol string, year int, blob domain.YearBlob) Summary {
	s := Summary{Symbol: symbol, Year: year}

	records := blob.Records()
	if len(records) == 0 {
		return s
	}

	closes := make([]float64, len(records))
	s.High = math.Inf(-1)
	s.Low = math.Inf(1)
	for i, rec := range records {
		closes[i] = rec.Close
		s.High = math.Max(s.High, rec.High)
		s.Low = math.Min(s.Low, rec.Low)
		s.TotalVolume += rec.Volume
	}

	s.Days = len(records)
	s.FirstDay = records[0].Day
	s.LastDay = records[len(records)-1].Day
	s.FirstClose = closes[0]
	s.LastClose = closes[len(closes)-1]
	if s.FirstClose != 0 {
		s.TotalReturn = (s.LastClose - s.FirstClose) / s.FirstClose
	}

	returns := dailyReturns(closes)
	if len(returns) > 0 {
		s.MeanDailyReturn = stat.Mean(returns, nil)
	}
	if len(returns) > 1 {
		s.StdDailyReturn = stat.StdDev(returns, nil)
	}

	s.SMA20 = lastValid(closes, smaPeriod, talib.Sma)
	if len(closes) > rsiPeriod {
		s.RSI14 = lastValid(closes, rsiPeriod, talib.Rsi)
	}
	s.MaxDrawdown = maxDrawdown(closes)
	return s
}

// dailyReturns converts closes to simple returns, skipping zero denominators
func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	return returns
}

func lastValid(closes []float64, period int, indicator func([]float64, int) []float64) *float64 {
	if len(closes) < period {
		return nil
	}
	values := indicator(closes, period)
	if len(values) == 0 {
		return nil
	}
	last := values[len(values)-1]
	if math.IsNaN(last) || math.IsInf(last, 0) {
		return nil
	}
	return &last
}

// maxDrawdown returns the largest peak-to-trough loss as a positive fraction
func maxDrawdown(closes []float64) *float64 {
	if len(closes) < 2 {
		return nil
	}
	worst := 0.0
	peak := closes[0]
	for _, price := range closes {
		if price > peak {
			peak = price
		}
		if peak > 0 {
			if dd := (peak - price) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return &worst
}
