package stats

import (
	"math"
	"sort"
	"time"

	"brewctl/internal/model"
)

// Summary is a basic statistics snapshot over a sample window.
type Summary struct {
	Count         int
	From          time.Time
	To            time.Time
	AvgTemp       float64
	P95Temp       float64
	MinTemp       float64
	MaxTemp       float64
	AvgMashTemp   float64
	MinMashTemp   float64
	MaxMashTemp   float64
	HeaterDutyPct float64
}

// Summarize computes summary statistics for samples at or after since.
// Samples whose temperatures do not project to numbers still count
// toward the total and the heater duty cycle.
func Summarize(items []model.Sample, since time.Time) Summary {
	cutoff := since.UnixMilli()
	filtered := make([]model.Sample, 0, len(items))
	for _, s := range items {
		if s.Time >= cutoff {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	from := filtered[0].Time
	to := filtered[0].Time
	var temps, mashes []float64
	heaterOn := 0

	for _, s := range filtered {
		if s.Time < from {
			from = s.Time
		}
		if s.Time > to {
			to = s.Time
		}
		if s.Heater != 0 {
			heaterOn++
		}
		if v, ok := s.Temperature.Float(); ok {
			temps = append(temps, v)
		}
		if v, ok := s.MashTemperature.Float(); ok {
			mashes = append(mashes, v)
		}
	}

	out := Summary{
		Count:         len(filtered),
		From:          time.UnixMilli(from).UTC(),
		To:            time.UnixMilli(to).UTC(),
		HeaterDutyPct: 100 * float64(heaterOn) / float64(len(filtered)),
	}
	if len(temps) > 0 {
		out.AvgTemp = mean(temps)
		out.MinTemp, out.MaxTemp = minMax(temps)
		sort.Float64s(temps)
		out.P95Temp = percentile(temps, 0.95)
	}
	if len(mashes) > 0 {
		out.AvgMashTemp = mean(mashes)
		out.MinMashTemp, out.MaxMashTemp = minMax(mashes)
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func minMax(values []float64) (lo, hi float64) {
	lo, hi = values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
