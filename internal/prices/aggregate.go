package prices

import (
	"time"

	"osrsprices/internal/model"
)

// rollupFactor is how many native intervals the rolled-up window spans.
const rollupFactor = 3

// sample is one side of one observation.
type sample struct {
	price  *int64
	volume *int64
}

// Aggregate derives the tier view from rows ordered newest first. Raw is the
// newest row. Rolled covers rows within three native intervals of it.
func Aggregate(g model.Granularity, rows []model.Observation) model.TierView {
	tier := model.UnavailableTier(g)
	if len(rows) == 0 {
		return tier
	}

	newest := rows[0]
	tier.AsOf = newest.Timestamp
	tier.Raw = model.NewHighLow(priceOf(newest.High), priceOf(newest.Low))

	cutoff := newest.Timestamp.Add(-rollupFactor * g.Interval())
	window := rollupWindow(rows, cutoff)
	tier.Points = len(window)

	highs := make([]sample, 0, len(window))
	lows := make([]sample, 0, len(window))
	for _, o := range window {
		highs = append(highs, sample{price: o.High, volume: o.HighVolume})
		lows = append(lows, sample{price: o.Low, volume: o.LowVolume})
	}

	// Latest rows only ever record the last trade, so they never carry volume.
	weighted := g.HasVolume()
	tier.Rolled = model.NewHighLow(average(highs, weighted), average(lows, weighted))
	if weighted {
		tier.RawHighVolume = newest.HighVolume
		tier.RawLowVolume = newest.LowVolume
		tier.HighVolume = totalVolume(highs)
		tier.LowVolume = totalVolume(lows)
	}
	return tier
}

func rollupWindow(rows []model.Observation, cutoff time.Time) []model.Observation {
	for i, o := range rows {
		if !o.Timestamp.After(cutoff) {
			return rows[:i]
		}
	}
	return rows
}

// average is the volume-weighted mean of samples that carry a price. It falls
// back to the simple mean when weighting is off or any contributing sample
// lacks volume. Zero total volume is unavailable.
func average(samples []sample, weighted bool) model.Price {
	var (
		n         int
		sum       float64
		weightSum float64
		volumeSum float64
	)
	for _, s := range samples {
		if s.price == nil {
			continue
		}
		n++
		p := float64(*s.price)
		sum += p
		if s.volume == nil {
			weighted = false
			continue
		}
		v := float64(*s.volume)
		weightSum += p * v
		volumeSum += v
	}

	switch {
	case n == 0:
		return model.Unavailable
	case !weighted:
		return model.Available(sum / float64(n))
	case volumeSum == 0:
		return model.Unavailable
	}
	return model.Available(weightSum / volumeSum)
}

func totalVolume(samples []sample) *int64 {
	var (
		total int64
		seen  bool
	)
	for _, s := range samples {
		if s.volume != nil {
			total += *s.volume
			seen = true
		}
	}
	if !seen {
		return nil
	}
	return &total
}

func priceOf(v *int64) model.Price {
	if v == nil {
		return model.Unavailable
	}
	return model.Available(float64(*v))
}
