package model

import (
	"math"
	"strconv"
	"time"
)

// Price is an aggregated GP value that may be unavailable. Unavailable prices
// never raise: Cost treats them as infinitely expensive and Revenue as zero.
type Price struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

// Unavailable is the sentinel for missing price data.
var Unavailable = Price{}

// Available wraps a known value.
func Available(v float64) Price {
	return Price{Value: v, Valid: true}
}

// Cost is the value to use when minimising spend.
func (p Price) Cost() float64 {
	if !p.Valid {
		return math.Inf(1)
	}
	return p.Value
}

// Revenue is the value to use when summing income.
func (p Price) Revenue() float64 {
	if !p.Valid {
		return 0
	}
	return p.Value
}

func (p Price) String() string {
	if !p.Valid {
		return "N/A"
	}
	return strconv.FormatFloat(p.Value, 'f', 2, 64)
}

// HighLow is a pair of buy/sell side prices plus their combined mid price.
type HighLow struct {
	High Price `json:"high"`
	Low  Price `json:"low"`
	Mid  Price `json:"mid"`
}

// Midpoint combines high and low: their mean when both are known, otherwise
// whichever side exists.
func Midpoint(high, low Price) Price {
	switch {
	case high.Valid && low.Valid:
		return Available((high.Value + low.Value) / 2)
	case high.Valid:
		return high
	case low.Valid:
		return low
	}
	return Unavailable
}

// NewHighLow builds a pair and derives its mid price.
func NewHighLow(high, low Price) HighLow {
	return HighLow{High: high, Low: low, Mid: Midpoint(high, low)}
}

// TierView holds the raw and rolled-up prices of one granularity.
// RawHighVolume and RawLowVolume belong to the newest row; HighVolume and
// LowVolume are summed over the rolled window.
type TierView struct {
	Granularity   Granularity `json:"granularity"`
	Raw           HighLow     `json:"raw"`
	Rolled        HighLow     `json:"rolled"`
	RawHighVolume *int64      `json:"raw_high_volume,omitempty"`
	RawLowVolume  *int64      `json:"raw_low_volume,omitempty"`
	HighVolume    *int64      `json:"high_volume,omitempty"`
	LowVolume     *int64      `json:"low_volume,omitempty"`
	AsOf          time.Time   `json:"as_of"`
	Points        int         `json:"points"`
}

// UnavailableTier is a tier with no data.
func UnavailableTier(g Granularity) TierView {
	return TierView{Granularity: g}
}

// PriceView is the read-only multi-timeframe price snapshot for one item.
type PriceView struct {
	ItemID int                      `json:"item_id"`
	Item   *Item                    `json:"item,omitempty"`
	Tiers  map[Granularity]TierView `json:"tiers"`
}

// NewPriceView returns a view with every tier unavailable.
func NewPriceView(itemID int) *PriceView {
	v := &PriceView{ItemID: itemID, Tiers: make(map[Granularity]TierView, len(Granularities))}
	for _, g := range Granularities {
		v.Tiers[g] = UnavailableTier(g)
	}
	return v
}

// Tier returns the tier view for g, unavailable when absent.
func (v *PriceView) Tier(g Granularity) TierView {
	if t, ok := v.Tiers[g]; ok {
		return t
	}
	return UnavailableTier(g)
}
