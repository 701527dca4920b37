package model

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is one of the three temporal resolutions prices are collected at.
type Granularity string

const (
	Latest     Granularity = "latest"
	FiveMinute Granularity = "5m"
	OneHour    Granularity = "1h"
)

// Granularities lists every tier in ascending window order.
var Granularities = []Granularity{Latest, FiveMinute, OneHour}

// ParseGranularity accepts the canonical names plus the common aliases used by
// the CLI and callers ("5min", "five-minute", "1hr", "hour", ...).
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "latest", "instant", "1m":
		return Latest, nil
	case "5m", "5min", "five-minute", "five_minute", "fiveminute":
		return FiveMinute, nil
	case "1h", "1hr", "hour", "one-hour", "one_hour", "onehour":
		return OneHour, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Valid reports whether g is a known tier.
func (g Granularity) Valid() bool {
	switch g {
	case Latest, FiveMinute, OneHour:
		return true
	}
	return false
}

// Table is the physical table backing the tier.
func (g Granularity) Table() string {
	switch g {
	case Latest:
		return "prices_latest"
	case FiveMinute:
		return "prices_5m"
	case OneHour:
		return "prices_1h"
	}
	return ""
}

// Interval is the native window of one row.
func (g Granularity) Interval() time.Duration {
	switch g {
	case Latest:
		return time.Minute
	case FiveMinute:
		return 5 * time.Minute
	case OneHour:
		return time.Hour
	}
	return 0
}

// HasVolume reports whether rows of this tier carry trade volume.
func (g Granularity) HasVolume() bool {
	return g == FiveMinute || g == OneHour
}

// HighColumn is the column holding the high (instant-buy) price.
func (g Granularity) HighColumn() string {
	if g == Latest {
		return "high"
	}
	return "avg_high_price"
}

// LowColumn is the column holding the low (instant-sell) price.
func (g Granularity) LowColumn() string {
	if g == Latest {
		return "low"
	}
	return "avg_low_price"
}

// HighVolumeColumn is empty for tiers without volume.
func (g Granularity) HighVolumeColumn() string {
	if !g.HasVolume() {
		return ""
	}
	return "high_price_volume"
}

// LowVolumeColumn is empty for tiers without volume.
func (g Granularity) LowVolumeColumn() string {
	if !g.HasVolume() {
		return ""
	}
	return "low_price_volume"
}

// CoreColumns are the typed columns every table of this tier always has.
func (g Granularity) CoreColumns() map[string]ColumnType {
	cols := map[string]ColumnType{
		g.HighColumn(): Integer,
		g.LowColumn():  Integer,
	}
	if g.HasVolume() {
		cols[g.HighVolumeColumn()] = Integer
		cols[g.LowVolumeColumn()] = Integer
	} else {
		cols["high_time"] = Integer
		cols["low_time"] = Integer
	}
	return cols
}
