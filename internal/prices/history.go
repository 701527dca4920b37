package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"osrsprices/internal/database"
	"osrsprices/internal/model"
)

// msEpochThreshold separates second epochs from millisecond epochs.
const msEpochThreshold = 1e12

// Unix seconds of 0001-01-01T00:00:00Z and 9999-12-31T23:59:59Z.
const (
	minEpochSeconds = -62135596800
	maxEpochSeconds = 253402300799
)

// RangeQuery selects observations of one item and tier. Start and End accept
// anything NormalizeTime does; a nil End means now.
type RangeQuery struct {
	ItemID      int
	Granularity string
	Start       any
	End         any
	Limit       int
	Descending  bool
}

// QueryRange returns the observations with Start <= timestamp <= End in
// chronological order unless Descending is set. Unlike Load it reports bad
// input and missing history as a ValidationError.
func (r *Reader) QueryRange(ctx context.Context, q RangeQuery) ([]model.Observation, error) {
	if q.ItemID <= 0 {
		return nil, &ValidationError{Field: "item_id", Message: fmt.Sprintf("%d is not an item id", q.ItemID)}
	}
	g, err := model.ParseGranularity(q.Granularity)
	if err != nil {
		return nil, &ValidationError{Field: "granularity", Message: err.Error()}
	}
	if q.Limit < 0 {
		return nil, &ValidationError{Field: "limit", Message: "must not be negative"}
	}

	start, err := NormalizeTime(q.Start)
	if err != nil {
		return nil, &ValidationError{Field: "start", Message: err.Error()}
	}
	end := r.now().UTC()
	if q.End != nil {
		if end, err = NormalizeTime(q.End); err != nil {
			return nil, &ValidationError{Field: "end", Message: err.Error()}
		}
	}
	if start.After(end) {
		return nil, &ValidationError{
			Field:   "start",
			Message: fmt.Sprintf("%s is after end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}

	has, err := r.store.HasObservations(ctx, g, q.ItemID)
	if err != nil {
		var schemaErr *database.SchemaError
		if errors.As(err, &schemaErr) {
			return nil, &ValidationError{Field: "granularity", Message: fmt.Sprintf("no %s table exists", schemaErr.Table)}
		}
		return nil, fmt.Errorf("check history: %w", err)
	}
	if !has {
		return nil, &ValidationError{Field: "item_id", Message: fmt.Sprintf("item %d has no %s history", q.ItemID, g)}
	}

	obs, err := r.store.ObservationsInRange(ctx, g, q.ItemID, start, end, q.Limit, q.Descending)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	if obs == nil {
		obs = []model.Observation{}
	}
	return obs, nil
}

// NormalizeTime converts a time.Time, a date string or a Unix epoch in seconds
// or milliseconds into a UTC time. Strings without a zone are read as UTC.
func NormalizeTime(v any) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, errors.New("time is required")
	case time.Time:
		return val.UTC(), nil
	case *time.Time:
		if val == nil {
			return time.Time{}, errors.New("time is required")
		}
		return val.UTC(), nil
	case int:
		return fromEpoch(float64(val))
	case int64:
		return fromEpoch(float64(val))
	case int32:
		return fromEpoch(float64(val))
	case float64:
		return fromEpoch(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch %q: %w", val, err)
		}
		return fromEpoch(f)
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, errors.New("time is required")
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		t, err := cast.ToTimeInDefaultLocationE(s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value of type %T", v)
}

// fromEpoch reads f as Unix seconds, or milliseconds past msEpochThreshold.
// Results outside years 1 through 9999 are rejected.
func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("epoch %v is not finite", f)
	}
	ms := math.Abs(f) >= msEpochThreshold
	sec := f
	if ms {
		sec = f / 1000
	}
	if sec < minEpochSeconds || sec > maxEpochSeconds {
		return time.Time{}, fmt.Errorf("epoch %v is out of range", f)
	}

	if ms {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	whole, frac := math.Modf(f)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
