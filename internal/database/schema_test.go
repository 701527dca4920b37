package database

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"osrsprices/internal/model"
)

func jsonRaw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestInferColumns(t *testing.T) {
	records := []model.Record{
		{Fields: map[string]any{"high": int64(1), "spread": int64(2), "flag": true, "note": nil}},
		{Fields: map[string]any{"high": int64(3), "spread": 2.5, "flag": int64(1), "label": "x"}},
	}

	cols := InferColumns(records)
	assert.Equal(t, map[string]model.ColumnType{
		"high":   model.Integer,
		"spread": model.Numeric,
		"flag":   model.Text,
		"label":  model.Text,
	}, cols)
}

func TestInferColumns_Deterministic(t *testing.T) {
	a := model.Record{Fields: map[string]any{"v": int64(1)}}
	b := model.Record{Fields: map[string]any{"v": 1.5}}
	assert.Equal(t, InferColumns([]model.Record{a, b}), InferColumns([]model.Record{b, a}))
}

func TestDesiredColumns_CoreTypesFixed(t *testing.T) {
	records := []model.Record{{Fields: map[string]any{"avg_high_price": 10.5}}}
	cols := desiredColumns(model.FiveMinute, records)
	assert.Equal(t, model.Integer, cols["avg_high_price"])
	assert.Equal(t, model.Integer, cols["low_price_volume"])
}

func TestCoerce(t *testing.T) {
	v, ok := coerce(float64(12), model.Integer)
	assert.True(t, ok)
	assert.Equal(t, int64(12), v)

	_, ok = coerce(12.5, model.Integer)
	assert.False(t, ok)

	v, ok = coerce(int64(3), model.Numeric)
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	v, ok = coerce(true, model.Text)
	assert.True(t, ok)
	assert.Equal(t, "true", v)

	_, ok = coerce(int64(1), model.Boolean)
	assert.False(t, ok)

	_, ok = coerce("x", model.Unknown)
	assert.False(t, ok)
}
