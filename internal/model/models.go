package model

import "time"

// Item is a tradable Grand Exchange good as described by the mapping endpoint.
type Item struct {
	ID        int       `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Examine   string    `db:"examine" json:"examine"`
	Members   bool      `db:"members" json:"members"`
	Icon      string    `db:"icon" json:"icon"`
	Limit     *int64    `db:"item_limit" json:"limit,omitempty"`
	Value     *int64    `db:"value" json:"value,omitempty"`
	HighAlch  *int64    `db:"highalch" json:"highalch,omitempty"`
	LowAlch   *int64    `db:"lowalch" json:"lowalch,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"-"`
}

// Record is one upstream price entry for a single item, keyed by column name.
// Field values are int64, float64, string, bool, nil or raw JSON for nested data.
type Record struct {
	ItemID    int
	Timestamp time.Time
	Fields    map[string]any
}

// Observation is a persisted price row for one item at one granularity.
// Latest rows never carry volume.
type Observation struct {
	ItemID      int            `json:"item_id"`
	Granularity Granularity    `json:"granularity"`
	Timestamp   time.Time      `json:"timestamp"`
	High        *int64         `json:"high"`
	Low         *int64         `json:"low"`
	HighVolume  *int64         `json:"high_volume,omitempty"`
	LowVolume   *int64         `json:"low_volume,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}
