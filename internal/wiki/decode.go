package wiki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"osrsprices/internal/model"
)

// Snapshot is one decoded price response.
type Snapshot struct {
	Granularity model.Granularity
	FetchedAt   time.Time
	Records     []model.Record
}

type pricesResponse struct {
	Data      map[string]map[string]any `json:"data"`
	Timestamp *int64                    `json:"timestamp"`
}

type timeseriesResponse struct {
	Data   []map[string]any `json:"data"`
	ItemID int              `json:"itemId"`
}

// reserved columns cannot be produced by upstream fields.
var reserved = map[string]bool{"item_id": true, "timestamp": true, "extra": true}

// EndpointFor maps a granularity to its upstream endpoint.
func EndpointFor(g model.Granularity) Endpoint {
	switch g {
	case model.FiveMinute:
		return EndpointFiveMinute
	case model.OneHour:
		return EndpointOneHour
	}
	return EndpointLatest
}

// Prices fetches and decodes the price endpoint for g. Records are sorted by
// item id so batches are processed in a stable order.
func (c *Client) Prices(ctx context.Context, g model.Granularity, params Params) (*Snapshot, error) {
	endpoint := EndpointFor(g)
	body, err := c.Fetch(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	snap, err := decodePrices(body, g, fetchedAt)
	if err != nil {
		srcErr := &SourceError{Status: 200, Endpoint: endpoint, Message: err.Error(), Err: err}
		c.recordFailure(endpoint, srcErr)
		return nil, srcErr
	}
	return snap, nil
}

// Mapping fetches the item catalog.
func (c *Client) Mapping(ctx context.Context) ([]model.Item, error) {
	body, err := c.Fetch(ctx, EndpointMapping, Params{})
	if err != nil {
		return nil, err
	}
	var items []model.Item
	if err := json.Unmarshal(body, &items); err != nil {
		srcErr := &SourceError{Status: 200, Endpoint: EndpointMapping, Message: "decode mapping: " + err.Error(), Err: err}
		c.recordFailure(EndpointMapping, srcErr)
		return nil, srcErr
	}
	return items, nil
}

// Timeseries fetches up to 365 historical points for one item at the given
// timestep ("5m", "1h", "6h" or "24h").
func (c *Client) Timeseries(ctx context.Context, itemID int, timestep string) ([]model.Record, error) {
	body, err := c.Fetch(ctx, EndpointTimeseries, Params{ItemID: itemID, Timestep: timestep})
	if err != nil {
		return nil, err
	}
	records, err := decodeTimeseries(body, itemID)
	if err != nil {
		srcErr := &SourceError{Status: 200, Endpoint: EndpointTimeseries, Message: err.Error(), Err: err}
		c.recordFailure(EndpointTimeseries, srcErr)
		return nil, srcErr
	}
	return records, nil
}

func decodePrices(body []byte, g model.Granularity, fetchedAt time.Time) (*Snapshot, error) {
	var resp pricesResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	snapshotTime := fetchedAt.Truncate(g.Interval())
	if resp.Timestamp != nil {
		snapshotTime = time.Unix(*resp.Timestamp, 0).UTC()
	}

	snap := &Snapshot{Granularity: g, FetchedAt: fetchedAt, Records: make([]model.Record, 0, len(resp.Data))}
	for key, raw := range resp.Data {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		rec := model.Record{ItemID: id, Timestamp: snapshotTime, Fields: convertFields(raw)}
		if g == model.Latest {
			rec.Timestamp = lastTrade(rec.Fields, fetchedAt)
		}
		snap.Records = append(snap.Records, rec)
	}
	sort.Slice(snap.Records, func(i, j int) bool { return snap.Records[i].ItemID < snap.Records[j].ItemID })
	return snap, nil
}

func decodeTimeseries(body []byte, itemID int) ([]model.Record, error) {
	var resp timeseriesResponse
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode timeseries: %w", err)
	}
	if resp.ItemID != 0 {
		itemID = resp.ItemID
	}

	records := make([]model.Record, 0, len(resp.Data))
	for _, point := range resp.Data {
		ts, ok := convertValue(point["timestamp"]).(int64)
		if !ok {
			continue
		}
		delete(point, "timestamp")
		records = append(records, model.Record{ItemID: itemID, Timestamp: time.Unix(ts, 0).UTC(), Fields: convertFields(point)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	return records, nil
}

// lastTrade picks the most recent of highTime/lowTime. The latest endpoint
// reports the last transaction on each side, not an aggregate.
func lastTrade(fields map[string]any, fallback time.Time) time.Time {
	var newest int64
	for _, col := range []string{"high_time", "low_time"} {
		if v, ok := fields[col].(int64); ok && v > newest {
			newest = v
		}
	}
	if newest == 0 {
		return fallback.Truncate(time.Second)
	}
	return time.Unix(newest, 0).UTC()
}

// convertFields maps upstream keys to column names. Keys that map to no name,
// or to a name another key already owns, keep their upstream key and are
// stored as raw JSON so they land in the extra column. A key already spelled
// as its column name wins over other spellings.
func convertFields(raw map[string]any) map[string]any {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make(map[string]any, len(raw))
	owner := make(map[string]string, len(raw))
	for _, key := range keys {
		col := model.ColumnName(key)
		if reserved[col] {
			col = "field_" + col
		}
		if col == "" {
			fields[key] = rawJSON(raw[key])
			continue
		}
		if prev, taken := owner[col]; taken {
			if key != col {
				fields[key] = rawJSON(raw[key])
				continue
			}
			fields[prev] = rawJSON(raw[prev])
		}
		owner[col] = key
		fields[col] = convertValue(raw[key])
	}
	return fields
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return json.RawMessage(b)
}

func convertValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return json.RawMessage(b)
	}
	return v
}
