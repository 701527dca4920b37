package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"osrsprices/internal/config"
	"osrsprices/internal/database"
	"osrsprices/internal/feed"
	"osrsprices/internal/ingest"
	"osrsprices/internal/logging"
	"osrsprices/internal/model"
	"osrsprices/internal/observability"
	"osrsprices/internal/prices"
)

func main() {
	var (
		configPath = flag.String("config", ".", "directory containing config.yaml and .env")
		itemID     = flag.Int("item", 0, "item id")
		name       = flag.String("name", "", "look the item up by name instead of id")
		history    = flag.String("history", "", "print history for this granularity (latest, 5m, 1h)")
		from       = flag.String("from", "", "history start (date, RFC3339 or unix epoch)")
		to         = flag.String("to", "", "history end, defaults to now")
		limit      = flag.Int("limit", 0, "maximum history rows")
		desc       = flag.Bool("desc", false, "newest history rows first")
		asJSON     = flag.Bool("json", false, "print JSON instead of a table")
		watch      = flag.String("watch", "", "feed websocket URL; reprint the view after every batch")
	)
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Error("Cannot connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := database.NewPostgresRepository(logger, pool, observability.NewNopMetrics())
	reader := prices.NewReader(logger, repo, cfg.Ingest)

	id, err := resolveItem(ctx, repo, *itemID, *name)
	if err != nil {
		logger.Error("Cannot resolve item", "error", err)
		os.Exit(2)
	}

	printView(os.Stdout, reader.Load(ctx, id), *asJSON)

	if *history != "" {
		q := prices.RangeQuery{ItemID: id, Granularity: *history, Start: *from, Limit: *limit, Descending: *desc}
		if *to != "" {
			q.End = *to
		}
		rows, err := reader.QueryRange(ctx, q)
		if err != nil {
			logger.Error("History query failed", "error", err)
			os.Exit(2)
		}
		printHistory(os.Stdout, rows, *asJSON)
	}

	if *watch != "" {
		reports := make(chan ingest.BatchReport)
		go func() {
			if err := feed.Subscribe(ctx, logger, *watch, reports); err != nil {
				logger.Error("Feed subscription ended", "error", err)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case r := <-reports:
				if r.Job == ingest.JobMapping || r.Job == ingest.JobBackfill {
					continue
				}
				logger.Debug("Batch received", "job", r.Job, "runID", r.RunID)
				printView(os.Stdout, reader.Load(ctx, id), *asJSON)
			}
		}
	}
}

func resolveItem(ctx context.Context, store database.PriceStore, id int, name string) (int, error) {
	if name == "" {
		if id <= 0 {
			return 0, errors.New("one of -item or -name is required")
		}
		return id, nil
	}

	items, err := store.SearchItems(ctx, name, true)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		if items, err = store.SearchItems(ctx, name, false); err != nil {
			return 0, err
		}
	}
	switch len(items) {
	case 0:
		return 0, fmt.Errorf("no item matches %q", name)
	case 1:
		return items[0].ID, nil
	}
	var names []string
	for _, it := range items {
		names = append(names, fmt.Sprintf("%s (%d)", it.Name, it.ID))
	}
	return 0, fmt.Errorf("%q is ambiguous: %v", name, names)
}

func printView(w io.Writer, view *model.PriceView, asJSON bool) {
	if asJSON {
		json.NewEncoder(w).Encode(view)
		return
	}

	title := fmt.Sprintf("Item %d", view.ItemID)
	if view.Item != nil {
		title = fmt.Sprintf("%s (%d)", view.Item.Name, view.ItemID)
	}
	fmt.Fprintln(w, title)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tHIGH\tLOW\tMID\tHIGH VOL\tLOW VOL\tROLLED HIGH\tROLLED LOW\tROLLED MID\tPOINTS\tAS OF")
	for _, g := range model.Granularities {
		t := view.Tier(g)
		asOf := "-"
		if !t.AsOf.IsZero() {
			asOf = t.AsOf.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			g, t.Raw.High, t.Raw.Low, t.Raw.Mid, optional(t.RawHighVolume), optional(t.RawLowVolume),
			t.Rolled.High, t.Rolled.Low, t.Rolled.Mid, t.Points, asOf)
	}
	tw.Flush()
}

func printHistory(w io.Writer, rows []model.Observation, asJSON bool) {
	if asJSON {
		json.NewEncoder(w).Encode(rows)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tHIGH\tLOW\tHIGH VOL\tLOW VOL")
	for _, o := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			o.Timestamp.Format("2006-01-02 15:04:05"), optional(o.High), optional(o.Low), optional(o.HighVolume), optional(o.LowVolume))
	}
	tw.Flush()
}

func optional(v *int64) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprint(*v)
}
