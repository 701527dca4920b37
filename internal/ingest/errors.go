package ingest

import (
	"fmt"
	"time"

	"osrsprices/internal/model"
)

// PersistenceError is a row that could not be written after its single retry.
type PersistenceError struct {
	ItemID      int
	Granularity model.Granularity
	Timestamp   time.Time
	Err         error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist item %d (%s @ %s): %v", e.ItemID, e.Granularity, e.Timestamp.Format(time.RFC3339), e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
