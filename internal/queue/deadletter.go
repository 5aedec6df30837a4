package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// DeadLetter records jobs that exhausted their retry budget. The store is
// append-only and purely diagnostic; nothing in the pipeline reads it back.
type DeadLetter struct {
	db     *badger.DB
	logger *zap.SugaredLogger
}

type deadLetterRecord struct {
	OrderID string          `json:"order_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason"`
	Time    time.Time       `json:"time"`
}

// NewDeadLetter opens (or creates) a badger store at path.
func NewDeadLetter(path string, logger *zap.SugaredLogger) (*DeadLetter, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	return &DeadLetter{db: db, logger: logger}, nil
}

// Add records a terminally failed job with its reason.
func (d *DeadLetter) Add(ctx context.Context, orderID string, payload any, reason string) error {
	rec := deadLetterRecord{
		OrderID: orderID,
		Reason:  reason,
		Time:    time.Now().UTC(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			rec.Payload = raw
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("dlq:%d:%s", rec.Time.UnixNano(), orderID)
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// Count returns the number of dead-lettered jobs.
func (d *DeadLetter) Count(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close releases the underlying store.
func (d *DeadLetter) Close() error {
	return d.db.Close()
}
