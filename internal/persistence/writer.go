// Package persistence owns the durable event log in Postgres: batched
// writes from the controller's persist channel and the replay read path
// used to rebuild the share ledger on startup.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"conduit/internal/event"
)

// EventRow is a row in conduit_log.events. Amounts are stored as decimal
// text (NUMERIC in the schema) since they are arbitrary-precision.
type EventRow struct {
	Sequence       int64
	EventType      string
	Asset          string
	Domain         string
	Caller         string
	Amount         string
	Shares         string
	IdempotencyKey string
	Timestamp      time.Time
}

// RowFromRecord flattens a controller record for storage.
func RowFromRecord(rec *event.Record) EventRow {
	return EventRow{
		Sequence:       rec.Sequence,
		EventType:      rec.Type.String(),
		Asset:          rec.Asset,
		Domain:         rec.Domain,
		Caller:         rec.Caller,
		Amount:         rec.AmountString(),
		Shares:         rec.SharesString(),
		IdempotencyKey: rec.IdempotencyKey(),
		Timestamp:      rec.Timestamp,
	}
}

// EventLogWriter writes event rows using multi-row INSERT. ON CONFLICT on
// the idempotency key makes retried batches safe to resend.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts a batch inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO conduit_log.events
		(sequence, event_type, asset, domain, caller, amount, shares, idempotency_key, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.Asset, e.Domain, e.Caller,
			e.Amount, e.Shares, e.IdempotencyKey, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (idempotency_key) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadEvents streams the full log in sequence order, invoking fn per record.
// Used to rebuild the in-memory ledger on startup.
func (w *EventLogWriter) LoadEvents(ctx context.Context, fn func(EventRow) error) (int64, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, asset, domain, caller, amount, shares, idempotency_key, timestamp
		FROM conduit_log.events
		ORDER BY sequence ASC`)
	if err != nil {
		return 0, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var lastSeq int64
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(
			&row.Sequence, &row.EventType, &row.Asset, &row.Domain, &row.Caller,
			&row.Amount, &row.Shares, &row.IdempotencyKey, &row.Timestamp,
		); err != nil {
			return lastSeq, fmt.Errorf("scan event row: %w", err)
		}
		if err := fn(row); err != nil {
			return lastSeq, err
		}
		lastSeq = row.Sequence
	}
	return lastSeq, rows.Err()
}

// ParseAmount parses a stored decimal amount. Malformed rows surface as an
// error rather than a silent zero.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q in event log", s)
	}
	return v, nil
}
