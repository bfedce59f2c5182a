// internal/historian/postgres.go
package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/skillmind/internal/events"
)

// Schema creates the room_events table.
const Schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id          BIGSERIAL PRIMARY KEY,
	room_code   TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	actor_id    TEXT,
	payload     JSONB,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS room_events_room_idx ON room_events (room_code, occurred_at);
`

// PostgresSink appends records to room_events.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Migrate creates the table if needed.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate room_events: %w", err)
	}
	return nil
}

// Write inserts the batch in a single transaction.
func (p *PostgresSink) Write(ctx context.Context, records []events.Record) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range records {
			if err := insertRoomEventTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insertRoomEventTx: %w", err)
			}
		}
		return nil
	})
}

func insertRoomEventTx(ctx context.Context, tx pgx.Tx, rec events.Record) error {
	var payload []byte
	if len(rec.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(rec.Payload); err != nil {
			return err
		}
	}
	var actor *string
	if rec.ActorID != "" {
		actor = &rec.ActorID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO room_events (room_code, event_type, actor_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RoomCode, rec.Type, actor, payload, time.UnixMilli(rec.Timestamp))
	return err
}
