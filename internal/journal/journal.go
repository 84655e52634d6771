// Package journal is the append-only lifecycle audit log. It records what
// happened to threats; it is never read back to restore world state.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Entry is one journal row as stored.
type Entry struct {
	ID       int64   `json:"id"`
	TS       string  `json:"ts"`
	Type     string  `json:"type"`
	ThreatID string  `json:"threat_id,omitempty"`
	PlayerID string  `json:"player_id,omitempty"`
	Payload  Payload `json:"payload"`
}

// Append writes one event. Callers treat failures as log-and-continue; a
// journal outage must never stall the world tick.
func (w Writer) Append(ctx context.Context, evtType, threatID, playerID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal journal payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO journal(ts,type,threat_id,player_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(threatID), nullable(playerID), string(data))
	return err
}

// After returns up to limit entries with id greater than cursor, oldest
// first. The webhook dispatcher polls with this.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(threat_id,''),COALESCE(player_id,''),payload_json FROM journal WHERE id > ? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Tail returns the n most recent entries, newest first.
func (w Writer) Tail(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := w.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(threat_id,''),COALESCE(player_id,''),payload_json FROM journal ORDER BY id DESC LIMIT ?`,
		n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Latest returns the highest journal id, or 0 on an empty journal.
func (w Writer) Latest(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := w.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM journal`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ThreatID, &e.PlayerID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = Payload{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
