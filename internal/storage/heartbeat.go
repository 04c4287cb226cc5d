package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Beat records that component (run by owner) is alive. The sequence number
// strictly increases with every beat, even across owners.
func (s *Store) Beat(ctx context.Context, component, owner string) (Heartbeat, error) {
	now := s.now()
	var seq int64
	err := s.db.GetContext(ctx, &seq, `
		INSERT INTO heartbeats (component, owner, seq, beat_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(component) DO UPDATE SET owner = excluded.owner, seq = heartbeats.seq + 1, beat_at = excluded.beat_at
		RETURNING seq`, component, owner, millis(now))
	if err != nil {
		return Heartbeat{}, fmt.Errorf("recording heartbeat for %s: %w", component, err)
	}
	return Heartbeat{Component: component, Owner: owner, Seq: seq, BeatAt: fromMillis(millis(now))}, nil
}

// LastBeat returns the latest heartbeat of component, or ErrNotFound if it
// never beat.
func (s *Store) LastBeat(ctx context.Context, component string) (Heartbeat, error) {
	var row struct {
		Component string `db:"component"`
		Owner     string `db:"owner"`
		Seq       int64  `db:"seq"`
		BeatAt    int64  `db:"beat_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT component, owner, seq, beat_at FROM heartbeats WHERE component = ?`, component)
	if errors.Is(err, sql.ErrNoRows) {
		return Heartbeat{}, ErrNotFound
	}
	if err != nil {
		return Heartbeat{}, fmt.Errorf("reading heartbeat for %s: %w", component, err)
	}
	return Heartbeat{Component: row.Component, Owner: row.Owner, Seq: row.Seq, BeatAt: fromMillis(row.BeatAt)}, nil
}
