package settings

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/yllada/warp-manager/common"
)

// Record is one connection lifecycle as stored in the history table.
type Record struct {
	ID          string
	Mode        string
	Address     string
	StartedAt   time.Time
	ConnectedAt time.Time // zero if the session never connected
	EndedAt     time.Time // zero while the session is live
	Outcome     string
}

// Duration returns how long the session stayed connected.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}

// BeginSession inserts a new history row.
func (s *Store) BeginSession(id, mode, address string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, mode, address, started_at) VALUES(?, ?, ?, ?)`,
		id, mode, address, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: begin session: %v", common.ErrSettings, err)
	}
	return nil
}

// MarkConnected records when the session reached the connected state.
func (s *Store) MarkConnected(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET connected_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("%w: mark connected: %v", common.ErrSettings, err)
	}
	return nil
}

// EndSession closes the history row with an outcome description.
func (s *Store) EndSession(id string, at time.Time, outcome string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, outcome = ? WHERE id = ? AND ended_at IS NULL`,
		at.UnixMilli(), outcome, id)
	if err != nil {
		return fmt.Errorf("%w: end session: %v", common.ErrSettings, err)
	}
	return nil
}

// History returns the most recent sessions, newest first.
func (s *Store) History(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, mode, address, started_at, connected_at, ended_at, outcome
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", common.ErrSettings, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                Record
			started          int64
			connected, ended sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Mode, &r.Address, &started, &connected, &ended, &r.Outcome); err != nil {
			return nil, fmt.Errorf("%w: history: %v", common.ErrSettings, err)
		}
		r.StartedAt = time.UnixMilli(started)
		if connected.Valid {
			r.ConnectedAt = time.UnixMilli(connected.Int64)
		}
		if ended.Valid {
			r.EndedAt = time.UnixMilli(ended.Int64)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
