// Package db stores aiming sessions in sqlite: one row per session and one
// row per processed frame.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the sqlite database at path. The schema
// is not touched; call MigrateUp.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY under the recorder
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// FrameRecord is the persisted outcome of one frame.
type FrameRecord struct {
	FrameID       uint64  `json:"frame_id"`
	Captured      int64   `json:"captured"` // 0.1 ms units
	Markers       int     `json:"markers"`
	Mode          string  `json:"mode"`
	Outcome       string  `json:"outcome"`
	TargetID      int64   `json:"target_id"`
	Sent          bool    `json:"sent"`
	Yaw           float64 `json:"yaw"` // radians, zero unless a command was produced
	Pitch         float64 `json:"pitch"`
	HasPrediction bool    `json:"has_prediction"`
	PredX         float64 `json:"pred_x"` // mm
	PredY         float64 `json:"pred_y"`
	PredZ         float64 `json:"pred_z"`
}

// Session is one run of the service.
type Session struct {
	ID         string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	ConfigJSON string    `json:"config_json"`
	Source     string    `json:"source"`
	Frames     int64     `json:"frames"`
}

// StartSession creates a session row and returns its ID. configJSON is the
// tuning config in effect; source names the frame source.
func (db *DB) StartSession(configJSON, source string) (string, error) {
	id := uuid.NewString()
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, config_json, source) VALUES (?, ?, ?)`,
		id, configJSON, source,
	)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// InsertFrames writes a batch of frames in one transaction.
func (db *DB) InsertFrames(sessionID string, frames []FrameRecord) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO frames (
			session_id, frame_id, captured, markers, mode, outcome, target_id,
			sent, yaw, pitch, has_prediction, pred_x, pred_y, pred_z
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range frames {
		if _, err := stmt.Exec(
			sessionID, int64(f.FrameID), f.Captured, f.Markers, f.Mode, f.Outcome, f.TargetID,
			f.Sent, f.Yaw, f.Pitch, f.HasPrediction, f.PredX, f.PredY, f.PredZ,
		); err != nil {
			return fmt.Errorf("failed to insert frame %d: %w", f.FrameID, err)
		}
	}
	return tx.Commit()
}

// ListSessions returns every session, newest first, with its frame count.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT s.session_id, CAST(strftime('%s', s.started_at) AS INTEGER), s.config_json, s.source, COUNT(f.frame_id)
		FROM sessions s
		LEFT JOIN frames f ON f.session_id = s.session_id
		GROUP BY s.session_id
		ORDER BY s.started_at DESC, s.rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		if err := rows.Scan(&s.ID, &started, &s.ConfigJSON, &s.Source, &s.Frames); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(started, 0).UTC()
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// SessionFrames returns the frames of one session in capture order.
func (db *DB) SessionFrames(sessionID string) ([]FrameRecord, error) {
	rows, err := db.Query(`
		SELECT frame_id, captured, markers, mode, outcome, target_id,
		       sent, yaw, pitch, has_prediction, pred_x, pred_y, pred_z
		FROM frames
		WHERE session_id = ?
		ORDER BY captured, frame_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []FrameRecord
	for rows.Next() {
		var f FrameRecord
		var frameID int64
		if err := rows.Scan(
			&frameID, &f.Captured, &f.Markers, &f.Mode, &f.Outcome, &f.TargetID,
			&f.Sent, &f.Yaw, &f.Pitch, &f.HasPrediction, &f.PredX, &f.PredY, &f.PredZ,
		); err != nil {
			return nil, err
		}
		f.FrameID = uint64(frameID)
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}
