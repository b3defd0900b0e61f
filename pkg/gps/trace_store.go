package gps

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// TraceSession describes one recorded tracking session
type TraceSession struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	Positions int       `json:"positions"`
	Motions   int       `json:"motions"`
}

// TraceStore records raw position and motion inputs in SQLite so a session
// can be replayed offline
type TraceStore struct {
	db     *sql.DB
	path   string
	logger *logx.Logger
}

// OpenTraceStore opens or creates a trace database
func OpenTraceStore(path string, logger *logx.Logger) (*TraceStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	ts := &TraceStore{db: db, path: path, logger: logger}
	if err := ts.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize trace database: %w", err)
	}

	logger.Info("trace_store_opened", "path", path)
	return ts, nil
}

func (ts *TraceStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS position_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		source TEXT NOT NULL,
		provider TEXT,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude REAL,
		accuracy REAL NOT NULL,
		bearing REAL,
		bearing_accuracy REAL,
		speed REAL,
		speed_accuracy REAL,
		satellites INTEGER,
		hdop REAL,
		vdop REAL
	);

	CREATE TABLE IF NOT EXISTS motion_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_position_session ON position_samples(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_motion_session ON motion_samples(session_id, ts);
	`
	_, err := ts.db.Exec(schema)
	return err
}

// BeginSession registers a session before samples are recorded for it
func (ts *TraceStore) BeginSession(id string, mode pkg.TrackingMode, startedAt time.Time) error {
	_, err := ts.db.Exec(`INSERT OR REPLACE INTO sessions (id, mode, started_at) VALUES (?, ?, ?)`,
		id, mode.String(), startedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", id, err)
	}
	return nil
}

// RecordPosition stores one position sample
func (ts *TraceStore) RecordPosition(sessionID string, s *pkg.PositionSample) error {
	_, err := ts.db.Exec(`
		INSERT INTO position_samples (
			session_id, ts, source, provider, latitude, longitude, altitude, accuracy,
			bearing, bearing_accuracy, speed, speed_accuracy, satellites, hdop, vdop
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, s.Timestamp.UnixNano(), s.Source.String(), s.Provider,
		s.Latitude, s.Longitude, nullFloat64(s.Altitude), s.HorizontalAccuracy,
		nullFloat32(s.Bearing), nullFloat32(s.BearingAccuracy),
		nullFloat32(s.Speed), nullFloat32(s.SpeedAccuracy),
		nullInt(s.Satellites), nullFloat32(s.HDOP), nullFloat32(s.VDOP),
	)
	if err != nil {
		return fmt.Errorf("failed to record position sample: %w", err)
	}
	return nil
}

// RecordMotion stores one motion sample
func (ts *TraceStore) RecordMotion(sessionID string, m pkg.MotionSample) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode motion sample: %w", err)
	}
	_, err = ts.db.Exec(`INSERT INTO motion_samples (session_id, ts, payload) VALUES (?, ?, ?)`,
		sessionID, m.Timestamp.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to record motion sample: %w", err)
	}
	return nil
}

// Sessions lists recorded sessions, newest first
func (ts *TraceStore) Sessions() ([]TraceSession, error) {
	rows, err := ts.db.Query(`
		SELECT s.id, s.mode, s.started_at,
			(SELECT COUNT(*) FROM position_samples p WHERE p.session_id = s.id),
			(SELECT COUNT(*) FROM motion_samples m WHERE m.session_id = s.id)
		FROM sessions s ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []TraceSession
	for rows.Next() {
		var s TraceSession
		var started int64
		if err := rows.Scan(&s.ID, &s.Mode, &started, &s.Positions, &s.Motions); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, started)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// LoadPositions returns the position samples of a session in timestamp order
func (ts *TraceStore) LoadPositions(sessionID string) ([]pkg.PositionSample, error) {
	rows, err := ts.db.Query(`
		SELECT ts, source, provider, latitude, longitude, altitude, accuracy,
			bearing, bearing_accuracy, speed, speed_accuracy, satellites, hdop, vdop
		FROM position_samples WHERE session_id = ? ORDER BY ts, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []pkg.PositionSample
	for rows.Next() {
		var (
			s                           pkg.PositionSample
			tsNano                      int64
			source                      string
			provider                    sql.NullString
			altitude                    sql.NullFloat64
			bearing, bearingAcc         sql.NullFloat64
			speed, speedAcc, hdop, vdop sql.NullFloat64
			satellites                  sql.NullInt64
		)
		if err := rows.Scan(&tsNano, &source, &provider, &s.Latitude, &s.Longitude, &altitude,
			&s.HorizontalAccuracy, &bearing, &bearingAcc, &speed, &speedAcc, &satellites, &hdop, &vdop); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		src, err := pkg.ParseSource(source)
		if err != nil {
			ts.logger.Debug("trace_position_skipped", "error", err)
			continue
		}
		s.Source = src
		s.Timestamp = time.Unix(0, tsNano)
		s.Provider = provider.String
		if altitude.Valid {
			s.Altitude = pkg.Float64(altitude.Float64)
		}
		s.Bearing = float32Ptr(bearing)
		s.BearingAccuracy = float32Ptr(bearingAcc)
		s.Speed = float32Ptr(speed)
		s.SpeedAccuracy = float32Ptr(speedAcc)
		s.HDOP = float32Ptr(hdop)
		s.VDOP = float32Ptr(vdop)
		if satellites.Valid {
			s.Satellites = pkg.Int(int(satellites.Int64))
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadMotion returns the motion samples of a session in timestamp order
func (ts *TraceStore) LoadMotion(sessionID string) ([]pkg.MotionSample, error) {
	rows, err := ts.db.Query(`SELECT payload FROM motion_samples WHERE session_id = ? ORDER BY ts, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query motion: %w", err)
	}
	defer rows.Close()

	var out []pkg.MotionSample
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan motion: %w", err)
		}
		var m pkg.MotionSample
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			ts.logger.Debug("trace_motion_skipped", "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database
func (ts *TraceStore) Close() error {
	return ts.db.Close()
}

func nullFloat32(v *float32) interface{} {
	if v == nil {
		return nil
	}
	return float64(*v)
}

func nullFloat64(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func float32Ptr(v sql.NullFloat64) *float32 {
	if !v.Valid {
		return nil
	}
	return pkg.Float32(float32(v.Float64))
}
