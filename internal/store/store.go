package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"telemetrybridge/go-mqtt-ingester/internal/model"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// timestampLayout is RFC 3339 with a fixed-width fraction so stored values sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var errNotInitialized = errors.New("store not initialized")

// Store wraps the SQL connection holding per-device reading collections.
type Store struct {
	db     *sql.DB
	driver string
	newKey func() (string, error)
}

// Open initializes the database connection for driver. For SQLite, dsn is a
// file path and parent directories are created as needed.
func Open(driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		db, err = sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	case DriverMySQL:
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db, driver: driver, newKey: newEntryKey}, nil
}

// newEntryKey returns a UUIDv7: unique and ordered by creation time.
func newEntryKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	stmts := sqliteSchema
	if s.driver == DriverMySQL {
		stmts = mysqlSchema
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entry_key TEXT NOT NULL UNIQUE,
		device_id TEXT NOT NULL,
		captured_at TEXT NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		status TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_readings_device ON readings(device_id, id);`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT,
		reason TEXT NOT NULL,
		field TEXT,
		value REAL,
		payload TEXT,
		error TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS readings (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		entry_key VARCHAR(36) NOT NULL UNIQUE,
		device_id VARCHAR(255) NOT NULL,
		captured_at VARCHAR(40) NOT NULL,
		temperature DOUBLE NOT NULL,
		humidity DOUBLE NOT NULL,
		status VARCHAR(16) NOT NULL,
		INDEX idx_readings_device (device_id, id)
	);`,
	`CREATE TABLE IF NOT EXISTS ingestion_errors (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		topic VARCHAR(1024),
		reason VARCHAR(32) NOT NULL,
		field VARCHAR(32),
		value DOUBLE,
		payload TEXT,
		error TEXT NOT NULL,
		created_at VARCHAR(40) NOT NULL
	);`,
}

// AppendReading stores r under the collection deviceID with a freshly
// generated key, which it returns.
func (s *Store) AppendReading(ctx context.Context, deviceID string, r model.Reading) (string, error) {
	if s.db == nil {
		return "", errNotInitialized
	}

	key, err := s.newKey()
	if err != nil {
		return "", fmt.Errorf("generate entry key: %w", err)
	}

	capturedAt := r.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO readings (entry_key, device_id, captured_at, temperature, humidity, status) VALUES (?, ?, ?, ?, ?, ?);`,
		key,
		deviceID,
		formatTime(capturedAt),
		r.Temperature,
		r.Humidity,
		string(r.Status),
	)
	if err != nil {
		return "", fmt.Errorf("insert reading: %w", err)
	}

	return key, nil
}

// InsertRejection records a payload that failed validation.
func (s *Store) InsertRejection(ctx context.Context, r model.Rejection) error {
	if s.db == nil {
		return errNotInitialized
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var value sql.NullFloat64
	if r.Value != nil {
		value = sql.NullFloat64{Float64: *r.Value, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (topic, reason, field, value, payload, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		r.Topic,
		r.Reason,
		r.Field,
		value,
		r.Payload,
		r.Error,
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// DeviceReadings returns up to limit entries of one device, newest first.
// When since is set only entries captured strictly after it are returned.
func (s *Store) DeviceReadings(ctx context.Context, deviceID string, limit int, since *time.Time) ([]model.Entry, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 25
	}

	query := `SELECT entry_key, captured_at, temperature, humidity, status FROM readings WHERE device_id = ?`
	args := []any{deviceID}
	if since != nil {
		query += ` AND captured_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query device readings: %w", err)
	}
	defer rows.Close()

	entries := make([]model.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device readings: %w", err)
	}

	return entries, nil
}

// AllDeviceReadings returns every entry of one device in insertion order.
func (s *Store) AllDeviceReadings(ctx context.Context, deviceID string) ([]model.Entry, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT entry_key, captured_at, temperature, humidity, status
		 FROM readings
		 WHERE device_id = ?
		 ORDER BY id ASC;`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query device readings: %w", err)
	}
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device readings: %w", err)
	}

	return entries, nil
}

// Devices lists every device collection with its size and latest capture time.
func (s *Store) Devices(ctx context.Context) ([]model.DeviceSummary, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT device_id, COUNT(*), MAX(captured_at)
		 FROM readings
		 GROUP BY device_id
		 ORDER BY device_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.DeviceSummary
	for rows.Next() {
		var (
			summary     model.DeviceSummary
			lastSeenStr string
		)
		if err := rows.Scan(&summary.DeviceID, &summary.Readings, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		summary.LastSeen = parseTime(lastSeenStr)
		devices = append(devices, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}

// RecentRejections returns the most recent rejection records, newest first.
func (s *Store) RecentRejections(ctx context.Context, limit int) ([]model.Rejection, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT topic, reason, field, value, payload, error, created_at
		 FROM ingestion_errors
		 ORDER BY id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	var rejections []model.Rejection
	for rows.Next() {
		var (
			topic, field, payload sql.NullString
			value                 sql.NullFloat64
			rec                   model.Rejection
			createdAtStr          string
		)
		if err := rows.Scan(&topic, &rec.Reason, &field, &value, &payload, &rec.Error, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		rec.Topic = topic.String
		rec.Field = field.String
		rec.Payload = payload.String
		if value.Valid {
			rec.Value = &value.Float64
		}
		rec.CreatedAt = parseTime(createdAtStr)
		rejections = append(rejections, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return rejections, nil
}

// WipeData removes all readings and rejection records.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	for _, stmt := range []string{
		`DELETE FROM readings;`,
		`DELETE FROM ingestion_errors;`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.Entry, error) {
	var (
		entry         model.Entry
		status        string
		capturedAtStr string
	)
	if err := row.Scan(&entry.Key, &capturedAtStr, &entry.Temperature, &entry.Humidity, &status); err != nil {
		return model.Entry{}, fmt.Errorf("scan reading: %w", err)
	}
	entry.Timestamp = parseTime(capturedAtStr)
	entry.Status = model.Status(status)
	return entry, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
