package sink

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"github.com/flowsentry/flowsentry/internal/models"
)

// Store persists detection verdicts to a local SQLite database.
type Store struct {
	db *sql.DB
}

// Record is one persisted detection row.
type Record struct {
	ID             int64
	Timestamp      time.Time
	Prediction     string
	Confidence     float64
	ThreatScore    float64
	RiskLevel      string
	Degraded       bool
	ProcessingMs   float64
	ModelBreakdown json.RawMessage
	Indicators     json.RawMessage
}

// Open connects to the SQLite database at dataSourceName, creating the
// parent directory and schema as needed.
func Open(dataSourceName string) (*Store, error) {
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Busy timeout keeps concurrent writers from failing fast on lock
	// contention (milliseconds).
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("connecting to SQLite: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	const createDetections = `
    CREATE TABLE IF NOT EXISTS detections (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        prediction TEXT NOT NULL,
        confidence REAL NOT NULL DEFAULT 0,
        threat_score REAL NOT NULL DEFAULT 0,
        risk_level TEXT NOT NULL,
        degraded INTEGER NOT NULL DEFAULT 0,
        processing_ms REAL NOT NULL DEFAULT 0,
        model_breakdown TEXT NOT NULL,
        indicators TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp);
    CREATE INDEX IF NOT EXISTS idx_detections_risk ON detections(risk_level);
    `
	if _, err := db.Exec(createDetections); err != nil {
		return err
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Insert writes one detection result.
func (s *Store) Insert(result models.DetectionResult) error {
	breakdownJSON, err := json.Marshal(result.ModelPredictions)
	if err != nil {
		return fmt.Errorf("marshaling model breakdown: %w", err)
	}
	indicatorsJSON, err := json.Marshal(result.FeatureAnalysis.AnomalyIndicators)
	if err != nil {
		return fmt.Errorf("marshaling indicators: %w", err)
	}

	degradedInt := 0
	if result.Degradation.Degraded() {
		degradedInt = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO detections (
			timestamp, prediction, confidence, threat_score, risk_level,
			degraded, processing_ms, model_breakdown, indicators
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.Timestamp,
		string(result.Prediction),
		result.Confidence,
		result.ThreatScore,
		string(result.RiskLevel),
		degradedInt,
		float64(result.ProcessingTime)/float64(time.Millisecond),
		string(breakdownJSON),
		string(indicatorsJSON),
	)
	if err != nil {
		return fmt.Errorf("storing detection: %w", err)
	}
	return nil
}

// Recent returns the newest detections, most recent first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, timestamp, prediction, confidence, threat_score, risk_level,
		       degraded, processing_ms, model_breakdown, indicators
		FROM detections
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying detections: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var degradedInt int
		var breakdown string
		var indicators sql.NullString

		err := rows.Scan(
			&r.ID,
			&r.Timestamp,
			&r.Prediction,
			&r.Confidence,
			&r.ThreatScore,
			&r.RiskLevel,
			&degradedInt,
			&r.ProcessingMs,
			&breakdown,
			&indicators,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning detection: %w", err)
		}

		r.Degraded = degradedInt == 1
		r.ModelBreakdown = json.RawMessage(breakdown)
		if indicators.Valid {
			r.Indicators = json.RawMessage(indicators.String)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Async wraps a Store behind a buffered channel so the request path never
// blocks on disk. Results are dropped when the buffer is full.
type Async struct {
	logger *slog.Logger
	store  *Store
	ch     chan models.DetectionResult
	done   chan struct{}
	once   sync.Once
}

// NewAsync starts the background writer. buffer <= 0 defaults to 256.
func NewAsync(logger *slog.Logger, store *Store, buffer int) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		logger: logger,
		store:  store,
		ch:     make(chan models.DetectionResult, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues a result for persistence. Never blocks.
func (a *Async) Publish(result models.DetectionResult) {
	select {
	case a.ch <- result:
	default:
		a.logger.Warn("detection sink buffer full, dropping result")
	}
}

// Close drains queued results and stops the writer.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.ch)
		<-a.done
	})
}

func (a *Async) run() {
	defer close(a.done)
	for result := range a.ch {
		if err := a.store.Insert(result); err != nil {
			a.logger.Error("persisting detection", slog.Any("error", err))
		}
	}
}
