// Package anstore provides persistent storage for analysis job state, input
// matrices and per-feature results using SQLite.
package anstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	_ "modernc.org/sqlite"

	"github.com/protquant/server/internal/matrix"
)

// JobStatus represents the current state of an analysis job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Matrix kinds stored per job.
const (
	MatrixKindInput      = "input"
	MatrixKindNormalized = "normalized"
	MatrixKindFiltered   = "filtered"
)

// AnalysisParams contains the parameters for an analysis job.
type AnalysisParams struct {
	Method        string            `json:"method"`
	FitMode       string            `json:"fit_mode,omitempty"`
	Alpha         float64           `json:"alpha,omitempty"`
	Confidence    float64           `json:"confidence,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
	Groups        map[string]string `json:"groups"`
	Group1        string            `json:"group1,omitempty"`
	Group2        string            `json:"group2,omitempty"`
}

// JobProgress represents the progress of an analysis job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// AnalysisJob represents one normalization-plus-filtering run.
type AnalysisJob struct {
	ID           string         `json:"job_id"`
	Status       JobStatus      `json:"status"`
	Params       AnalysisParams `json:"params"`
	Progress     JobProgress    `json:"progress"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	MaskedCounts map[string]int `json:"masked_counts,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// FeatureResult contains the analysis outcome for a single feature.
type FeatureResult struct {
	FeatureID  string   `json:"feature_id"`
	Mean1      float64  `json:"mean1"`
	Mean2      float64  `json:"mean2"`
	N1         int      `json:"n1"`
	N2         int      `json:"n2"`
	Log2FC     float64  `json:"log2fc"`
	PWelch     float64  `json:"p_welch"`
	FDRWelch   float64  `json:"fdr_welch"`
	PRankSum   float64  `json:"p_ranksum"`
	FDRRankSum float64  `json:"fdr_ranksum"`
	MaskedIn   []string `json:"masked_in,omitempty"`
}

// Store provides persistent storage for analysis jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based analysis store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		masked_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_finished ON analysis_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS analysis_matrices (
		job_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BLOB NOT NULL,
		PRIMARY KEY (job_id, kind),
		FOREIGN KEY (job_id) REFERENCES analysis_jobs(job_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS analysis_features (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		feature_id TEXT NOT NULL,
		mean1 REAL NOT NULL,
		mean2 REAL NOT NULL,
		n1 INTEGER NOT NULL,
		n2 INTEGER NOT NULL,
		log2fc REAL NOT NULL,
		p_welch REAL NOT NULL,
		fdr_welch REAL NOT NULL,
		p_ranksum REAL NOT NULL,
		fdr_ranksum REAL NOT NULL,
		masked_in TEXT DEFAULT '',
		FOREIGN KEY (job_id) REFERENCES analysis_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_features_job ON analysis_features(job_id);
	CREATE INDEX IF NOT EXISTS idx_analysis_features_job_fdr_welch ON analysis_features(job_id, fdr_welch);
	CREATE INDEX IF NOT EXISTS idx_analysis_features_job_fdr_ranksum ON analysis_features(job_id, fdr_ranksum);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *AnalysisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO analysis_jobs (job_id, status, params_json, phase, done, total, masked_json, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		"",
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. A missing job returns (nil, nil).
func (s *Store) GetJob(jobID string) (*AnalysisJob, error) {
	row := s.db.QueryRow(`
		SELECT job_id, status, params_json, phase, done, total, masked_json, error, created_at, started_at, finished_at
		FROM analysis_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// UpdateJobStatus updates the job status and error message, stamping the
// finish time for terminal states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// SetMaskedCounts records the per-group masked feature counts.
func (s *Store) SetMaskedCounts(jobID string, counts map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to marshal masked counts: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE analysis_jobs SET masked_json = ?
		WHERE job_id = ?
	`, string(payload), jobID)
	return err
}

// PutMatrix stores a matrix for a job as a gzip-compressed JSON blob.
func (s *Store) PutMatrix(jobID, kind string, m *matrix.Matrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gw).Encode(m); err != nil {
		return fmt.Errorf("failed to encode matrix: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("failed to compress matrix: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO analysis_matrices (job_id, kind, payload) VALUES (?, ?, ?)
		ON CONFLICT(job_id, kind) DO UPDATE SET payload = excluded.payload
	`, jobID, kind, buf.Bytes())
	return err
}

// GetMatrix loads a stored matrix. A missing matrix returns (nil, nil).
func (s *Store) GetMatrix(jobID, kind string) (*matrix.Matrix, error) {
	var payload []byte
	err := s.db.QueryRow(`
		SELECT payload FROM analysis_matrices WHERE job_id = ? AND kind = ?
	`, jobID, kind).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress matrix: %w", err)
	}
	defer gr.Close()

	var m matrix.Matrix
	if err := json.NewDecoder(gr).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode matrix: %w", err)
	}
	return &m, nil
}

// InsertFeatureResults inserts feature results in a batch transaction.
func (s *Store) InsertFeatureResults(jobID string, results []*FeatureResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO analysis_features (job_id, feature_id, mean1, mean2, n1, n2, log2fc, p_welch, fdr_welch, p_ranksum, fdr_ranksum, masked_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		maskedIn, err := json.Marshal(r.MaskedIn)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(
			jobID, r.FeatureID,
			r.Mean1, r.Mean2, r.N1, r.N2, r.Log2FC,
			r.PWelch, r.FDRWelch, r.PRankSum, r.FDRRankSum,
			string(maskedIn),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryFeatureResults queries results with pagination and ordering.
func (s *Store) QueryFeatureResults(jobID string, orderBy string, offset, limit int) ([]*FeatureResult, int, error) {
	orderCol := "fdr_ranksum ASC, ABS(log2fc) DESC"
	switch orderBy {
	case "fdr_ranksum":
		orderCol = "fdr_ranksum ASC, ABS(log2fc) DESC"
	case "fdr_welch":
		orderCol = "fdr_welch ASC, ABS(log2fc) DESC"
	case "p_ranksum":
		orderCol = "p_ranksum ASC, ABS(log2fc) DESC"
	case "p_welch":
		orderCol = "p_welch ASC, ABS(log2fc) DESC"
	case "abs_log2fc":
		orderCol = "ABS(log2fc) DESC, fdr_ranksum ASC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM analysis_features WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT feature_id, mean1, mean2, n1, n2, log2fc, p_welch, fdr_welch, p_ranksum, fdr_ranksum, masked_in
		FROM analysis_features
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*FeatureResult
	for rows.Next() {
		var r FeatureResult
		var maskedIn string
		err := rows.Scan(
			&r.FeatureID,
			&r.Mean1, &r.Mean2, &r.N1, &r.N2, &r.Log2FC,
			&r.PWelch, &r.FDRWelch, &r.PRankSum, &r.FDRRankSum,
			&maskedIn,
		)
		if err != nil {
			return nil, 0, err
		}
		if maskedIn != "" {
			if err := json.Unmarshal([]byte(maskedIn), &r.MaskedIn); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal masked_in: %w", err)
			}
		}
		results = append(results, &r)
	}

	return results, total, nil
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*AnalysisJob, error) {
	rows, err := s.db.Query(`
		SELECT job_id, status, params_json, phase, done, total, masked_json, error, created_at, started_at, finished_at
		FROM analysis_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE analysis_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	expired := `SELECT job_id FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`
	if _, err := s.db.Exec(`DELETE FROM analysis_features WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`DELETE FROM analysis_matrices WHERE job_id IN (`+expired+`)`, cutoff); err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM analysis_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job, its matrices and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM analysis_features WHERE job_id = ?", jobID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM analysis_matrices WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM analysis_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJob(scan func(dest ...any) error) (*AnalysisJob, error) {
	var job AnalysisJob
	var paramsJSON, maskedJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&maskedJSON,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	if maskedJSON != "" {
		if err := json.Unmarshal([]byte(maskedJSON), &job.MaskedCounts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal masked counts: %w", err)
		}
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}

	return &job, nil
}
