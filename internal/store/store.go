package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/andresmejia3/deepscan/internal/analysis"
	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a run id does not exist.
var ErrNotFound = errors.New("run not found")

// ConnConfig is the Postgres connection read from the environment.
// DATABASE_URL wins over the individual POSTGRES_* variables.
type ConnConfig struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"POSTGRES_HOST"`
	Port     int    `env:"POSTGRES_PORT"     envDefault:"5432"`
	User     string `env:"POSTGRES_USER"`
	Password string `env:"POSTGRES_PASSWORD"`
	Database string `env:"POSTGRES_DB"       envDefault:"deepscan"`
}

// LoadConnConfig parses ConnConfig from the environment.
func LoadConnConfig() (ConnConfig, error) {
	var c ConnConfig
	if err := env.Parse(&c); err != nil {
		return ConnConfig{}, fmt.Errorf("parse database env: %w", err)
	}
	return c, nil
}

// String returns the connection string. Without a host it falls back to a
// local server.
func (c ConnConfig) String() string {
	if c.URL != "" {
		return c.URL
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	return u.String()
}

// Label is the ground truth a user assigns to a run.
type Label string

const (
	LabelReal Label = "real"
	LabelFake Label = "fake"
)

// ParseLabel accepts "real" or "fake".
func ParseLabel(s string) (Label, error) {
	switch l := Label(s); l {
	case LabelReal, LabelFake:
		return l, nil
	default:
		return "", fmt.Errorf("invalid label %q, must be real or fake", s)
	}
}

// Agrees reports whether the verdict matches the label. "Possibly a deepfake"
// counts as fake.
func (l Label) Agrees(v analysis.Verdict) bool {
	fake := v != analysis.VerdictAuthentic
	return (l == LabelFake) == fake
}

// Run is one persisted analysis.
type Run struct {
	ID         uuid.UUID
	VideoID    string
	VideoPath  string
	Model      string
	SampleRate int
	Result     analysis.Result
	Label      Label // empty until labelled
	CreatedAt  time.Time
}

// LabelStats summarises how labelled runs compare with their verdicts.
type LabelStats struct {
	Labelled int
	Correct  int
}

// Accuracy returns Correct/Labelled, or 0 with nothing labelled.
func (s LabelStats) Accuracy() float64 {
	if s.Labelled == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Labelled)
}

// Store keeps the history of analysis runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS analysis_runs (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL,
			video_path TEXT NOT NULL,
			model TEXT NOT NULL,
			sample_rate INT NOT NULL,
			overall_score DOUBLE PRECISION NOT NULL,
			frames_analyzed INT NOT NULL,
			faces_detected INT NOT NULL,
			temporal_inconsistencies DOUBLE PRECISION NOT NULL,
			sum_fake_probability DOUBLE PRECISION NOT NULL DEFAULT 0,
			sum_temporal_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			verdict TEXT NOT NULL,
			label TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS face_results (
			run_id UUID NOT NULL REFERENCES analysis_runs(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			frame_index INT NOT NULL,
			x1 INT NOT NULL,
			y1 INT NOT NULL,
			x2 INT NOT NULL,
			y2 INT NOT NULL,
			fake_probability DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		ALTER TABLE analysis_runs ADD COLUMN IF NOT EXISTS sum_fake_probability DOUBLE PRECISION NOT NULL DEFAULT 0;
		ALTER TABLE analysis_runs ADD COLUMN IF NOT EXISTS sum_temporal_score DOUBLE PRECISION NOT NULL DEFAULT 0;
		CREATE INDEX IF NOT EXISTS analysis_runs_video_id_idx ON analysis_runs (video_id);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases all connections.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveRun inserts the run and its per-face results in one transaction. A zero
// ID is replaced with a new UUID.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	r := run.Result
	_, err = tx.Exec(ctx, `
		INSERT INTO analysis_runs (
			id, video_id, video_path, model, sample_rate, overall_score,
			frames_analyzed, faces_detected, temporal_inconsistencies,
			sum_fake_probability, sum_temporal_score, verdict, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID, run.VideoID, run.VideoPath, run.Model, run.SampleRate, r.OverallScore,
		r.FramesAnalyzed, r.FacesDetected, r.TemporalInconsistencies,
		r.SumFakeProbability, r.SumTemporalScore, string(r.Verdict), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if len(r.PerFaceResults) > 0 {
		rows := make([][]any, len(r.PerFaceResults))
		for i, f := range r.PerFaceResults {
			rows[i] = []any{run.ID, i, f.FrameIndex, f.BBox[0], f.BBox[1], f.BBox[2], f.BBox[3], f.FakeProbability}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"face_results"},
			[]string{"run_id", "seq", "frame_index", "x1", "y1", "x2", "y2", "fake_probability"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert face results: %w", err)
		}
	}

	return tx.Commit(ctx)
}

const runColumns = `id, video_id, video_path, model, sample_rate, overall_score, frames_analyzed,
	faces_detected, temporal_inconsistencies, sum_fake_probability, sum_temporal_score,
	verdict, COALESCE(label, ''), created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var verdict, label string
	err := row.Scan(
		&run.ID, &run.VideoID, &run.VideoPath, &run.Model, &run.SampleRate,
		&run.Result.OverallScore, &run.Result.FramesAnalyzed, &run.Result.FacesDetected,
		&run.Result.TemporalInconsistencies, &run.Result.SumFakeProbability, &run.Result.SumTemporalScore,
		&verdict, &label, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Result.Verdict = analysis.Verdict(verdict)
	run.Label = Label(label)
	return &run, nil
}

// ListRuns returns the most recent runs without their face results. limit <= 0
// returns all of them.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM analysis_runs ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun loads one run including its per-face results in detection order.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM analysis_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT frame_index, x1, y1, x2, y2, fake_probability
		FROM face_results WHERE run_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.Result.PerFaceResults = []analysis.FaceResult{}
	for rows.Next() {
		var f analysis.FaceResult
		if err := rows.Scan(&f.FrameIndex, &f.BBox[0], &f.BBox[1], &f.BBox[2], &f.BBox[3], &f.FakeProbability); err != nil {
			return nil, err
		}
		run.Result.PerFaceResults = append(run.Result.PerFaceResults, f)
	}
	return run, rows.Err()
}

// LabelRun records the ground truth for a run.
func (s *Store) LabelRun(ctx context.Context, id uuid.UUID, label Label) error {
	tag, err := s.pool.Exec(ctx, "UPDATE analysis_runs SET label = $1 WHERE id = $2", string(label), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LabelStats compares every labelled run's verdict with its label.
func (s *Store) LabelStats(ctx context.Context) (LabelStats, error) {
	rows, err := s.pool.Query(ctx, "SELECT label, verdict FROM analysis_runs WHERE label IS NOT NULL")
	if err != nil {
		return LabelStats{}, err
	}
	defer rows.Close()

	var st LabelStats
	for rows.Next() {
		var label, verdict string
		if err := rows.Scan(&label, &verdict); err != nil {
			return LabelStats{}, err
		}
		st.Labelled++
		if Label(label).Agrees(analysis.Verdict(verdict)) {
			st.Correct++
		}
	}
	return st, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS face_results CASCADE;
		DROP TABLE IF EXISTS analysis_runs CASCADE;
	`)
	return err
}
