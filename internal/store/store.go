// Package store persists finished analysis reports in SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kikiluvv/examguard/internal/proctor"
	"github.com/kikiluvv/examguard/pkg/util"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Store is a report repository backed by database/sql.
type Store struct {
	logger zerolog.Logger
	db     *sql.DB
	driver string
}

// SessionSummary is one row of the session listing.
type SessionSummary struct {
	ID              string
	Source          string
	Verdict         proctor.Verdict
	MeanProbability float64
	TalkingEvents   int
	FramesAnalyzed  int
	Stopped         bool
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Open connects with driver "sqlite3" or "pgx" and applies migrations.
func Open(ctx context.Context, logger zerolog.Logger, driver, dsn string) (*Store, error) {
	var dialect goose.Dialect
	switch driver {
	case "sqlite3":
		dialect = goose.DialectSQLite3
		if path := sqlitePath(dsn); path != "" {
			if err := util.EnsureDir(filepath.Dir(path)); err != nil {
				return nil, err
			}
		}
	case "pgx":
		dialect = goose.DialectPostgres
	default:
		return nil, errors.Newf("unsupported store driver %q", driver)
	}

	if driver == "sqlite3" && !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=on&_busy_timeout=5000"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WithHint(errors.Wrap(err, "connect to database"), "check store.dsn")
	}

	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create migration provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply migrations")
	}

	logger = logger.With().Str("component", "store").Str("driver", driver).Logger()
	logger.Debug().Int("applied", len(results)).Msg("database ready")

	return &Store{logger: logger, db: db, driver: driver}, nil
}

// sqlitePath returns the file behind a plain-path DSN, or "" for memory
// and URI DSNs.
func sqlitePath(dsn string) string {
	if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	return dsn
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveReport writes the session, its series and its events in one
// transaction.
func (s *Store) SaveReport(ctx context.Context, r *proctor.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		bEye, bHead sql.NullFloat64
		bFrames     sql.NullInt64
	)
	if r.Baseline != nil {
		bEye = sql.NullFloat64{Float64: r.Baseline.EyeDisplacement, Valid: true}
		bHead = sql.NullFloat64{Float64: r.Baseline.HeadOffset, Valid: true}
		bFrames = sql.NullInt64{Int64: int64(r.Baseline.Frames), Valid: true}
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (id, source, fps, total_frames, frames_read, frames_analyzed,
			talking_events, mean_probability, verdict, stopped,
			baseline_eye, baseline_head, baseline_frames, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.SessionID, r.Source, r.FPS, r.TotalFrames, r.FramesRead, r.FramesAnalyzed,
		r.TalkingEvents, r.MeanProbability, string(r.Verdict), r.Stopped,
		bEye, bHead, bFrames, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "insert session %s", r.SessionID)
	}

	obsStmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO observations (session_id, seq, at_seconds, eye, head, mouth, probability)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer obsStmt.Close()

	series := r.Series
	for i := 0; i < series.Len(); i++ {
		if _, err := obsStmt.ExecContext(ctx, r.SessionID, i,
			series.Time[i], series.Eye[i], series.Head[i], series.Mouth[i], series.Probability[i]); err != nil {
			return errors.Wrapf(err, "insert observation %d", i)
		}
	}

	evStmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO events (session_id, seq, frame, at_seconds, reason)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer evStmt.Close()

	for i, ev := range r.Events {
		if _, err := evStmt.ExecContext(ctx, r.SessionID, i, ev.Frame, ev.Timestamp, ev.Reason); err != nil {
			return errors.Wrapf(err, "insert event %d", i)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Info().
		Str("session", r.SessionID).
		Int("observations", series.Len()).
		Int("events", len(r.Events)).
		Msg("report saved")
	return nil
}

// LoadReport reads a saved report back.
func (s *Store) LoadReport(ctx context.Context, id string) (*proctor.Report, error) {
	r := &proctor.Report{SessionID: id}
	var (
		verdict     string
		bEye, bHead sql.NullFloat64
		bFrames     sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT source, fps, total_frames, frames_read, frames_analyzed, talking_events,
			mean_probability, verdict, stopped, baseline_eye, baseline_head, baseline_frames,
			started_at, finished_at
		FROM sessions WHERE id = ?`), id).Scan(
		&r.Source, &r.FPS, &r.TotalFrames, &r.FramesRead, &r.FramesAnalyzed, &r.TalkingEvents,
		&r.MeanProbability, &verdict, &r.Stopped, &bEye, &bHead, &bFrames,
		&r.StartedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", id)
	}
	r.Verdict = proctor.Verdict(verdict)
	if bEye.Valid {
		r.Baseline = &proctor.Baseline{
			EyeDisplacement: bEye.Float64,
			HeadOffset:      bHead.Float64,
			Frames:          int(bFrames.Int64),
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT at_seconds, eye, head, mouth, probability
		FROM observations WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var t, eye, head, mouth, prob float64
		if err := rows.Scan(&t, &eye, &head, &mouth, &prob); err != nil {
			rows.Close()
			return nil, err
		}
		r.Series.Time = append(r.Series.Time, t)
		r.Series.Eye = append(r.Series.Eye, eye)
		r.Series.Head = append(r.Series.Head, head)
		r.Series.Mouth = append(r.Series.Mouth, mouth)
		r.Series.Probability = append(r.Series.Probability, prob)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, s.rebind(`
		SELECT frame, at_seconds, reason
		FROM events WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var ev proctor.Event
		if err := rows.Scan(&ev.Frame, &ev.Timestamp, &ev.Reason); err != nil {
			return nil, err
		}
		r.Events = append(r.Events, ev)
	}
	return r, rows.Err()
}

// ListSessions returns the most recent sessions first. limit <= 0 lists all.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	query := `
		SELECT id, source, verdict, mean_probability, talking_events, frames_analyzed,
			stopped, started_at, finished_at
		FROM sessions ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			sum     SessionSummary
			verdict string
		)
		if err := rows.Scan(&sum.ID, &sum.Source, &verdict, &sum.MeanProbability,
			&sum.TalkingEvents, &sum.FramesAnalyzed, &sum.Stopped,
			&sum.StartedAt, &sum.FinishedAt); err != nil {
			return nil, err
		}
		sum.Verdict = proctor.Verdict(verdict)
		out = append(out, sum)
	}
	return out, rows.Err()
}
