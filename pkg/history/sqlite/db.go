// Package sqlite keeps the run history in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/history"
	"github.com/fluxcd/relay/pkg/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

const memoryDSN = ":memory:"

// DB is a history.Store backed by SQLite.
type DB struct {
	db *sql.DB
}

var _ history.Store = &DB{}

// Open opens a SQLite database at the given path and runs all pending
// migrations. Use ":memory:" for an in-memory database.
func Open(dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// Pragmas are per connection, and each connection to ":memory:"
	// is its own database. There's only one writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable WAL")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enable foreign keys")
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set goose dialect")
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveRun inserts the run, or replaces what was recorded for it.
func (d *DB) SaveRun(ctx context.Context, run *pipeline.Run) error {
	push, err := json.Marshal(run.Trigger)
	if err != nil {
		return errors.Wrap(err, "marshal push event")
	}
	stages := run.Stages
	if stages == nil {
		stages = []pipeline.StageResult{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return errors.Wrap(err, "marshal stages")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, push, state, stages, revision, artifact, started_at, ended_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   state = excluded.state,
		   stages = excluded.stages,
		   revision = excluded.revision,
		   artifact = excluded.artifact,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   error = excluded.error`,
		run.ID, run.Pipeline, string(push), string(run.State), string(stagesJSON),
		run.Revision, run.Artifact, unixNano(run.StartedAt), nullTime(run.EndedAt), run.Err,
	)
	if err != nil {
		return errors.Wrapf(err, "save run %s", run.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const runColumns = `id, pipeline, push, state, stages, revision, artifact, started_at, ended_at, error`

func scanRun(row scanner) (pipeline.Run, error) {
	var (
		run          pipeline.Run
		push, stages string
		state        string
		started      int64
		ended        sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &push, &state, &stages, &run.Revision, &run.Artifact, &started, &ended, &run.Err); err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(push), &run.Trigger); err != nil {
		return run, errors.Wrapf(err, "unmarshal push event of run %s", run.ID)
	}
	if err := json.Unmarshal([]byte(stages), &run.Stages); err != nil {
		return run, errors.Wrapf(err, "unmarshal stages of run %s", run.ID)
	}
	run.State = pipeline.State(state)
	run.StartedAt = fromUnixNano(started)
	if ended.Valid {
		run.EndedAt = fromUnixNano(ended.Int64)
	}
	return run, nil
}

func (d *DB) Run(ctx context.Context, id string) (pipeline.Run, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return run, history.RunNotFound(id)
	}
	if err != nil {
		return run, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

func (d *DB) Runs(ctx context.Context, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = -1 // no limit, to SQLite
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	runs := []pipeline.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Prune deletes all but the keep most recent runs. Their events go
// with them.
func (d *DB) Prune(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN (
		   SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?
		 )`, keep)
	if err != nil {
		return 0, errors.Wrap(err, "prune runs")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// LogEvent records the event. The ID it's given is ignored; the
// database assigns one.
func (d *DB) LogEvent(ev event.Event) error {
	var metadata sql.NullString
	if ev.Metadata != nil {
		bytes, err := json.Marshal(ev.Metadata)
		if err != nil {
			return errors.Wrap(err, "marshal event metadata")
		}
		metadata = sql.NullString{String: string(bytes), Valid: true}
	}
	ended := ev.EndedAt
	if ended.IsZero() {
		ended = ev.StartedAt
	}
	_, err := d.db.ExecContext(context.Background(),
		`INSERT INTO events (run_id, type, started_at, ended_at, log_level, message, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		nullString(ev.RunID), ev.Type, unixNano(ev.StartedAt), unixNano(ended), ev.LogLevel, ev.Message, metadata,
	)
	if err != nil {
		return errors.Wrapf(err, "log %s event", ev.Type)
	}
	return nil
}

const eventColumns = `id, run_id, type, started_at, ended_at, log_level, message, metadata`

func scanEvent(row scanner) (event.Event, error) {
	var (
		ev              event.Event
		runID, metadata sql.NullString
		started, ended  int64
	)
	if err := row.Scan(&ev.ID, &runID, &ev.Type, &started, &ended, &ev.LogLevel, &ev.Message, &metadata); err != nil {
		return ev, err
	}
	ev.RunID = runID.String
	ev.StartedAt = fromUnixNano(started)
	ev.EndedAt = fromUnixNano(ended)
	if metadata.Valid {
		// the event's own unmarshalling knows which metadata type
		// goes with which event type
		wire, err := json.Marshal(struct {
			Type     string          `json:"type"`
			Metadata json.RawMessage `json:"metadata"`
		}{ev.Type, json.RawMessage(metadata.String)})
		if err != nil {
			return ev, err
		}
		var withMetadata event.Event
		if err := json.Unmarshal(wire, &withMetadata); err != nil {
			return ev, errors.Wrapf(err, "unmarshal metadata of event %d", ev.ID)
		}
		ev.Metadata = withMetadata.Metadata
	}
	return ev, nil
}

func (d *DB) queryEvents(ctx context.Context, query string, params ...interface{}) ([]event.Event, error) {
	rows, err := d.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *DB) Events(ctx context.Context, limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return d.queryEvents(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id DESC LIMIT ?`, limit)
}

func (d *DB) EventsForRun(ctx context.Context, runID string) ([]event.Event, error) {
	return d.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY id`, runID)
}
