package repo

import (
    "context"
    "database/sql"
    "errors"
    "net"
    "net/url"
    "os"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"

    "github.com/google/uuid"
    "github.com/tinoosan/modeld/internal/data"
)

// PostgresRepo implements AttemptRepo backed by PostgreSQL.
// It expects a table `attempts` with a unique index on `job_id`.
type PostgresRepo struct {
    db *sql.DB
}

var _ AttemptRepo = (*PostgresRepo)(nil)

// NewPostgresRepo constructs a repository using the provided DSN.
func NewPostgresRepo(dsn string) (*PostgresRepo, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    r := &PostgresRepo{db: db}
    if err := r.ensureSchema(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    return r, nil
}

// NewPostgresRepoFromEnv constructs a DSN using component env vars.
// Recognized envs (with defaults):
//   POSTGRES_HOST (postgres), POSTGRES_PORT (5432), POSTGRES_DB (modeld),
//   POSTGRES_USER (modeld), POSTGRES_PASSWORD (empty), POSTGRES_SSLMODE (disable)
func NewPostgresRepoFromEnv() (*PostgresRepo, error) {
    return NewPostgresRepo(DSNFromEnv())
}

// DSNFromEnv builds a postgres URL from the POSTGRES_* variables. Credentials
// and db name are URL-encoded.
func DSNFromEnv() string {
    host := getenv("POSTGRES_HOST", "postgres")
    port := getenv("POSTGRES_PORT", "5432")
    db := getenv("POSTGRES_DB", "modeld")
    user := getenv("POSTGRES_USER", "modeld")
    pass := getenv("POSTGRES_PASSWORD", "")
    ssl := getenv("POSTGRES_SSLMODE", "disable")

    u := &url.URL{
        Scheme: "postgres",
        User:   url.UserPassword(user, pass),
        Host:   net.JoinHostPort(host, port),
        Path:   "/" + db,
    }
    q := url.Values{}
    q.Set("sslmode", ssl)
    u.RawQuery = q.Encode()
    return u.String()
}

func getenv(k, def string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return def
}

func (r *PostgresRepo) Close() error { return r.db.Close() }

// Ping checks the database connection.
func (r *PostgresRepo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *PostgresRepo) ensureSchema(ctx context.Context) error {
    _, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS attempts (
    id UUID PRIMARY KEY,
    job_id TEXT NOT NULL UNIQUE,
    model_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    bytes_downloaded BIGINT NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS attempts_model_id_idx ON attempts (model_id, started_at);
`)
    return err
}

const attemptColumns = `id,job_id,model_id,outcome,error,bytes_downloaded,started_at,finished_at`

// List implements AttemptReader.List
func (r *PostgresRepo) List(ctx context.Context, modelID string) (data.Attempts, error) {
    var (
        rows *sql.Rows
        err  error
    )
    if modelID == "" {
        rows, err = r.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts ORDER BY started_at ASC`)
    } else {
        rows, err = r.db.QueryContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE model_id=$1 ORDER BY started_at ASC`, modelID)
    }
    if err != nil { return nil, err }
    defer rows.Close()
    out := make(data.Attempts, 0)
    for rows.Next() {
        a, err := scanAttempt(rows)
        if err != nil { return nil, err }
        out = append(out, a)
    }
    return out, rows.Err()
}

// Get implements AttemptReader.Get
func (r *PostgresRepo) Get(ctx context.Context, jobID string) (*data.Attempt, error) {
    row := r.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE job_id=$1`, jobID)
    a, err := scanAttempt(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return nil, data.ErrNotFound }
        return nil, err
    }
    return a, nil
}

// Begin implements an atomic check-then-insert keyed by job id.
func (r *PostgresRepo) Begin(ctx context.Context, a *data.Attempt) (*data.Attempt, bool, error) {
    id := a.ID
    if id == "" {
        id = uuid.NewString()
    }
    outcome := a.Outcome
    if outcome == "" {
        outcome = data.OutcomeRunning
    }
    err := r.db.QueryRowContext(ctx, `
WITH ins AS (
    INSERT INTO attempts (id,job_id,model_id,outcome,error,bytes_downloaded,started_at,finished_at)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (job_id) DO NOTHING
    RETURNING id
)
SELECT id FROM ins
`, id, a.JobID, a.ModelID, string(outcome), a.Error, a.BytesDownloaded, a.StartedAt, a.FinishedAt).Scan(&id)
    if err != nil && !errors.Is(err, sql.ErrNoRows) {
        return nil, false, err
    }
    rec, gerr := r.Get(ctx, a.JobID)
    if gerr != nil {
        return nil, false, gerr
    }
    return rec, err == nil, nil
}

// Update serializes writers per row using SELECT ... FOR UPDATE.
func (r *PostgresRepo) Update(ctx context.Context, jobID string, mutate func(*data.Attempt) error) (*data.Attempt, error) {
    tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
    if err != nil { return nil, err }
    defer func() {
        _ = tx.Rollback()
    }()

    row := tx.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE job_id=$1 FOR UPDATE`, jobID)
    cur, err := scanAttempt(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return nil, data.ErrNotFound }
        return nil, err
    }

    next := cur.Clone()
    if mutate != nil {
        if err := mutate(next); err != nil { return nil, err }
    }
    if equalAttempts(cur, next) {
        if err := tx.Commit(); err != nil { return nil, err }
        return cur, nil
    }

    if _, err := tx.ExecContext(ctx, `UPDATE attempts SET outcome=$1, error=$2, bytes_downloaded=$3, finished_at=$4 WHERE job_id=$5`,
        string(next.Outcome), next.Error, next.BytesDownloaded, next.FinishedAt, jobID); err != nil {
        return nil, err
    }
    if err := tx.Commit(); err != nil { return nil, err }
    next.ID, next.JobID, next.ModelID = cur.ID, cur.JobID, cur.ModelID
    return next, nil
}

// DeleteModel implements AttemptWriter.DeleteModel
func (r *PostgresRepo) DeleteModel(ctx context.Context, modelID string) error {
    _, err := r.db.ExecContext(ctx, `DELETE FROM attempts WHERE model_id=$1`, modelID)
    return err
}

// Helpers

type rowScanner interface{ Scan(dest ...any) error }

func scanAttempt(rs rowScanner) (*data.Attempt, error) {
    var (
        a        data.Attempt
        outcome  string
        finished sql.NullTime
    )
    if err := rs.Scan(&a.ID, &a.JobID, &a.ModelID, &outcome, &a.Error, &a.BytesDownloaded, &a.StartedAt, &finished); err != nil {
        return nil, err
    }
    a.Outcome = data.Outcome(outcome)
    if finished.Valid {
        t := finished.Time
        a.FinishedAt = &t
    }
    return &a, nil
}

func equalAttempts(a, b *data.Attempt) bool {
    if a == nil || b == nil { return a == b }
    if a.Outcome != b.Outcome || a.Error != b.Error || a.BytesDownloaded != b.BytesDownloaded {
        return false
    }
    switch {
    case a.FinishedAt == nil && b.FinishedAt == nil:
        return true
    case a.FinishedAt == nil || b.FinishedAt == nil:
        return false
    }
    return a.FinishedAt.Equal(*b.FinishedAt)
}
