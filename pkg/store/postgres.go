// The postgres backend keeps scores in the `leaderboard` table. Each session pins one connection of the shared
// database handle so pooling stays under podium's control.

package store

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nobletooth/podium/pkg/board"
)

var postgresDSNFlag = flag.String("postgres_dsn", "postgres://postgres@localhost:5432/podium?sslmode=disable",
	"Connection string of the postgres score store.")

const (
	createTableQuery = `CREATE TABLE IF NOT EXISTS leaderboard (
	player_id BIGINT PRIMARY KEY,
	score BIGINT NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	upsertScoreQuery = `INSERT INTO leaderboard (player_id, score, last_updated) VALUES ($1, $2, now())
ON CONFLICT (player_id) DO UPDATE SET score = EXCLUDED.score, last_updated = EXCLUDED.last_updated`
	topNQuery  = `SELECT player_id, score, last_updated FROM leaderboard ORDER BY score DESC, player_id ASC LIMIT $1`
	scoreQuery = `SELECT score FROM leaderboard WHERE player_id = $1`
)

// scoreRow is the leaderboard table row.
type scoreRow struct {
	PlayerID    int64     `db:"player_id"`
	Score       int64     `db:"score"`
	LastUpdated time.Time `db:"last_updated"`
}

// Postgres dials sessions over a shared database handle.
type Postgres struct {
	db *sqlx.DB

	schemaMux   sync.Mutex
	schemaReady bool
}

// ConnectPostgres opens the database handle and checks it is reachable.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing handle, e.g. one backed by sqlmock.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the shared database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// ensureSchema creates the leaderboard table once per handle. A failed attempt is retried on the next dial.
func (p *Postgres) ensureSchema(ctx context.Context, conn *sqlx.Conn) error {
	p.schemaMux.Lock()
	defer p.schemaMux.Unlock()
	if p.schemaReady {
		return nil
	}
	if _, err := conn.ExecContext(ctx, createTableQuery); err != nil {
		return fmt.Errorf("failed to create leaderboard table: %w", describePQ(err))
	}
	p.schemaReady = true
	return nil
}

// Dial pins a new connection and bootstraps the schema. It matches the Dialer signature.
func (p *Postgres) Dial(ctx context.Context) (Session, error) {
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := p.ensureSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &postgresSession{db: p.db, conn: conn}, nil
}

// describePQ adds the postgres error code to server-side errors.
func describePQ(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres error %s (%s): %w", pqErr.Code, pqErr.Code.Name(), err)
	}
	return err
}

type postgresSession struct {
	db   *sqlx.DB
	conn *sqlx.Conn
}

var _ Session = (*postgresSession)(nil)

func (s *postgresSession) UpsertScore(ctx context.Context, playerID board.PlayerID, score int64) error {
	if _, err := s.conn.ExecContext(ctx, upsertScoreQuery, playerID, score); err != nil {
		return observe(BackendPostgres, "upsert", fmt.Errorf("failed to upsert score: %w", describePQ(err)))
	}
	return observe(BackendPostgres, "upsert", nil)
}

func (s *postgresSession) QueryTopN(ctx context.Context, n int) ([]board.ScoreRecord, error) {
	if n <= 0 {
		return []board.ScoreRecord{}, nil
	}
	var rows []scoreRow
	if err := s.conn.SelectContext(ctx, &rows, topNQuery, n); err != nil {
		return nil, observe(BackendPostgres, "top_n", fmt.Errorf("failed to query top scores: %w", describePQ(err)))
	}
	records := make([]board.ScoreRecord, len(rows))
	for i, row := range rows {
		records[i] = board.ScoreRecord{PlayerID: row.PlayerID, Score: row.Score, LastUpdated: row.LastUpdated}
	}
	return records, observe(BackendPostgres, "top_n", nil)
}

func (s *postgresSession) QueryScore(ctx context.Context, playerID board.PlayerID) (int64, error) {
	var score int64
	if err := s.conn.GetContext(ctx, &score, scoreQuery, playerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, observe(BackendPostgres, "score", ErrNotFound)
		}
		return 0, observe(BackendPostgres, "score", fmt.Errorf("failed to query score: %w", describePQ(err)))
	}
	return score, observe(BackendPostgres, "score", nil)
}

func (s *postgresSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Reconnect drops the pinned connection and pins a fresh one.
func (s *postgresSession) Reconnect(ctx context.Context) error {
	_ = s.conn.Close()
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to reopen postgres connection: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *postgresSession) Close() error {
	return s.conn.Close()
}
