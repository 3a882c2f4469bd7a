// Package indexdb maintains a queryable sqlite read model of the journal.
// The JSONL journal stays the source of truth; the index may drop records
// when its writer falls behind.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	glog "strategos.gg/internal/persistence/log"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan glog.Entry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
	written atomic.Uint64
}

// Stats reports writer queue health.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	Dropped       uint64
	Written       uint64
}

// Step is one row of the steps table.
type Step struct {
	GameID string
	Round  int
	Step   string
	Player string
	At     time.Time
}

// Roll is one row of the rolls table.
type Roll struct {
	GameID     string
	Round      int
	Player     string
	Annotation string
	Values     []int
	Verified   bool
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return open(path, 4096)
}

func open(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan glog.Entry, queue)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			step TEXT NOT NULL,
			player TEXT NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_steps_game_round ON steps(game_id, round);`,
		`CREATE TABLE IF NOT EXISTS rolls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			player TEXT NOT NULL,
			annotation TEXT NOT NULL,
			values_json TEXT NOT NULL,
			verified INTEGER NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rolls_game_player ON rolls(game_id, player);`,
		`CREATE TABLE IF NOT EXISTS saves (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			step TEXT NOT NULL,
			path TEXT NOT NULL,
			at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS games (
			game_id TEXT PRIMARY KEY,
			winner TEXT NOT NULL,
			round INTEGER NOT NULL,
			ended_at INTEGER NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Record enqueues e without blocking.
func (s *SQLiteIndex) Record(e glog.Entry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Dropped:       s.dropped.Load(),
		Written:       s.written.Load(),
	}
}

// Steps lists the recorded steps of a game in insertion order.
func (s *SQLiteIndex) Steps(ctx context.Context, gameID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT game_id,round,step,player,at FROM steps WHERE game_id=? ORDER BY id`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var st Step
		var at int64
		if err := rows.Scan(&st.GameID, &st.Round, &st.Step, &st.Player, &at); err != nil {
			return nil, err
		}
		st.At = time.UnixMilli(at).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Rolls lists the recorded dice rolls of a game. An empty player matches all.
func (s *SQLiteIndex) Rolls(ctx context.Context, gameID, player string) ([]Roll, error) {
	q := `SELECT game_id,round,player,annotation,values_json,verified FROM rolls WHERE game_id=?`
	args := []any{gameID}
	if player != "" {
		q += ` AND player=?`
		args = append(args, player)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Roll
	for rows.Next() {
		var r Roll
		var vals string
		var verified int
		if err := rows.Scan(&r.GameID, &r.Round, &r.Player, &r.Annotation, &vals, &verified); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vals), &r.Values); err != nil {
			return nil, fmt.Errorf("roll values: %w", err)
		}
		r.Verified = verified != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Winner returns the recorded winner of a finished game.
func (s *SQLiteIndex) Winner(ctx context.Context, gameID string) (string, bool, error) {
	var w string
	err := s.db.QueryRowContext(ctx, `SELECT winner FROM games WHERE game_id=?`, gameID).Scan(&w)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return w, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err == nil {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for e := range s.ch {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		if err := insert(ctx, tx, e); err != nil {
			rollback()
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}

func insert(ctx context.Context, tx *sql.Tx, e glog.Entry) error {
	var err error
	switch e.Kind {
	case glog.KindStep:
		_, err = tx.ExecContext(ctx, `INSERT INTO steps(game_id,round,step,player,at) VALUES(?,?,?,?,?)`,
			e.GameID, e.Round, e.Step, e.Player, e.At)
	case glog.KindRoll:
		vals, _ := json.Marshal(e.Values)
		if e.Values == nil {
			vals = []byte("[]")
		}
		verified := 0
		if e.Verified {
			verified = 1
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO rolls(game_id,round,player,annotation,values_json,verified,at) VALUES(?,?,?,?,?,?,?)`,
			e.GameID, e.Round, e.Player, e.Annotation, string(vals), verified, e.At)
	case glog.KindSave:
		_, err = tx.ExecContext(ctx, `INSERT INTO saves(game_id,round,step,path,at) VALUES(?,?,?,?,?)`,
			e.GameID, e.Round, e.Step, e.Path, e.At)
	case glog.KindEnd:
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO games(game_id,winner,round,ended_at) VALUES(?,?,?,?)`,
			e.GameID, e.Winner, e.Round, e.At)
	default:
		err = fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	return err
}
