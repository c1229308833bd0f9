package stages

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/synoptiq/go-stageflow"
)

// WriteYAML writes its inputs as a YAML document below the pipeline output
// directory. A "{iter}" placeholder in the file name is replaced by the
// iteration index, so repeated final stages keep every intermediate result.
type WriteYAML struct {
	dir    string
	file   string
	logger *zap.Logger
}

// NewWriteYAML builds a WriteYAML stage. The "file" argument defaults to
// "<stage>.yml".
func NewWriteYAML(env stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	file, err := args.String("file", env.StageName+".yml")
	if err != nil {
		return nil, err
	}
	if file == "" || filepath.IsAbs(file) {
		return nil, fmt.Errorf("file must be a relative path, got %q", file)
	}
	return &WriteYAML{dir: env.Output, file: file, logger: env.Logger}, nil
}

// Path returns the file written for the given iteration.
func (w *WriteYAML) Path(iteration int) string {
	return filepath.Join(w.dir, strings.ReplaceAll(w.file, "{iter}", strconv.Itoa(iteration)))
}

// Invoke implements stageflow.Stage.
func (w *WriteYAML) Invoke(_ context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
	data, err := yaml.Marshal(stageflow.Plain(inv.Inputs))
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	path := w.Path(inv.Iteration)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	w.logger.Debug("wrote results", zap.String("path", path), zap.Int("iteration", inv.Iteration))
	return nil, nil
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteSink stores every invocation as a row of a SQLite table: the stage
// key, the iteration and the inputs encoded as JSON.
type SQLiteSink struct {
	db     *sql.DB
	table  string
	logger *zap.Logger

	mu     sync.Mutex
	insert *sql.Stmt
}

// NewSQLiteSink opens "<output>/<database>" and creates the table if needed.
// The "database" argument defaults to "stageflow.db"; ":memory:" keeps the
// rows in memory. "table" defaults to "records".
func NewSQLiteSink(env stageflow.BuildEnv, args stageflow.Args) (stageflow.Stage, error) {
	database, err := args.String("database", "stageflow.db")
	if err != nil {
		return nil, err
	}
	table, err := args.String("table", "records")
	if err != nil {
		return nil, err
	}
	dsn := database
	if database != ":memory:" {
		dsn = filepath.Join(env.Output, database)
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return OpenSQLiteSink(dsn, table, env.Logger)
}

// OpenSQLiteSink opens the database at dsn and prepares the table.
func OpenSQLiteSink(dsn, table string, logger *zap.Logger) (*SQLiteSink, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stage TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`, table)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	insert, err := db.Prepare(fmt.Sprintf("INSERT INTO %s (stage, iteration, payload) VALUES (?, ?, ?)", table))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	logger.Info("sqlite sink ready", zap.String("dsn", dsn), zap.String("table", table))
	return &SQLiteSink{db: db, table: table, logger: logger, insert: insert}, nil
}

// DB returns the underlying database handle.
func (s *SQLiteSink) DB() *sql.DB {
	return s.db
}

// Invoke implements stageflow.Stage.
func (s *SQLiteSink) Invoke(ctx context.Context, inv stageflow.Invocation) (stageflow.Record, error) {
	payload, err := json.Marshal(stageflow.Plain(inv.Inputs))
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return nil, fmt.Errorf("sqlite sink %s is closed", s.table)
	}
	if _, err := s.insert.ExecContext(ctx, inv.Stage, inv.Iteration, string(payload)); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil, nil
}

// Close implements stageflow.Closer.
func (s *SQLiteSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insert == nil {
		return nil
	}
	stmtErr := s.insert.Close()
	s.insert = nil
	if err := s.db.Close(); err != nil {
		return err
	}
	return stmtErr
}

var (
	_ stageflow.Stage  = (*SQLiteSink)(nil)
	_ stageflow.Closer = (*SQLiteSink)(nil)
	_ stageflow.Stage  = (*WriteYAML)(nil)
)
