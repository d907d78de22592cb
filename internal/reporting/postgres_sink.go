package reporting

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"go.uber.org/zap"
)

// OutcomeRow is one persisted record: an action outcome, or a single row with
// an empty Action for rejected and skipped invocations.
type OutcomeRow struct {
	InvocationID  string
	CorrelationID string
	Status        string
	RoleID        string
	Scope         string
	PrincipalID   string
	ChangeKind    string
	Reason        string
	Action        string
	Success       bool
	Message       string
	Details       []byte
	DryRun        bool
	DurationMs    int64
	RecordedAt    time.Time
}

// OutcomeStore persists rows in bulk.
type OutcomeStore interface {
	WriteBatch(ctx context.Context, rows []OutcomeRow) error
}

// PostgresSink buffers rows and writes them in batches from a single worker,
// so database latency never reaches the request path.
type PostgresSink struct {
	store     OutcomeStore
	logger    *zap.Logger
	ch        chan OutcomeRow
	batchSize int
	interval  time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPostgresSink creates the sink and starts its worker.
func NewPostgresSink(store OutcomeStore, bufferSize, batchSize int, interval time.Duration, logger *zap.Logger) *PostgresSink {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PostgresSink{
		store:     store,
		logger:    logger.With(zap.String("sink", "postgres_store")),
		ch:        make(chan OutcomeRow, bufferSize),
		batchSize: batchSize,
		interval:  interval,
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Name returns the sink name.
func (s *PostgresSink) Name() string { return "postgres_store" }

// Publish enqueues the report's rows. When the buffer is full rows are
// dropped and an error is returned.
func (s *PostgresSink) Publish(_ context.Context, r Report) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("postgres sink is closed")
	}

	dropped := 0
	for _, row := range rowsFor(r) {
		select {
		case s.ch <- row:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("outcome buffer full: dropped %d rows", dropped)
	}
	return nil
}

// Close stops accepting rows and waits for the final flush.
func (s *PostgresSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("outcome writer stopped")
}

func (s *PostgresSink) worker() {
	defer s.wg.Done()

	batch := make([]OutcomeRow, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// The request context is long gone by the time a batch is written.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.WriteBatch(ctx, batch); err != nil {
			s.logger.Error("outcome flush failed", zap.Int("rows", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case row, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, row)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func rowsFor(r Report) []OutcomeRow {
	base := OutcomeRow{
		InvocationID:  r.InvocationID,
		CorrelationID: r.CorrelationID,
		Status:        string(r.Status),
		DryRun:        r.DryRun,
		RecordedAt:    r.ReceivedAt.Add(r.Duration),
	}
	if r.Event != nil {
		base.RoleID = r.Event.RoleID
		base.Scope = r.Event.Scope
		base.PrincipalID = r.Event.PrincipalID
		base.ChangeKind = string(r.Event.ChangeKind)
	}

	switch r.Status {
	case StatusRejected:
		base.Reason = r.RejectionReason
		base.Message = r.RejectionDetail
		return []OutcomeRow{base}
	case StatusSkipped:
		base.Reason = r.SkipReason
		return []OutcomeRow{base}
	}
	if r.Summary == nil {
		return nil
	}

	rows := make([]OutcomeRow, 0, len(r.Summary.Outcomes))
	for _, o := range r.Summary.Outcomes {
		row := base
		row.Action = o.Action
		row.Success = o.Success
		row.Message = o.Message
		row.DurationMs = o.Duration.Milliseconds()
		row.DryRun = o.DryRun
		if len(o.Details) > 0 {
			row.Details, _ = json.Marshal(o.Details)
		}
		rows = append(rows, row)
	}
	return rows
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const outcomeColumns = 15

// PostgresStore writes outcome rows with multi-row inserts.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// OpenPostgresStore connects through the pgx driver.
func OpenPostgresStore(ctx context.Context, dsn, table string, maxOpenConns int) (*PostgresStore, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{db: db, table: table}, nil
}

// EnsureSchema creates the outcome table when it does not exist.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	invocation_id TEXT NOT NULL,
	correlation_id TEXT,
	status TEXT NOT NULL,
	role_id TEXT,
	scope TEXT,
	principal_id TEXT,
	change_kind TEXT,
	reason TEXT,
	action TEXT,
	success BOOLEAN NOT NULL DEFAULT FALSE,
	message TEXT,
	details JSONB,
	dry_run BOOLEAN NOT NULL DEFAULT FALSE,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL
)`, p.table))
	if err != nil {
		return fmt.Errorf("creating table %s: %w", p.table, err)
	}
	return nil
}

// WriteBatch inserts all rows in one statement.
func (p *PostgresStore) WriteBatch(ctx context.Context, rows []OutcomeRow) error {
	if len(rows) == 0 {
		return nil
	}
	query, args := buildInsert(p.table, rows)
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting %d outcome rows: %w", len(rows), err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func buildInsert(table string, rows []OutcomeRow) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(table)
	sb.WriteString(" (invocation_id, correlation_id, status, role_id, scope, principal_id, change_kind, reason, action, success, message, details, dry_run, duration_ms, recorded_at) VALUES ")

	args := make([]interface{}, 0, len(rows)*outcomeColumns)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 1; c <= outcomeColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*outcomeColumns+c)
		}
		sb.WriteString(")")

		var details interface{}
		if len(r.Details) > 0 {
			details = string(r.Details)
		}
		args = append(args,
			r.InvocationID, r.CorrelationID, r.Status, r.RoleID, r.Scope, r.PrincipalID,
			r.ChangeKind, r.Reason, r.Action, r.Success, r.Message, details, r.DryRun,
			r.DurationMs, r.RecordedAt,
		)
	}
	return sb.String(), args
}
