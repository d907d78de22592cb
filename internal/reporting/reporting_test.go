package reporting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lvonguyen/bastionguard/internal/normalization"
	"github.com/lvonguyen/bastionguard/internal/observability"
	"github.com/lvonguyen/bastionguard/internal/remediation"
)

func completedReport() Report {
	return Report{
		InvocationID:  "inv-1",
		CorrelationID: "corr-1",
		Status:        StatusCompleted,
		Event: &normalization.RoleChangeEvent{
			RoleID:      "/providers/Microsoft.Authorization/roleDefinitions/r1",
			ChangeKind:  normalization.ChangeGranted,
			Scope:       "/subscriptions/s1/resourceGroups/rg",
			PrincipalID: "p1",
		},
		Summary: &remediation.ExecutionSummary{
			InvocationID: "inv-1",
			Outcomes: []remediation.ActionOutcome{
				{Action: "create_bastion", Success: true, Message: "bastion created", Details: map[string]any{"created": true}, Duration: 2 * time.Second},
				{Action: "log_role_change", Success: false, Message: "handler not found"},
			},
		},
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// =============================================================================
// Reporter Tests
// =============================================================================

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Publish(context.Context, Report) error {
	f.calls++
	return errors.New("backend down")
}

type recordingSink struct{ reports []Report }

func (r *recordingSink) Name() string { return "recording" }
func (r *recordingSink) Publish(_ context.Context, rep Report) error {
	r.reports = append(r.reports, rep)
	return nil
}

// TestReporter_SinkFailureIsolated verifies a failing sink does not stop the others.
func TestReporter_SinkFailureIsolated(t *testing.T) {
	bad := &failingSink{}
	good := &recordingSink{}
	var failed []string
	rep := NewReporter(zap.NewNop(), bad, good)
	rep.OnSinkError(func(name string) { failed = append(failed, name) })

	rep.Report(context.Background(), completedReport())

	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.reports, 1)
	assert.Equal(t, []string{"failing"}, failed)
	assert.Equal(t, []string{"failing", "recording"}, rep.Sinks())
}

// =============================================================================
// Log Sink Tests
// =============================================================================

// TestLogSink_Levels verifies the taxonomy maps to log levels.
func TestLogSink_Levels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, Report{InvocationID: "a", Status: StatusRejected, RejectionReason: "not_applicable"}))
	require.NoError(t, sink.Publish(ctx, Report{InvocationID: "b", Status: StatusSkipped, SkipReason: "role_not_configured"}))
	require.NoError(t, sink.Publish(ctx, completedReport()))

	assert.Equal(t, zap.DebugLevel, logs.FilterMessage("event rejected").All()[0].Level)
	assert.Equal(t, zap.InfoLevel, logs.FilterMessage("event skipped").All()[0].Level)

	outcomes := logs.FilterMessage("action outcome").All()
	require.Len(t, outcomes, 2)
	assert.Equal(t, zap.InfoLevel, outcomes[0].Level)
	assert.Equal(t, zap.WarnLevel, outcomes[1].Level)
	assert.Equal(t, "corr-1", outcomes[0].ContextMap()["correlation_id"])
	assert.Equal(t, "inv-1", outcomes[0].ContextMap()["invocation_id"])

	done := logs.FilterMessage("invocation completed").All()
	require.Len(t, done, 1)
	assert.Equal(t,
		[]interface{}{"create_bastion: bastion created", "log_role_change: handler not found"},
		done[0].ContextMap()["messages"],
	)
}

// =============================================================================
// Metrics Sink Tests
// =============================================================================

func TestMetricsSink(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	sink := NewMetricsSink(m)
	ctx := context.Background()

	require.NoError(t, sink.Publish(ctx, completedReport()))
	require.NoError(t, sink.Publish(ctx, Report{Status: StatusSkipped, SkipReason: "role_not_configured"}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SkipsTotal.WithLabelValues("role_not_configured")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("create_bastion", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsTotal.WithLabelValues("log_role_change", "failure")))
}

// =============================================================================
// Redis Stream Sink Tests
// =============================================================================

type fakeStream struct {
	args *redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = a
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisStreamSink(t *testing.T) {
	fake := &fakeStream{}
	sink := NewRedisStreamSink(fake, "bastionguard:outcomes", 500)

	require.NoError(t, sink.Publish(context.Background(), completedReport()))

	require.NotNil(t, fake.args)
	assert.Equal(t, "bastionguard:outcomes", fake.args.Stream)
	assert.Equal(t, int64(500), fake.args.MaxLen)
	assert.True(t, fake.args.Approx)
	values := fake.args.Values.(map[string]interface{})
	assert.Equal(t, "completed", values["status"])
	assert.Equal(t, 1, values["failed"])
	assert.Contains(t, string(values["payload"].([]byte)), `"invocation_id":"inv-1"`)

	fake.err = errors.New("connection refused")
	assert.Error(t, sink.Publish(context.Background(), completedReport()))
}

// =============================================================================
// Postgres Sink Tests
// =============================================================================

type memoryStore struct {
	mu      sync.Mutex
	batches [][]OutcomeRow
}

func (m *memoryStore) WriteBatch(_ context.Context, rows []OutcomeRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]OutcomeRow(nil), rows...))
	return nil
}

func (m *memoryStore) rows() []OutcomeRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutcomeRow
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

// TestPostgresSink_FlushOnClose verifies buffered rows are written on shutdown.
func TestPostgresSink_FlushOnClose(t *testing.T) {
	store := &memoryStore{}
	sink := NewPostgresSink(store, 10, 100, time.Hour, zap.NewNop())

	require.NoError(t, sink.Publish(context.Background(), completedReport()))
	require.NoError(t, sink.Publish(context.Background(), Report{InvocationID: "inv-2", Status: StatusRejected, RejectionReason: "not_applicable"}))
	sink.Close()

	rows := store.rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "create_bastion", rows[0].Action)
	assert.JSONEq(t, `{"created":true}`, string(rows[0].Details))
	assert.Equal(t, int64(2000), rows[0].DurationMs)
	assert.Equal(t, "", rows[2].Action)
	assert.Equal(t, "not_applicable", rows[2].Reason)

	assert.Error(t, sink.Publish(context.Background(), completedReport()), "publish after close")
}

// TestPostgresSink_BatchSize verifies a full batch is flushed without waiting
// for the ticker.
func TestPostgresSink_BatchSize(t *testing.T) {
	store := &memoryStore{}
	sink := NewPostgresSink(store, 10, 2, time.Hour, zap.NewNop())
	defer sink.Close()

	require.NoError(t, sink.Publish(context.Background(), completedReport()))

	assert.Eventually(t, func() bool { return len(store.rows()) == 2 }, time.Second, 5*time.Millisecond)
}

// TestPostgresSink_BufferFull verifies overflow is reported, not blocking.
func TestPostgresSink_BufferFull(t *testing.T) {
	block := make(chan struct{})
	store := &blockingStore{release: block}
	sink := NewPostgresSink(store, 1, 1, time.Hour, zap.NewNop())

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = sink.Publish(context.Background(), completedReport())
	}
	assert.Error(t, err)

	close(block)
	sink.Close()
}

type blockingStore struct{ release chan struct{} }

func (b *blockingStore) WriteBatch(ctx context.Context, _ []OutcomeRow) error {
	<-b.release
	return nil
}

func TestBuildInsert(t *testing.T) {
	rows := rowsFor(completedReport())
	query, args := buildInsert("action_outcomes", rows)

	assert.True(t, strings.HasPrefix(query, "INSERT INTO action_outcomes ("))
	assert.Contains(t, query, "($1, $2, $3")
	assert.Contains(t, query, "$30)")
	assert.Len(t, args, 2*outcomeColumns)
}
