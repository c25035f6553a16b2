package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

type blobUpload struct {
	path        string
	contentType string
	body        []byte
}

type fakeBlob struct {
	mu      sync.Mutex
	err     error
	uploads []blobUpload
}

func (f *fakeBlob) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	if f.err != nil {
		return f.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, blobUpload{path: path, contentType: contentType, body: body})
	return nil
}

type fakeTradeArchive struct {
	records []domain.TradeRecord
	listErr error
	deletes int
}

func (f *fakeTradeArchive) ListOlderThan(_ context.Context, _ time.Time, limit int) ([]domain.TradeRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.records) > limit {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeTradeArchive) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	f.deletes++
	return int64(len(f.records)), nil
}

type fakeAlertArchive struct {
	records []domain.RiskAlert
	listErr error
	deletes int
}

func (f *fakeAlertArchive) ListOlderThan(_ context.Context, _ time.Time, limit int) ([]domain.RiskAlert, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.records) > limit {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeAlertArchive) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	f.deletes++
	return int64(len(f.records)), nil
}

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeLocks struct {
	held     bool
	acquires int
	unlocks  int
}

func (f *fakeLocks) Acquire(_ context.Context, _ string, _ time.Duration) (func(), error) {
	f.acquires++
	if f.held {
		return nil, domain.ErrLockHeld
	}
	return func() { f.unlocks++ }, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	archiver *Archiver
	blob     *fakeBlob
	trades   *fakeTradeArchive
	alerts   *fakeAlertArchive
	audit    *fakeAudit
	locks    *fakeLocks
	clk      *clock.Fake
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		blob:   &fakeBlob{},
		trades: &fakeTradeArchive{},
		alerts: &fakeAlertArchive{},
		audit:  &fakeAudit{},
		locks:  &fakeLocks{},
		clk:    clock.NewFake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)),
	}
	f.archiver = New(cfg, f.blob, f.trades, f.alerts, f.audit, f.locks, f.clk, testLogger())
	return f
}

func oldTrades(n int) []domain.TradeRecord {
	out := make([]domain.TradeRecord, n)
	for i := range out {
		out[i] = domain.TradeRecord{
			ID:        "trade-" + string(rune('a'+i)),
			AccountID: "acct-1",
			Symbol:    "BTC-USD",
		}
	}
	return out
}

func TestRunExportsDeletesAndAudits(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{DeleteAfterExport: true})
	f.trades.records = oldTrades(2)
	f.alerts.records = []domain.RiskAlert{{AccountID: "acct-1"}}

	require.NoError(t, f.archiver.Run(context.Background()))

	require.Len(t, f.blob.uploads, 2)
	assert.True(t, strings.HasPrefix(f.blob.uploads[0].path, "archive/trades/"))
	assert.True(t, strings.HasPrefix(f.blob.uploads[1].path, "archive/alerts/"))
	assert.Equal(t, "application/x-ndjson", f.blob.uploads[0].contentType)

	// JSONL payload: one line per record, no blank lines.
	lines := bytes.Split(bytes.TrimSpace(f.blob.uploads[0].body), []byte("\n"))
	assert.Len(t, lines, 2)

	assert.Equal(t, 1, f.trades.deletes)
	assert.Equal(t, 1, f.alerts.deletes)
	assert.Equal(t, []string{"archive.trades", "archive.alerts"}, f.audit.events)
	assert.Equal(t, 1, f.locks.acquires)
	assert.Equal(t, 1, f.locks.unlocks)
}

func TestRunWithoutAgedRecordsUploadsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{DeleteAfterExport: true})

	require.NoError(t, f.archiver.Run(context.Background()))

	assert.Empty(t, f.blob.uploads)
	assert.Zero(t, f.trades.deletes)
	assert.Empty(t, f.audit.events)
}

func TestRunSkipsWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.locks.held = true
	f.trades.records = oldTrades(1)

	require.NoError(t, f.archiver.Run(context.Background()))

	assert.Empty(t, f.blob.uploads)
}

func TestUploadFailureLeavesPrimaryStoreIntact(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{DeleteAfterExport: true})
	f.trades.records = oldTrades(1)
	f.blob.err = errors.New("bucket unreachable")

	err := f.archiver.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload trades")

	assert.Zero(t, f.trades.deletes)
	assert.Empty(t, f.audit.events)
}

func TestFullBatchDefersDeletion(t *testing.T) {
	t.Parallel()

	// When the batch is full there may be more aged records beyond the
	// limit, so deleting by cutoff would drop unexported rows.
	f := newFixture(Config{BatchLimit: 2, DeleteAfterExport: true})
	f.trades.records = oldTrades(3)

	require.NoError(t, f.archiver.Run(context.Background()))

	require.Len(t, f.blob.uploads, 1)
	assert.Zero(t, f.trades.deletes)
}

func TestDeleteDisabledKeepsRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{DeleteAfterExport: false})
	f.trades.records = oldTrades(1)

	require.NoError(t, f.archiver.Run(context.Background()))

	require.Len(t, f.blob.uploads, 1)
	assert.Zero(t, f.trades.deletes)
}

func TestAlertExportSurvivesTradeFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{})
	f.trades.listErr = errors.New("query timeout")
	f.alerts.records = []domain.RiskAlert{{AccountID: "acct-1"}}

	err := f.archiver.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list trades")

	require.Len(t, f.blob.uploads, 1)
	assert.True(t, strings.HasPrefix(f.blob.uploads[0].path, "archive/alerts/"))
}

func TestNilLockManagerRunsUnlocked(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	blob := &fakeBlob{}
	trades := &fakeTradeArchive{records: oldTrades(1)}
	a := New(Config{}, blob, trades, &fakeAlertArchive{}, &fakeAudit{}, nil, clk, testLogger())

	require.NoError(t, a.Run(context.Background()))
	assert.Len(t, blob.uploads, 1)
}

func TestObjectPathPartitionsByCutoffMonth(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2026, 5, 31, 23, 59, 0, 0, time.UTC)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	got := objectPath("trades", cutoff, now)
	assert.Equal(t, "archive/trades/2026-05/20260830T120000Z.jsonl", got)
}
