// Package archive exports aged trade and alert records to object storage
// before deleting them from the primary store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/quantrail/tradeguard/internal/clock"
	"github.com/quantrail/tradeguard/internal/domain"
)

// lockKey guards against concurrent exports from multiple instances.
const lockKey = "archive:export"

// BlobWriter is the subset of the object store the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// TradeArchiveStore provides the trade queries the archiver calls.
type TradeArchiveStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeRecord, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertArchiveStore provides the alert queries the archiver calls.
type AlertArchiveStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.RiskAlert, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls retention and batching.
type Config struct {
	// Retention is how long records stay in the primary store.
	Retention time.Duration
	// BatchLimit caps how many records one export run uploads per kind.
	BatchLimit int
	// DeleteAfterExport removes exported records from the primary store.
	DeleteAfterExport bool
	// LockTTL bounds how long the export lock is held.
	LockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 90 * 24 * time.Hour
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 10_000
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 5 * time.Minute
	}
}

// Archiver exports aged records as JSONL objects keyed by year-month.
// Deletion only happens after the upload succeeded, so a failed run leaves
// the primary store untouched.
type Archiver struct {
	cfg    Config
	writer BlobWriter
	trades TradeArchiveStore
	alerts AlertArchiveStore
	audit  domain.AuditStore
	locks  domain.LockManager
	clk    clock.Clock
	logger *slog.Logger
}

// New creates an Archiver. The lock manager may be nil for single-instance
// deployments.
func New(
	cfg Config,
	writer BlobWriter,
	trades TradeArchiveStore,
	alerts AlertArchiveStore,
	audit domain.AuditStore,
	locks domain.LockManager,
	clk clock.Clock,
	logger *slog.Logger,
) *Archiver {
	cfg.applyDefaults()
	return &Archiver{
		cfg:    cfg,
		writer: writer,
		trades: trades,
		alerts: alerts,
		audit:  audit,
		locks:  locks,
		clk:    clk,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Run performs one export pass for both trades and alerts. When another
// instance holds the export lock the pass is skipped without error.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, lockKey, a.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "export lock held elsewhere, skipping run")
			return nil
		}
		if err != nil {
			return fmt.Errorf("archive: acquire lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.clk.Now().Add(-a.cfg.Retention)

	var runErr error
	if n, err := a.exportTrades(ctx, cutoff); err != nil {
		runErr = errors.Join(runErr, err)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archived trades",
			slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	if n, err := a.exportAlerts(ctx, cutoff); err != nil {
		runErr = errors.Join(runErr, err)
	} else if n > 0 {
		a.logger.InfoContext(ctx, "archived alerts",
			slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return runErr
}

func (a *Archiver) exportTrades(ctx context.Context, cutoff time.Time) (int64, error) {
	records, err := a.trades.ListOlderThan(ctx, cutoff, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("archive: list trades: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	path := objectPath("trades", cutoff, a.clk.Now())
	if err := upload(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("archive: upload trades: %w", err)
	}

	count := int64(len(records))
	if a.cfg.DeleteAfterExport && len(records) < a.cfg.BatchLimit {
		if _, err := a.trades.DeleteOlderThan(ctx, cutoff); err != nil {
			return count, fmt.Errorf("archive: delete trades after export: %w", err)
		}
	}

	if err := a.audit.Log(ctx, "archive.trades", map[string]any{
		"path":   path,
		"count":  count,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("archive: audit trades export: %w", err)
	}
	return count, nil
}

func (a *Archiver) exportAlerts(ctx context.Context, cutoff time.Time) (int64, error) {
	records, err := a.alerts.ListOlderThan(ctx, cutoff, a.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("archive: list alerts: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	path := objectPath("alerts", cutoff, a.clk.Now())
	if err := upload(ctx, a.writer, path, records); err != nil {
		return 0, fmt.Errorf("archive: upload alerts: %w", err)
	}

	count := int64(len(records))
	if a.cfg.DeleteAfterExport && len(records) < a.cfg.BatchLimit {
		if _, err := a.alerts.DeleteOlderThan(ctx, cutoff); err != nil {
			return count, fmt.Errorf("archive: delete alerts after export: %w", err)
		}
	}

	if err := a.audit.Log(ctx, "archive.alerts", map[string]any{
		"path":   path,
		"count":  count,
		"cutoff": cutoff.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("archive: audit alerts export: %w", err)
	}
	return count, nil
}

func upload[T any](ctx context.Context, w BlobWriter, path string, records []T) error {
	buf, err := marshalJSONL(records)
	if err != nil {
		return err
	}
	return w.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
}

// objectPath builds the object key, partitioned by the cutoff's year-month,
// with the run timestamp so repeated runs do not overwrite each other.
//
//	archive/trades/2026-05/20260830T120000Z.jsonl
func objectPath(kind string, cutoff, now time.Time) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl",
		kind, cutoff.Format("2006-01"), now.UTC().Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
