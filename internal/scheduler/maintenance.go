package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"

	"paygate/internal/telemetry"
	"paygate/internal/types"
)

// -----------------------------------------------------------------------------
// Expiry Service
// -----------------------------------------------------------------------------

// ExpiryDB defines the database operation needed by the ExpiryService.
// Implemented by db.SubscriptionRepo.
type ExpiryDB interface {
	// ExpireDue flips active subscriptions whose window has closed.
	//
	// SQL: UPDATE subscriptions SET status = 'expired'
	//      WHERE status = 'active' AND expires_at <= $1
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// ExpiryService runs the scheduled subscription expiry sweep. The sweep is a
// single conditional UPDATE, so concurrent or repeated invocations converge:
// a second run over the same instant finds zero matching rows.
type ExpiryService struct {
	db      ExpiryDB
	metrics telemetry.Collector
	logger  *slog.Logger
}

// NewExpiryService creates an ExpiryService. metrics may be nil.
func NewExpiryService(db ExpiryDB, metrics telemetry.Collector, logger *slog.Logger) *ExpiryService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopCollector{}
	}
	return &ExpiryService{
		db:      db,
		metrics: metrics,
		logger:  logger,
	}
}

// SweepExpired expires every active subscription whose expires_at is at or
// before now. Returns the number of subscriptions expired.
//
// A subscription is still considered active at the exact expiry boundary by
// readers (expires_at > now); the sweep uses the complementary condition so
// no instant is covered by both.
func (s *ExpiryService) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	expired, err := s.db.ExpireDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("expiring due subscriptions: %w", err)
	}

	if expired == 0 {
		s.logger.InfoContext(ctx, "no subscriptions due for expiry")
		return 0, nil
	}

	s.logger.InfoContext(ctx, "subscription expiry sweep complete",
		"expired", expired,
		"reference_time", now.Format(time.RFC3339),
	)
	s.metrics.RecordExpirySweep(ctx, expired)

	return expired, nil
}

// -----------------------------------------------------------------------------
// Delivery Cleanup Service
// -----------------------------------------------------------------------------

// DeliveryCleanupDB defines the database operations needed by the
// DeliveryCleanupService. Implemented by db.DeliveryRepo.
type DeliveryCleanupDB interface {
	// ListBefore returns delivery rows received before cutoff, oldest first.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.DeliveryRecord, error)

	// DeleteByIDs removes delivery rows by their IDs.
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// ArchiveWriter persists a compressed batch of delivery payloads before the
// rows are deleted. A nil writer means deliveries are purged without a copy.
type ArchiveWriter interface {
	WriteArchive(ctx context.Context, name string, data []byte) error
}

// DeliveryCleanupService purges webhook delivery rows past the retention
// window, archiving each batch first when an ArchiveWriter is configured.
//
// Retention must comfortably exceed every provider's retry horizon: a purged
// row means a replayed delivery would be processed as new. The conditional
// writes downstream still keep that harmless, but the dedup short-circuit is
// what providers' aggressive retry schedules are absorbed by.
type DeliveryCleanupService struct {
	db       DeliveryCleanupDB
	archiver ArchiveWriter
	logger   *slog.Logger
}

// NewDeliveryCleanupService creates a DeliveryCleanupService. The archiver
// may be nil to delete without archival.
func NewDeliveryCleanupService(db DeliveryCleanupDB, archiver ArchiveWriter, logger *slog.Logger) *DeliveryCleanupService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryCleanupService{
		db:       db,
		archiver: archiver,
		logger:   logger,
	}
}

// PurgeOldDeliveries removes delivery rows received before now-retention in
// batches. Orchestrates a fetch-archive-delete cycle per batch.
//
// Returns the total number of rows purged.
func (s *DeliveryCleanupService) PurgeOldDeliveries(ctx context.Context, now time.Time, retention time.Duration, batchSize int) (int64, error) {
	cutoff := now.Add(-retention)
	var totalPurged int64

	for {
		records, err := s.db.ListBefore(ctx, cutoff, batchSize)
		if err != nil {
			return totalPurged, fmt.Errorf("listing deliveries for purge: %w", err)
		}

		if len(records) == 0 {
			break
		}

		if s.archiver != nil {
			data, err := serializeDeliveriesJSONL(records)
			if err != nil {
				return totalPurged, fmt.Errorf("serializing delivery batch: %w", err)
			}

			name := fmt.Sprintf("deliveries/%d/%02d/batch_%d.jsonl.gz",
				cutoff.Year(), cutoff.Month(), now.UnixNano())

			if err := s.archiver.WriteArchive(ctx, name, data); err != nil {
				return totalPurged, fmt.Errorf("archiving delivery batch to %s: %w", name, err)
			}
		}

		ids := make([]int64, len(records))
		for i, rec := range records {
			ids[i] = rec.ID
		}

		deleted, err := s.db.DeleteByIDs(ctx, ids)
		if err != nil {
			return totalPurged, fmt.Errorf("deleting archived deliveries: %w", err)
		}

		totalPurged += deleted

		s.logger.InfoContext(ctx, "purged delivery batch",
			"batch_size", deleted,
			"total_purged", totalPurged,
		)

		if len(records) < batchSize {
			break
		}
	}

	return totalPurged, nil
}

// serializeDeliveriesJSONL serializes delivery records to newline-delimited JSON.
func serializeDeliveriesJSONL(records []types.DeliveryRecord) ([]byte, error) {
	var buf []byte
	for i, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshaling delivery record %d: %w", rec.ID, err)
		}
		buf = append(buf, line...)
		if i < len(records)-1 {
			buf = append(buf, '\n')
		}
	}
	return buf, nil
}

// -----------------------------------------------------------------------------
// Gzip File Archiver
// -----------------------------------------------------------------------------

// GzipFileArchiver writes compressed archive batches under a base directory.
// It implements ArchiveWriter for deployments where cold storage is a mounted
// volume rather than an object store.
type GzipFileArchiver struct {
	dir string
}

// NewGzipFileArchiver creates a GzipFileArchiver rooted at dir.
func NewGzipFileArchiver(dir string) *GzipFileArchiver {
	return &GzipFileArchiver{dir: dir}
}

// WriteArchive gzip-compresses data and writes it to <dir>/<name>, creating
// intermediate directories as needed.
func (a *GzipFileArchiver) WriteArchive(_ context.Context, name string, data []byte) error {
	path := filepath.Join(a.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file %s: %w", path, err)
	}

	gw := gzip.NewWriter(f)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		f.Close()
		return fmt.Errorf("compressing archive %s: %w", path, err)
	}
	if err := gw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalizing archive %s: %w", path, err)
	}
	return f.Close()
}
