package db

import (
	"context"
	"log/slog"
	"time"

	"paygate/internal/types"
)

// DeliveryRepo is the durable webhook delivery log. It is the authoritative
// replay guard: whatever the fast-path cache says, a delivery only counts as
// new if its row inserted here.
type DeliveryRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewDeliveryRepo creates a DeliveryRepo backed by the given database
// connection (pool or transaction).
func NewDeliveryRepo(db DBTX, logger *slog.Logger) *DeliveryRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryRepo{db: db, logger: logger}
}

// MarkSeen records the (provider, deliveryID) pair and reports whether this
// call was the first to do so.
//
// INSERT ... ON CONFLICT DO NOTHING is the atomic check-and-set: under
// concurrent replays exactly one insert lands (RowsAffected == 1) and every
// other caller observes the conflict (RowsAffected == 0). Because the row is
// durable, the guard also holds across process restarts. A read-then-write
// implementation would race between the read and the write.
func (r *DeliveryRepo) MarkSeen(ctx context.Context, provider, deliveryID string, payload []byte, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_deliveries (provider, delivery_id, payload, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, delivery_id) DO NOTHING`,
		provider, deliveryID, payload, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook delivery", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBefore returns up to limit delivery rows received before the cutoff,
// oldest first. Used by the retention sweep to archive payloads before
// deletion.
func (r *DeliveryRepo) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, provider, delivery_id, payload, received_at
		 FROM webhook_deliveries
		 WHERE received_at < $1
		 ORDER BY received_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list old deliveries", err)
	}
	defer rows.Close()

	var records []types.DeliveryRecord
	for rows.Next() {
		var rec types.DeliveryRecord
		if err := rows.Scan(&rec.ID, &rec.Provider, &rec.DeliveryID, &rec.Payload, &rec.ReceivedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery row", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery rows", err)
	}
	return records, nil
}

// DeleteByIDs removes the given delivery rows after archival and returns the
// number deleted.
func (r *DeliveryRepo) DeleteByIDs(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete archived deliveries", err)
	}
	return tag.RowsAffected(), nil
}
