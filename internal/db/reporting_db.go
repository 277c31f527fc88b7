package db

import (
	"context"
	"time"

	"paygate/internal/types"
)

// ReportingDB provides the read-only aggregation queries behind the operator
// stats endpoint. It implements billing.StatsDB.
//
// These queries are intentionally separated from the standard repository
// pattern: they span the ledger tables with GROUP BY aggregations and serve
// a single reporting consumer.
type ReportingDB struct {
	db DBTX
}

// NewReportingDB creates a ReportingDB backed by the given database connection.
func NewReportingDB(db DBTX) *ReportingDB {
	return &ReportingDB{db: db}
}

// CountSubscriptionsByStatus returns the number of subscriptions in each
// lifecycle state. Statuses with no rows are absent from the map.
func (r *ReportingDB) CountSubscriptionsByStatus(ctx context.Context) (map[types.SubscriptionStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*)
		 FROM subscriptions
		 GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscriptions by status", err)
	}
	defer rows.Close()

	counts := make(map[types.SubscriptionStatus]int)
	for rows.Next() {
		var status types.SubscriptionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription count", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription counts", err)
	}
	return counts, nil
}

// CountTransactionsByStatus returns the number of ledger rows in each
// transaction state.
func (r *ReportingDB) CountTransactionsByStatus(ctx context.Context) (map[types.TransactionStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*)
		 FROM transactions
		 GROUP BY status`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count transactions by status", err)
	}
	defer rows.Close()

	counts := make(map[types.TransactionStatus]int)
	for rows.Next() {
		var status types.TransactionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan transaction count", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read transaction counts", err)
	}
	return counts, nil
}

// RevenueSince aggregates completed-transaction revenue from the given instant
// onward, grouped by payment method and currency. The updated_at timestamp is
// used because that is when the transaction flipped to completed.
func (r *ReportingDB) RevenueSince(ctx context.Context, since time.Time) ([]types.RevenueLine, error) {
	rows, err := r.db.Query(ctx,
		`SELECT method, currency, COALESCE(SUM(amount_cents), 0)
		 FROM transactions
		 WHERE status = 'completed' AND updated_at >= $1
		 GROUP BY method, currency
		 ORDER BY method, currency`,
		since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate revenue", err)
	}
	defer rows.Close()

	var lines []types.RevenueLine
	for rows.Next() {
		var line types.RevenueLine
		if err := rows.Scan(&line.Method, &line.Currency, &line.AmountCents); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan revenue line", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read revenue lines", err)
	}
	return lines, nil
}

// CountDeliveriesSince returns how many webhook deliveries were logged from
// the given instant onward. A sudden drop to zero while providers are live is
// the classic sign of a broken webhook path.
func (r *ReportingDB) CountDeliveriesSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM webhook_deliveries
		 WHERE received_at >= $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count webhook deliveries", err)
	}
	return count, nil
}
