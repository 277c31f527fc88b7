package billing

import (
	"context"
	"log/slog"
	"time"

	"paygate/internal/types"
)

// Default and maximum trailing windows for the revenue and delivery counts.
// Subscription and transaction state counts are always whole-table.
const (
	defaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 90 * 24 * time.Hour
)

// StatsDB provides the aggregation queries the reporting service reads from.
// Implemented by db.ReportingDB.
type StatsDB interface {
	CountSubscriptionsByStatus(ctx context.Context) (map[types.SubscriptionStatus]int, error)
	CountTransactionsByStatus(ctx context.Context) (map[types.TransactionStatus]int, error)
	RevenueSince(ctx context.Context, since time.Time) ([]types.RevenueLine, error)
	CountDeliveriesSince(ctx context.Context, since time.Time) (int, error)
}

// StatsReport is the operator-facing snapshot of platform state: entitlement
// and ledger counts plus revenue and webhook volume over a trailing window.
type StatsReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	WindowStart time.Time `json:"window_start"`

	// Subscriptions and Transactions count every row by lifecycle state,
	// regardless of the window.
	Subscriptions map[types.SubscriptionStatus]int `json:"subscriptions"`
	Transactions  map[types.TransactionStatus]int  `json:"transactions"`

	// Revenue and DeliveriesReceived cover the trailing window only.
	Revenue            []types.RevenueLine `json:"revenue"`
	DeliveriesReceived int                 `json:"deliveries_received"`
}

// ReportingService assembles StatsReports for the admin surface.
type ReportingService struct {
	stats  StatsDB
	logger *slog.Logger
}

// NewReportingService creates a ReportingService.
func NewReportingService(stats StatsDB, logger *slog.Logger) *ReportingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportingService{stats: stats, logger: logger}
}

// GetStats builds a snapshot with revenue and delivery volume over the given
// trailing window. A non-positive window falls back to 24 hours; windows
// beyond 90 days are clamped, a full-ledger revenue scan is a job for the
// warehouse, not the API.
func (s *ReportingService) GetStats(ctx context.Context, window time.Duration) (*StatsReport, error) {
	if window <= 0 {
		window = defaultStatsWindow
	}
	if window > maxStatsWindow {
		window = maxStatsWindow
	}

	now := time.Now().UTC()
	since := now.Add(-window)

	subs, err := s.stats.CountSubscriptionsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	txs, err := s.stats.CountTransactionsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	revenue, err := s.stats.RevenueSince(ctx, since)
	if err != nil {
		return nil, err
	}

	deliveries, err := s.stats.CountDeliveriesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	return &StatsReport{
		GeneratedAt:        now,
		WindowStart:        since,
		Subscriptions:      subs,
		Transactions:       txs,
		Revenue:            revenue,
		DeliveriesReceived: deliveries,
	}, nil
}
