// Package velocity counts recent transactions per origin account.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/aegisflow/internal/domain"
)

// DefaultWindow is the counting window exposed to rules as velocity_count.
const DefaultWindow = time.Hour

// Service calculates transaction velocity for origin accounts.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
	now    func() time.Time
}

// NewService creates a new velocity service. Either dependency may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		window: DefaultWindow,
		now:    time.Now,
	}
}

// Window returns the counting window.
func (s *Service) Window() time.Duration {
	return s.window
}

// Record counts one more transaction for account and returns the number
// seen in the current window, this one included. The cache counter is
// authoritative; when it is unavailable the repository count is used.
// Transactions without an origin account are not counted.
func (s *Service) Record(ctx context.Context, tenantID, account string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if account == "" {
		return 0, nil
	}

	if s.cache != nil {
		count, err := s.cache.IncrementCounter(ctx, tenantID, counterKey(account), s.window)
		if err == nil {
			return count, nil
		}
		slog.Warn("velocity counter unavailable, falling back to repository",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	count, err := s.GetTransactionCount(ctx, tenantID, account, s.window)
	if err != nil {
		return 0, err
	}
	return count + 1, nil
}

// GetTransactionCount returns the number of stored transactions from
// account within the window ending now.
func (s *Service) GetTransactionCount(ctx context.Context, tenantID, account string, window time.Duration) (int64, error) {
	if tenantID == "" || account == "" {
		return 0, fmt.Errorf("tenantID and account are required")
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	since := s.now().Add(-window)
	count, err := s.repo.CountTransactionsByAccount(ctx, tenantID, account, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return int64(count), nil
}

func counterKey(account string) string {
	return "velocity:" + account
}
