package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StartOverdueSweeper periodically persists the overdue status of past-due
// charges until ctx is done. A non-positive interval disables it.
func StartOverdueSweeper(ctx context.Context, ledger *ChargeLedger, interval time.Duration) {
	if interval <= 0 {
		logrus.Info("overdue sweeper disabled")
		return
	}

	go func() {
		logrus.WithField("interval", interval.String()).Info("overdue sweeper started")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if _, err := ledger.RefreshOverdue(ctx); err != nil {
				logrus.WithError(err).Error("overdue sweep failed")
			}
			select {
			case <-ctx.Done():
				logrus.Info("overdue sweeper stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}
