package service

import (
	"context"
	"time"

	"maxrelay/internal/constants"

	"github.com/sirupsen/logrus"
)

// Scheduler periodically prunes the contact cache so names that stopped
// appearing don't sit in the database forever.
type Scheduler struct {
	contacts      ContactServiceInterface
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewScheduler(contacts ContactServiceInterface, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.ContactCleanupIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultContactRetentionDays
	}
	return &Scheduler{
		contacts:      contacts,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting contact cleanup scheduler")

	s.runCleanup()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup() {
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled contact cleanup")

	if err := s.contacts.CleanupOldContacts(s.retentionDays); err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old contacts")
	} else {
		s.logger.Info("Contact cleanup completed")
	}
}
