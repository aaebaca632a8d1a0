package service

import (
	"context"
	"strconv"
	"time"

	"maxrelay/internal/constants"
	"maxrelay/internal/models"
	"maxrelay/pkg/maxchat"

	"github.com/sirupsen/logrus"
)

// ContactServiceInterface defines the contact resolution operations used by
// the content resolver and the cleanup scheduler.
type ContactServiceInterface interface {
	GetDisplayName(ctx context.Context, userID int64) string
	RefreshContact(ctx context.Context, userID int64) error
	CleanupOldContacts(retentionDays int) error
}

// ContactDatabase defines the database operations needed by ContactService.
type ContactDatabase interface {
	SaveContact(ctx context.Context, contact *models.Contact) error
	GetContact(ctx context.Context, userID int64) (*models.Contact, error)
	CleanupOldContacts(retentionDays int) error
}

// ContactService resolves MAX user IDs to display names, caching results in
// SQLite so repeated senders don't cost a platform round trip per message.
type ContactService struct {
	db              ContactDatabase
	client          maxchat.Client
	cacheValidHours int
	logger          *logrus.Logger
}

func NewContactService(db ContactDatabase, client maxchat.Client, cacheValidHours int, logger *logrus.Logger) *ContactService {
	if cacheValidHours <= 0 {
		cacheValidHours = constants.DefaultContactCacheHours
	}
	return &ContactService{
		db:              db,
		client:          client,
		cacheValidHours: cacheValidHours,
		logger:          logger,
	}
}

// GetDisplayName returns the best available name for a user. Cache first;
// on a miss or stale entry the platform is asked. Platform failures degrade
// to the stale cached name, then to the numeric ID, never to an error.
func (cs *ContactService) GetDisplayName(ctx context.Context, userID int64) string {
	contact, err := cs.db.GetContact(ctx, userID)
	if err != nil {
		cs.logger.WithError(err).WithField("user_id", userID).Warn("Contact cache read failed")
	}

	cacheValidDuration := time.Duration(cs.cacheValidHours) * time.Hour
	if contact != nil && time.Since(contact.CachedAt) < cacheValidDuration {
		return contact.Label()
	}

	user, err := cs.client.GetUser(ctx, userID)
	if err != nil || user == nil || len(user.Names) == 0 {
		if err != nil {
			cs.logger.WithError(err).WithField("user_id", userID).Debug("User lookup failed, using cached name")
		}
		if contact != nil {
			return contact.Label()
		}
		return strconv.FormatInt(userID, 10)
	}

	name := user.Names[0]
	if err := cs.db.SaveContact(ctx, &models.Contact{UserID: userID, DisplayName: name}); err != nil {
		cs.logger.WithError(err).WithField("user_id", userID).Warn("Failed to cache contact")
	}
	return name
}

// RefreshContact forces a platform lookup and cache update for one user.
func (cs *ContactService) RefreshContact(ctx context.Context, userID int64) error {
	user, err := cs.client.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	name := ""
	if user != nil && len(user.Names) > 0 {
		name = user.Names[0]
	}
	return cs.db.SaveContact(ctx, &models.Contact{UserID: userID, DisplayName: name})
}

// CleanupOldContacts removes cache entries older than the retention period.
func (cs *ContactService) CleanupOldContacts(retentionDays int) error {
	return cs.db.CleanupOldContacts(retentionDays)
}
