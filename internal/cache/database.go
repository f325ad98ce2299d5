package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/accesscore/internal/database"
	"github.com/charlesng35/accesscore/internal/models"
)

// DatabaseStore implements the cache Store interface using the primary SQL database.
type DatabaseStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// DatabaseStoreOption configures a DatabaseStore.
type DatabaseStoreOption func(*DatabaseStore)

// WithDatabaseClock overrides the time source used for expiry checks.
func WithDatabaseClock(clock func() time.Time) DatabaseStoreOption {
	return func(s *DatabaseStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB, opts ...DatabaseStoreOption) *DatabaseStore {
	if db == nil {
		return nil
	}
	store := &DatabaseStore{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func keyCondition(key string) map[string]any {
	return map[string]any{"key": key}
}

// IncrementWithTTL increments the counter for key. The row is created with
// an insert that ignores conflicts before it is locked, so concurrent first
// increments serialise on the row instead of racing on the unique key.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, errors.New("cache: database store not initialised")
	}
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock().UTC()
	var (
		count  int64
		expiry time.Time
	)

	err := s.db.WithContext(ensureContext(ctx)).Transaction(func(tx *gorm.DB) error {
		seed := models.CacheEntry{
			Key:       key,
			Value:     []byte("0"),
			ExpiresAt: now.Add(window),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&seed).Error; err != nil {
			return err
		}

		var entry models.CacheEntry
		if err := database.ForUpdate(tx).Where(keyCondition(key)).Take(&entry).Error; err != nil {
			return err
		}

		if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
			count = 1
			entry.ExpiresAt = now.Add(window)
		} else {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count = current + 1
		}
		expiry = entry.ExpiresAt

		return tx.Model(&models.CacheEntry{}).Where(keyCondition(key)).Updates(map[string]any{
			"value":      []byte(strconv.FormatInt(count, 10)),
			"expires_at": entry.ExpiresAt,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	return count, expiry.Sub(now), nil
}

// Counter returns the current count and remaining window for key.
func (s *DatabaseStore) Counter(ctx context.Context, key string) (int64, time.Duration, error) {
	value, expiresAt, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return 0, 0, err
	}
	count, err := strconv.ParseInt(string(value), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.clock())
	}
	return count, ttl, nil
}

// Set upserts the value for a given key with expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return errors.New("cache: database store not initialised")
	}

	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.clock().UTC().Add(ttl)
	}

	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry,
	}

	return s.db.WithContext(ensureContext(ctx)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
}

// Get retrieves a value by key, respecting expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.load(ctx, key)
	return value, ok, err
}

func (s *DatabaseStore) load(ctx context.Context, key string) ([]byte, time.Time, bool, error) {
	if s == nil {
		return nil, time.Time{}, false, errors.New("cache: database store not initialised")
	}
	ctx = ensureContext(ctx)

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Where(keyCondition(key)).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, err
	}

	if !entry.ExpiresAt.IsZero() && !s.clock().Before(entry.ExpiresAt) {
		_ = s.Delete(ctx, key)
		return nil, time.Time{}, false, nil
	}

	return entry.Value, entry.ExpiresAt, true, nil
}

// Delete removes keys from the store.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return errors.New("cache: database store not initialised")
	}
	if len(keys) == 0 {
		return nil
	}

	return s.db.WithContext(ensureContext(ctx)).Where(map[string]any{"key": keys}).Delete(&models.CacheEntry{}).Error
}

// PurgeExpired deletes entries whose expiry has passed and returns how many were removed.
// Entries without an expiry are stored with the zero time and never match.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, errors.New("cache: database store not initialised")
	}
	res := s.db.WithContext(ensureContext(ctx)).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.clock().UTC()).
		Delete(&models.CacheEntry{})
	return res.RowsAffected, res.Error
}
