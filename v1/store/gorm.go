package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	defaultGormTableName = "latch_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is one lock record. Expiry is kept as Unix milliseconds so the
// comparison behaves the same on every SQL dialect.
type gormLock struct {
	Key       string `gorm:"primaryKey;column:lock_key"`
	Token     string `gorm:"column:token;not null"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;index"`
}

// Gorm implements Store on a SQL table through GORM. Expiry is evaluated
// against the local clock, so participating processes need roughly
// synchronised clocks.
type Gorm struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a Gorm store.
type GormOption func(*gormOptions)

type gormOptions struct {
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// WithGormTableName sets the table holding lock records.
func WithGormTableName(name string) GormOption {
	return func(o *gormOptions) {
		if name != "" {
			o.tableName = name
		}
	}
}

// WithGormTimeout bounds every database round trip.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithGormClock replaces the time source used to stamp and evaluate expiry.
func WithGormClock(now func() time.Time) GormOption {
	return func(o *gormOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewGorm returns a Gorm store, creating the lock table when missing.
func NewGorm(db *gorm.DB, opts ...GormOption) (*Gorm, error) {
	o := gormOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, err
		}
	}
	return &Gorm{db: db, tableName: o.tableName, timeout: o.timeout, now: o.now}, nil
}

// TrySetIfAbsent implements Store.TrySetIfAbsent. Inside one transaction an
// expired record for the key is purged and the new record is inserted unless
// a live one already holds the primary key.
func (s *Gorm) TrySetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	rec := gormLock{Key: key, Token: value, ExpiresAt: now.Add(ttl).UnixMilli()}
	var created bool
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.tableName).
			Where("lock_key = ? AND expires_at <= ?", key, now.UnixMilli()).
			Delete(&gormLock{}).Error; err != nil {
			return err
		}
		res := tx.Table(s.tableName).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, latcherrors.FromContext(err)
	}
	return created, nil
}

// CompareAndDelete implements Store.CompareAndDelete with a single
// conditional DELETE.
func (s *Gorm) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, latcherrors.FromContext(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).
		Where("lock_key = ? AND token = ? AND expires_at > ?", key, expected, s.now().UnixMilli()).
		Delete(&gormLock{})
	if res.Error != nil {
		return false, latcherrors.FromContext(res.Error)
	}
	return res.RowsAffected == 1, nil
}
