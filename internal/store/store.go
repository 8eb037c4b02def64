// Package store persists engine checkpoints and executed fills.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNoCheckpoint is returned when nothing has been saved under a name yet.
var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Checkpoint is one named engine snapshot. Payload is opaque JSON.
type Checkpoint struct {
	Name      string `gorm:"primaryKey"`
	RunID     string
	Version   int
	Ticks     uint64
	LastTick  time.Time
	Payload   string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (Checkpoint) TableName() string { return "engine_checkpoints" }

// Fill is an executed bridge/coin conversion.
type Fill struct {
	ID        string          `gorm:"primaryKey"`
	RunID     string          `gorm:"index"`
	Coin      string          `gorm:"index"`
	Side      string          // "buy" converts bridge to coin, "sell" the reverse
	Qty       decimal.Decimal `gorm:"type:decimal(30,12)"`
	Price     decimal.Decimal `gorm:"type:decimal(30,12)"`
	Fee       decimal.Decimal `gorm:"type:decimal(30,12)"`
	Reason    string
	Ts        time.Time `gorm:"index"`
	CreatedAt time.Time
}

// GormStore backs checkpoints and fills with sqlite or postgres.
type GormStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects to postgres when dsn is a postgres URL and to a sqlite file
// otherwise, creating its directory.
func Open(dsn string, log zerolog.Logger) (*GormStore, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("store connected (postgres)")
	} else {
		if dsn == "" {
			dsn = "data/trendlock.db"
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("store initialised (sqlite)")
	}
	if err := db.AutoMigrate(&Checkpoint{}, &Fill{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db, log: log}, nil
}

// SaveCheckpoint upserts cp by name.
func (s *GormStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.Name, err)
	}
	return nil
}

// LoadCheckpoint returns the checkpoint stored under name.
func (s *GormStore) LoadCheckpoint(ctx context.Context, name string) (Checkpoint, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return cp, nil
}

// DeleteCheckpoint removes name; missing rows are not an error.
func (s *GormStore) DeleteCheckpoint(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Delete(&Checkpoint{}, "name = ?", name).Error
}

// RecordFill appends an executed conversion.
func (s *GormStore) RecordFill(ctx context.Context, f Fill) error {
	if err := s.db.WithContext(ctx).Create(&f).Error; err != nil {
		return fmt.Errorf("record fill %s: %w", f.ID, err)
	}
	return nil
}

// RecentFills returns up to limit fills, newest first.
func (s *GormStore) RecentFills(ctx context.Context, limit int) ([]Fill, error) {
	var out []Fill
	err := s.db.WithContext(ctx).Order("ts DESC").Limit(limit).Find(&out).Error
	return out, err
}

// Fills returns every recorded fill, oldest first.
func (s *GormStore) Fills(ctx context.Context) ([]Fill, error) {
	var out []Fill
	err := s.db.WithContext(ctx).Order("ts ASC").Order("created_at ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
