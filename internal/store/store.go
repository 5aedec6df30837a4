// Package store persists orders and their execution logs through gorm. It
// implements the orders.Store collaborator; nothing above it knows the
// schema.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/solrouter/solrouter/pkg/models"
)

// Config selects the database backend. sqlite with a :memory: DSN is the
// development default; postgres is the production path.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
}

// ExecutionLog is one append-only entry in an order's processing history.
type ExecutionLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	OrderID   uuid.UUID `gorm:"type:uuid;not null;index"`
	Event     string    `gorm:"type:varchar(64);not null"`
	Data      string    `gorm:"type:text"`
	Level     string    `gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// Gorm is the gorm-backed order store.
type Gorm struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects, migrates, and returns the store.
func Open(cfg Config, logger *zap.Logger) (*Gorm, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&models.Order{}, &ExecutionLog{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	logger.Info("order store ready", zap.String("driver", cfg.Driver))
	return &Gorm{db: db, logger: logger.Named("store")}, nil
}

// CreateOrder inserts a new order row.
func (s *Gorm) CreateOrder(ctx context.Context, order *models.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

// UpdateOrder applies a partial field update to one order.
func (s *Gorm) UpdateOrder(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update order %s: %w", id, models.ErrOrderNotFound)
	}
	return nil
}

// GetOrder loads one order; unknown ids yield ErrOrderNotFound.
func (s *Gorm) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %s: %w", id, models.ErrOrderNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// AppendExecutionLog records one processing event for an order.
func (s *Gorm) AppendExecutionLog(ctx context.Context, orderID uuid.UUID, event, data, level string) error {
	entry := ExecutionLog{
		OrderID:   orderID,
		Event:     event,
		Data:      data,
		Level:     level,
		CreatedAt: time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// ExecutionLogs returns an order's history, oldest first.
func (s *Gorm) ExecutionLogs(ctx context.Context, orderID uuid.UUID) ([]ExecutionLog, error) {
	var logs []ExecutionLog
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id asc").
		Find(&logs).Error
	return logs, err
}

// Close releases the underlying connection pool.
func (s *Gorm) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
