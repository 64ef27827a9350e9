package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

type strategyLogRow struct {
	InstanceID string    `gorm:"primaryKey;size:128"`
	Version    int64     `gorm:"primaryKey;autoIncrement:false"`
	Status     string    `gorm:"size:16;not null;index"`
	Payload    string    `gorm:"type:jsonb;not null"`
	RecordedAt time.Time `gorm:"not null"`
}

func (strategyLogRow) TableName() string { return "strategy_log" }

// PostgresConfig holds the connection settings for PostgresLog.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresLog stores the snapshot history in Postgres through gorm.
type PostgresLog struct {
	db *gorm.DB
}

// NewPostgresLog connects and migrates the strategy_log table.
func NewPostgresLog(cfg PostgresConfig) (*PostgresLog, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqldb, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := gdb.AutoMigrate(&strategyLogRow{}); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("migrate strategy_log: %w", err)
	}
	return &PostgresLog{db: gdb}, nil
}

func (l *PostgresLog) Append(ctx context.Context, rec Record) error {
	row := strategyLogRow{
		InstanceID: rec.InstanceID,
		Version:    rec.Version,
		Status:     string(rec.Status),
		Payload:    string(rec.Payload),
		RecordedAt: rec.RecordedAt.UTC(),
	}
	err := l.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s v%d", ErrVersionConflict, rec.InstanceID, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("append %s v%d: %w", rec.InstanceID, rec.Version, err)
	}
	return nil
}

func (l *PostgresLog) Latest(ctx context.Context, instanceID string) (*Record, error) {
	var row strategyLogRow
	err := l.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	rec := row.record()
	return &rec, nil
}

func (l *PostgresLog) latest(ctx context.Context) ([]strategyLogRow, error) {
	var rows []strategyLogRow
	err := l.db.WithContext(ctx).
		Raw(`SELECT DISTINCT ON (instance_id) * FROM strategy_log ORDER BY instance_id, version DESC`).
		Scan(&rows).Error
	return rows, err
}

func (l *PostgresLog) Active(ctx context.Context) ([]string, error) {
	rows, err := l.latest(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range rows {
		if !models.StrategyStatus(r.Status).Terminal() {
			ids = append(ids, r.InstanceID)
		}
	}
	return ids, nil
}

func (l *PostgresLog) Finished(ctx context.Context) ([]Record, error) {
	rows, err := l.latest(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range rows {
		if models.StrategyStatus(r.Status).Terminal() {
			out = append(out, r.record())
		}
	}
	return out, nil
}

func (l *PostgresLog) Close() error {
	sqldb, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func (r strategyLogRow) record() Record {
	return Record{
		InstanceID: r.InstanceID,
		Version:    r.Version,
		Status:     models.StrategyStatus(r.Status),
		Payload:    []byte(r.Payload),
		RecordedAt: r.RecordedAt,
	}
}
