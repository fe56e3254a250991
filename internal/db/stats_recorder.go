// Package db persists periodic execution-stats snapshots to MySQL via
// GORM, mirroring the teacher's asset-snapshot recorder but storing the
// engine's running counters instead of a DEX position.
package db

import (
	"fmt"
	"time"

	"arbexec/pkg/types"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// StatsSnapshotRecord is the GORM model for one periodic stats snapshot.
type StatsSnapshotRecord struct {
	ID                         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp                  time.Time `gorm:"index;not null"`
	ServiceName                string    `gorm:"index;size:64;not null"`
	Received                   int64     `gorm:"not null"`
	Attempts                   int64     `gorm:"not null"`
	Successful                 int64     `gorm:"not null"`
	Failed                     int64     `gorm:"not null"`
	Rejected                   int64     `gorm:"not null"`
	QueueRejects               int64     `gorm:"not null"`
	LockConflicts              int64     `gorm:"not null"`
	ExecutionTimeouts          int64     `gorm:"not null"`
	ProviderReconnections      int64     `gorm:"not null"`
	CircuitBreakerTrips        int64     `gorm:"not null"`
	RiskEVRejections           int64     `gorm:"not null"`
	RiskPositionSizeRejections int64     `gorm:"not null"`
	RiskDrawdownBlocks         int64     `gorm:"not null"`
	StaleLockRecoveries        int64     `gorm:"not null"`
	RealizedPnLUsd             string    `gorm:"type:varchar(48);not null;comment:decimal.Decimal as string"`
	CreatedAt                  time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (StatsSnapshotRecord) TableName() string {
	return "execution_stats_snapshots"
}

// StatsRecorder persists ExecutionStats snapshots using GORM and MySQL.
type StatsRecorder struct {
	db *gorm.DB
}

// NewStatsRecorder opens a MySQL connection and auto-migrates the
// snapshot table. dsn format:
// "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local".
func NewStatsRecorder(dsn string) (*StatsRecorder, error) {
	database, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to connect to MySQL: %w", err)
	}
	if err := database.AutoMigrate(&StatsSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("db: failed to migrate schema: %w", err)
	}
	return &StatsRecorder{db: database}, nil
}

// NewStatsRecorderWithDB wraps an already-opened GORM DB (for callers
// sharing a connection pool across recorders). It runs AutoMigrate on
// that DB before returning.
func NewStatsRecorderWithDB(database *gorm.DB) (*StatsRecorder, error) {
	if err := database.AutoMigrate(&StatsSnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("db: failed to migrate schema: %w", err)
	}
	return &StatsRecorder{db: database}, nil
}

// RecordSnapshot inserts one execution-stats snapshot row.
func (r *StatsRecorder) RecordSnapshot(serviceName string, s types.Snapshot) error {
	record := StatsSnapshotRecord{
		Timestamp:                  time.Now(),
		ServiceName:                serviceName,
		Received:                   s.Received,
		Attempts:                   s.Attempts,
		Successful:                 s.Successful,
		Failed:                     s.Failed,
		Rejected:                   s.Rejected,
		QueueRejects:               s.QueueRejects,
		LockConflicts:              s.LockConflicts,
		ExecutionTimeouts:          s.ExecutionTimeouts,
		ProviderReconnections:      s.ProviderReconnections,
		CircuitBreakerTrips:        s.CircuitBreakerTrips,
		RiskEVRejections:           s.RiskEVRejections,
		RiskPositionSizeRejections: s.RiskPositionSizeRejections,
		RiskDrawdownBlocks:         s.RiskDrawdownBlocks,
		StaleLockRecoveries:        s.StaleLockRecoveries,
		RealizedPnLUsd:             s.RealizedPnLUsd,
	}

	result := r.db.Create(&record)
	if result.Error != nil {
		return fmt.Errorf("db: failed to record stats snapshot: %w", result.Error)
	}
	return nil
}

// LatestSnapshot returns the most recently recorded row for a service.
func (r *StatsRecorder) LatestSnapshot(serviceName string) (*StatsSnapshotRecord, error) {
	var record StatsSnapshotRecord
	result := r.db.Where("service_name = ?", serviceName).Order("timestamp DESC").First(&record)
	if result.Error != nil {
		return nil, fmt.Errorf("db: failed to get latest snapshot: %w", result.Error)
	}
	return &record, nil
}

// SnapshotsInRange returns every row for a service between start and end.
func (r *StatsRecorder) SnapshotsInRange(serviceName string, start, end time.Time) ([]StatsSnapshotRecord, error) {
	var records []StatsSnapshotRecord
	result := r.db.Where("service_name = ? AND timestamp BETWEEN ? AND ?", serviceName, start, end).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("db: failed to get snapshots by time range: %w", result.Error)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (r *StatsRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("db: failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
