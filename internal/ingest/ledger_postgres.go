package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// LedgerEntry 台账表模型
type LedgerEntry struct {
	SourceID     string    `gorm:"primaryKey;size:2048"`
	Hash         string    `gorm:"size:64;not null"`
	ChunkSize    int       `gorm:"not null"`
	ChunkOverlap int       `gorm:"not null"`
	ChunkCount   int       `gorm:"not null"`
	IngestedAt   time.Time `gorm:"not null"`
}

// TableName 指定表名
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (m LedgerEntry) entry() Entry {
	return Entry{
		SourceID:     m.SourceID,
		Hash:         m.Hash,
		ChunkSize:    m.ChunkSize,
		ChunkOverlap: m.ChunkOverlap,
		ChunkCount:   m.ChunkCount,
		IngestedAt:   m.IngestedAt,
	}
}

func ledgerRow(e Entry) LedgerEntry {
	return LedgerEntry{
		SourceID:     e.SourceID,
		Hash:         e.Hash,
		ChunkSize:    e.ChunkSize,
		ChunkOverlap: e.ChunkOverlap,
		ChunkCount:   e.ChunkCount,
		IngestedAt:   e.IngestedAt,
	}
}

// PostgresLedger 基于 gorm 的 PostgreSQL 台账
type PostgresLedger struct {
	db *gorm.DB
}

// NewPostgresLedger 连接数据库并迁移台账表
func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.AutoMigrate(&LedgerEntry{}); err != nil {
		return nil, fmt.Errorf("migrate ledger table: %w", err)
	}
	return NewPostgresLedgerWithDB(db), nil
}

// NewPostgresLedgerWithDB 使用已有连接，不做迁移
func NewPostgresLedgerWithDB(db *gorm.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (p *PostgresLedger) Get(ctx context.Context, sourceID string) (Entry, bool, error) {
	var row LedgerEntry
	err := p.db.WithContext(ctx).Where("source_id = ?", sourceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger entry %s: %w", sourceID, err)
	}
	return row.entry(), true, nil
}

// Update 事务内 SELECT ... FOR UPDATE 后 upsert
func (p *PostgresLedger) Update(ctx context.Context, sourceID string, fn UpdateFunc) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row LedgerEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("source_id = ?", sourceID).
			Take(&row).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lock ledger entry %s: %w", sourceID, err)
		}

		var prev Entry
		if found {
			prev = row.entry()
		}
		next, err := fn(prev, found)
		if err != nil {
			return err
		}
		next.SourceID = sourceID

		updated := ledgerRow(next)
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_id"}},
			UpdateAll: true,
		}).Create(&updated).Error
	})
}

func (p *PostgresLedger) List(ctx context.Context) ([]Entry, error) {
	var rows []LedgerEntry
	if err := p.db.WithContext(ctx).Order("source_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

func (p *PostgresLedger) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
