package jasmine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// DiscordMessage records an inbound message the bot acted on, for
// after-the-fact inspection of what was classified and queued.
type DiscordMessage struct {
	ModelUintID
	ModelUnixTime
	MessageID string `json:"message_id" gorm:"index"`
	GuildID   string `json:"guild_id" gorm:"index"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id" gorm:"index"`
	Username  string `json:"username"`
	Command   string `json:"command" gorm:"index"`
	Content   string `json:"content"`
}

// FactAudit records a single fact-store mutation: seeds, user adds and
// removals, extraction adds, updates and evictions.
type FactAudit struct {
	ModelUintID
	ModelUnixTime
	GuildID string `json:"guild_id" gorm:"index"`
	Action  string `json:"action" gorm:"index"`
	FactID  int    `json:"fact_id"`
	Content string `json:"content"`
}

// DBI is the persistence interface used by the rest of the bot.
type DBI interface {
	RecordMessage(ctx context.Context, msg *DiscordMessage)
	RecordFactChange(
		ctx context.Context,
		guildID string,
		action string,
		factID int,
		content string,
	)
	FactHistory(
		ctx context.Context,
		guildID string,
		limit int,
	) ([]FactAudit, error)
}

// database wraps the GORM connection. SQLite only allows one writer,
// so writes are serialized behind a mutex.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewDatabase wraps an existing GORM connection.
func NewDatabase(db *gorm.DB, logger *slog.Logger) DBI {
	if logger == nil {
		logger = slog.Default()
	}
	return &database{
		db:     db,
		logger: logger.With(loggerNameKey, "database"),
	}
}

// RecordMessage persists an inbound message record. Failures are
// logged and swallowed - auditing never blocks message handling.
func (d *database) RecordMessage(ctx context.Context, msg *DiscordMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.WithContext(ctx).Create(msg).Error; err != nil {
		d.logger.ErrorContext(
			ctx,
			"error recording message",
			"message_id", msg.MessageID,
			tint.Err(err),
		)
	}
}

// RecordFactChange persists a fact-store mutation record.
func (d *database) RecordFactChange(
	ctx context.Context,
	guildID string,
	action string,
	factID int,
	content string,
) {
	d.mu.Lock()
	defer d.mu.Unlock()
	audit := FactAudit{
		GuildID: guildID,
		Action:  action,
		FactID:  factID,
		Content: content,
	}
	if err := d.db.WithContext(ctx).Create(&audit).Error; err != nil {
		d.logger.ErrorContext(
			ctx,
			"error recording fact change",
			"guild_id", guildID,
			"action", action,
			tint.Err(err),
		)
	}
}

// FactHistory returns the most recent fact mutations for a guild,
// newest first.
func (d *database) FactHistory(
	ctx context.Context,
	guildID string,
	limit int,
) ([]FactAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var audits []FactAudit
	err := d.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("created_at desc").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		return nil, fmt.Errorf("loading fact history: %w", err)
	}
	return audits, nil
}

// CreateDB opens (creating if needed) the SQLite database at the
// given path, applies connection pragmas and migrates the audit
// tables.
func CreateDB(
	ctx context.Context,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database", database,
	)

	parentDir := filepath.Dir(database)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			if !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
	}
	db, err := gorm.Open(
		sqlite.Open(database),
		&gorm.Config{
			Logger: gormLogger,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	txn := db.WithContext(ctx).Begin()
	mg := txn.Migrator()
	if err = mg.AutoMigrate(
		&DiscordMessage{},
		&FactAudit{},
	); err != nil {
		return db, err
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}
