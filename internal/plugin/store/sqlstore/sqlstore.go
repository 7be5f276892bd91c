// Package sqlstore implements the ChatStore on relational databases through GORM.
// It registers the "postgres" and "sqlite" store kinds.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/config"
	"github.com/chirino/chat-memory/internal/model"
	registrymigrate "github.com/chirino/chat-memory/internal/registry/migrate"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForceImport is referenced by callers that need the plugin registered.
var ForceImport = 0

func init() {
	for _, kind := range []string{"postgres", "sqlite"} {
		registrystore.Register(registrystore.Plugin{
			Name: kind,
			Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
				store, err := load(ctx, config.FromContext(ctx))
				if err != nil {
					return nil, err
				}
				return store, nil
			},
		})
	}
	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqlMigrator{}})
}

func open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DatastoreType {
	case "postgres":
		dialector = postgres.Open(cfg.DBURL)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBURL)
	default:
		return nil, fmt.Errorf("sqlstore: unsupported datastore %q", cfg.DatastoreType)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.DatastoreType, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying db: %w", err)
	}
	if cfg.DatastoreType == "sqlite" {
		// SQLite allows a single writer; one connection turns lock contention into pool queueing.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	return db, nil
}

func load(ctx context.Context, cfg *config.Config) (*SQLStore, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", cfg.DatastoreType, err)
	}

	s := &SQLStore{
		db:       db,
		lockRows: cfg.DatastoreType == "postgres",
		done:     make(chan struct{}),
	}
	if security.DBPoolMaxConnections != nil {
		security.DBPoolMaxConnections.Set(float64(sqlDB.Stats().MaxOpenConnections))
	}
	// Periodically update the open connections gauge.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				if security.DBPoolOpenConnections != nil {
					security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
				}
			}
		}
	}()
	return s, nil
}

type sqlMigrator struct{}

func (m *sqlMigrator) Name() string { return "sql-schema" }
func (m *sqlMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "postgres" && cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name(), "db", cfg.DatastoreType)
	db, err := open(cfg)
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(&chatRow{}, &turnRow{}, &indexRow{}, &chatRefRow{}); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	log.Info("Migration complete", "name", m.Name())
	return nil
}

type chatRow struct {
	ChatID    string    `gorm:"primaryKey;size:128"`
	UserID    string    `gorm:"not null;size:255;index:idx_chat_sessions_user_created,priority:1"`
	Title     string    `gorm:"not null"`
	Path      string    `gorm:"not null"`
	SharePath *string   `gorm:"uniqueIndex"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false;index:idx_chat_sessions_user_created,priority:2"`
}

func (chatRow) TableName() string { return "chat_sessions" }

type turnRow struct {
	ChatID  string `gorm:"primaryKey;size:128"`
	Seq     int64  `gorm:"primaryKey;autoIncrement:false"`
	Role    string `gorm:"not null;size:16"`
	Content string `gorm:"not null"`
}

func (turnRow) TableName() string { return "chat_turns" }

type indexRow struct {
	UserID string `gorm:"primaryKey;size:255"`
}

func (indexRow) TableName() string { return "user_chat_indexes" }

type chatRefRow struct {
	UserID    string    `gorm:"primaryKey;size:255"`
	ChatID    string    `gorm:"primaryKey;size:128"`
	Position  int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (chatRefRow) TableName() string { return "user_chat_refs" }

// SQLStore stores each chat as a session row plus one row per turn, and each
// user's chat index as ordered reference rows.
type SQLStore struct {
	db       *gorm.DB
	lockRows bool
	done     chan struct{}
}

func (s *SQLStore) AppendExchange(ctx context.Context, ex registrystore.Exchange) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session := chatRow{
			ChatID:    ex.ChatID,
			UserID:    ex.UserID,
			Title:     ex.Title,
			Path:      model.ChatPath(ex.ChatID),
			CreatedAt: ex.At,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&session).Error; err != nil {
			return err
		}

		q := tx
		if s.lockRows {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var owner chatRow
		if err := q.Where("chat_id = ?", ex.ChatID).Take(&owner).Error; err != nil {
			return err
		}
		if owner.UserID != ex.UserID {
			return &registrystore.ConflictError{Message: fmt.Sprintf("chat %s belongs to another user", ex.ChatID)}
		}

		var last int64
		if err := tx.Model(&turnRow{}).Where("chat_id = ?", ex.ChatID).Select("COALESCE(MAX(seq), 0)").Scan(&last).Error; err != nil {
			return err
		}
		turns := ex.Turns()
		rows := make([]turnRow, len(turns))
		for i, t := range turns {
			rows[i] = turnRow{ChatID: ex.ChatID, Seq: last + int64(i) + 1, Role: string(t.Role), Content: t.Content}
		}
		return tx.Create(&rows).Error
	})
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to append exchange: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentTurns(ctx context.Context, chatID, userID string, k int) ([]model.Turn, error) {
	if k <= 0 {
		return nil, nil
	}
	var rows []turnRow
	err := s.db.WithContext(ctx).
		Where("chat_id = ? AND EXISTS (SELECT 1 FROM chat_sessions cs WHERE cs.chat_id = chat_turns.chat_id AND cs.user_id = ?)", chatID, userID).
		Order("seq DESC").
		Limit(k).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to read recent turns: %w", err)
	}
	slices.Reverse(rows)
	return toTurns(rows), nil
}

func toTurns(rows []turnRow) []model.Turn {
	turns := make([]model.Turn, len(rows))
	for i, r := range rows {
		turns[i] = model.Turn{Role: model.Role(r.Role), Content: r.Content}
	}
	return turns
}

func (s *SQLStore) findChat(ctx context.Context, query string, arg any, resource, id string) (*model.ChatSession, error) {
	db := s.db.WithContext(ctx)
	var row chatRow
	err := db.Where(query, arg).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", resource, err)
	}
	var turns []turnRow
	if err := db.Where("chat_id = ?", row.ChatID).Order("seq").Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to get %s messages: %w", resource, err)
	}
	chat := &model.ChatSession{
		ID:        row.ChatID,
		UserID:    row.UserID,
		Title:     row.Title,
		CreatedAt: row.CreatedAt,
		Path:      row.Path,
		Messages:  toTurns(turns),
	}
	if row.SharePath != nil {
		chat.SharePath = *row.SharePath
	}
	return chat, nil
}

func (s *SQLStore) GetChat(ctx context.Context, chatID string) (*model.ChatSession, error) {
	return s.findChat(ctx, "chat_id = ?", chatID, "chat", chatID)
}

func (s *SQLStore) GetChatBySharePath(ctx context.Context, sharePath string) (*model.ChatSession, error) {
	return s.findChat(ctx, "share_path = ?", sharePath, "shared chat", sharePath)
}

func (s *SQLStore) SetSharePath(ctx context.Context, chatID, userID, sharePath string) error {
	res := s.db.WithContext(ctx).Model(&chatRow{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Update("share_path", sharePath)
	if res.Error != nil {
		return fmt.Errorf("failed to share chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &registrystore.NotFoundError{Resource: "chat", ID: chatID}
	}
	return nil
}

func (s *SQLStore) DeleteChat(ctx context.Context, chatID, userID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).Delete(&chatRow{})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		return tx.Where("chat_id = ?", chatID).Delete(&turnRow{}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUserChats(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&chatRow{}).Where("user_id = ?", userID).Pluck("chat_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("chat_id IN ?", ids).Delete(&turnRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("user_id = ?", userID).Delete(&chatRow{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	return deleted, nil
}

func (s *SQLStore) ListChatRefs(ctx context.Context, userID string) ([]model.ChatRef, error) {
	var rows []chatRow
	err := s.db.WithContext(ctx).
		Select("chat_id", "created_at").
		Where("user_id = ?", userID).
		Order("created_at, chat_id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	refs := make([]model.ChatRef, len(rows))
	for i, r := range rows {
		refs[i] = model.ChatRef{ID: r.ChatID, UpdatedAt: r.CreatedAt}
	}
	return refs, nil
}

func (s *SQLStore) ListUserIDs(ctx context.Context) ([]string, error) {
	db := s.db.WithContext(ctx)
	var owners, indexed []string
	if err := db.Model(&chatRow{}).Distinct().Pluck("user_id", &owners).Error; err != nil {
		return nil, fmt.Errorf("failed to list chat owners: %w", err)
	}
	if err := db.Model(&indexRow{}).Pluck("user_id", &indexed).Error; err != nil {
		return nil, fmt.Errorf("failed to list indexed users: %w", err)
	}
	ids := append(owners, indexed...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (s *SQLStore) GetIndex(ctx context.Context, userID string) (*model.UserChatIndex, error) {
	db := s.db.WithContext(ctx)
	var row indexRow
	err := db.Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "chat index", ID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat index: %w", err)
	}
	var refs []chatRefRow
	if err := db.Where("user_id = ?", userID).Order("position, chat_id").Find(&refs).Error; err != nil {
		return nil, fmt.Errorf("failed to get chat index entries: %w", err)
	}
	idx := &model.UserChatIndex{UserID: userID, Chats: make([]model.ChatRef, len(refs))}
	for i, r := range refs {
		idx.Chats[i] = model.ChatRef{ID: r.ChatID, UpdatedAt: r.UpdatedAt}
	}
	return idx, nil
}

func (s *SQLStore) IndexContains(ctx context.Context, userID, chatID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&chatRefRow{}).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up chat index: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) TouchIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&chatRefRow{}).
		Where("user_id = ? AND chat_id = ?", userID, chatID).
		Update("updated_at", at).Error
	if err != nil {
		return fmt.Errorf("failed to touch chat index entry: %w", err)
	}
	return nil
}

func ensureIndex(tx *gorm.DB, userID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&indexRow{UserID: userID}).Error
}

func (s *SQLStore) AddIndexEntry(ctx context.Context, userID, chatID string, at time.Time) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureIndex(tx, userID); err != nil {
			return err
		}
		var last int64
		if err := tx.Model(&chatRefRow{}).Where("user_id = ?", userID).Select("COALESCE(MAX(position), 0)").Scan(&last).Error; err != nil {
			return err
		}
		ref := chatRefRow{UserID: userID, ChatID: chatID, Position: last + 1, UpdatedAt: at}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
		}).Create(&ref).Error
	})
	if err != nil {
		return fmt.Errorf("failed to add chat index entry: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveIndexEntry(ctx context.Context, userID, chatID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ? AND chat_id = ?", userID, chatID).Delete(&chatRefRow{}).Error; err != nil {
		return fmt.Errorf("failed to remove chat index entry: %w", err)
	}
	return nil
}

func (s *SQLStore) ResetIndex(ctx context.Context, userID string) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&chatRefRow{}).Error; err != nil {
		return fmt.Errorf("failed to reset chat index: %w", err)
	}
	return nil
}

func (s *SQLStore) Close(context.Context) error {
	close(s.done)
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ registrystore.ChatStore = (*SQLStore)(nil)
