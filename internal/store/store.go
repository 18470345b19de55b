// Package store keeps departments, their chats and chat messages in sqlite.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrEmptyMessage = errors.New("message has no content")
)

var autoMigrate = []any{
	&Department{},
	&Chat{},
	&Message{},
}

type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates it.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dsn, err)
	}
	if strings.Contains(dsn, ":memory:") {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// every connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(autoMigrate...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("module", "store").Str("dsn", dsn).Msg("database ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ResolveDepartmentChat returns the oldest general chat of a department.
func (s *Store) ResolveDepartmentChat(ctx context.Context, departmentID string) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).
		Where(&Chat{Type: ChatTypeDepartment, Name: GeneralChatName, DepartmentID: departmentID}).
		Order("created_at asc").
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chat, fmt.Errorf("department %s: %w", departmentID, ErrChatNotFound)
	}
	return chat, err
}

// EnsureDepartmentChat creates the department and its general chat if missing.
func (s *Store) EnsureDepartmentChat(ctx context.Context, departmentID, name string) (Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dept := Department{BaseModel: BaseModel{ID: departmentID}, Name: name}
		if err := tx.Where(&Department{BaseModel: BaseModel{ID: departmentID}}).FirstOrCreate(&dept).Error; err != nil {
			return err
		}
		err := tx.Where(&Chat{Type: ChatTypeDepartment, Name: GeneralChatName, DepartmentID: departmentID}).
			Order("created_at asc").
			First(&chat).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		chat = Chat{
			BaseModel:    BaseModel{ID: uuid.NewString()},
			Type:         ChatTypeDepartment,
			Name:         GeneralChatName,
			DepartmentID: departmentID,
		}
		return tx.Create(&chat).Error
	})
	return chat, err
}

// CreateChat inserts chat as given, generating an id when empty.
func (s *Store) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(chat).Error
}

func (s *Store) CreateMessage(ctx context.Context, msg *Message) error {
	if msg.Content == "" && msg.FileURL == "" {
		return ErrEmptyMessage
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", msg.ChatID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("chat %s: %w", msg.ChatID, ErrChatNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

// ListMessages returns up to limit messages of a chat, oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	var messages []Message
	q := s.db.WithContext(ctx).Where(&Message{ChatID: chatID}).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return messages, err
	}
	return messages, nil
}
