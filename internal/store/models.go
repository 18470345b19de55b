package store

import (
	"time"

	"gorm.io/datatypes"
)

const (
	ChatTypeDepartment = "department"
	ChatTypeDirect     = "direct"

	GeneralChatName = "general"
)

type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Department struct {
	BaseModel

	Name  string `json:"name"`
	Chats []Chat `json:"chats,omitempty"`
}

type Chat struct {
	BaseModel

	Type         string    `json:"type" gorm:"index"`
	Name         string    `json:"name"`
	DepartmentID string    `json:"department_id" gorm:"index"`
	Messages     []Message `json:"messages,omitempty"`
}

type Message struct {
	BaseModel

	ChatID         string            `json:"chat_id" gorm:"index"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content"`
	FileURL        string            `json:"file_url,omitempty"`
	FileName       string            `json:"file_name,omitempty"`
	IsAITranscript bool              `json:"is_ai_transcript"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
}
