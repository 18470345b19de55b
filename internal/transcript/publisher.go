// Package transcript publishes a finished meeting recording as a transcript
// file in the department chat.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dkeye/meetroom/internal/domain"
	"github.com/dkeye/meetroom/internal/recorder"
	"github.com/rs/zerolog/log"
)

const (
	Bucket        = "chat-files"
	AudioFileName = "meeting-recording.ogg"
	dateLayout    = "02.01.2006"
)

var (
	ErrTranscription   = errors.New("transcription failed")
	ErrTranscriptEmpty = errors.New("transcript is empty")
	ErrUpload          = errors.New("transcript upload failed")
	ErrMessageWrite    = errors.New("transcript message write failed")
	ErrNoDestination   = errors.New("no destination chat")
)

type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, fileName, contentType string) (string, error)
}

type ChatResolver interface {
	ResolveDepartmentChat(ctx context.Context, dept domain.DepartmentID) (domain.ChatID, error)
}

type Uploader interface {
	// Upload stores content without overwriting and returns its public URL.
	Upload(ctx context.Context, bucket, path string, content []byte, contentType string) (string, error)
}

type ChatMessage struct {
	ChatID         domain.ChatID        `json:"chat_id"`
	SenderID       domain.ParticipantID `json:"sender_id"`
	Content        string               `json:"content"`
	FileURL        string               `json:"file_url"`
	FileName       string               `json:"file_name"`
	IsAITranscript bool                 `json:"is_ai_transcript"`
}

type MessageWriter interface {
	WriteMessage(ctx context.Context, msg ChatMessage) error
}

// Destination says where a transcript goes. ChatID is resolved from the
// department when empty.
type Destination struct {
	DepartmentID   domain.DepartmentID
	DepartmentName string
	ChatID         domain.ChatID
	SenderID       domain.ParticipantID
}

type Outcome struct {
	Skipped    bool
	Transcript string
	ChatID     domain.ChatID
	FileName   string
	FileURL    string
}

type Publisher struct {
	Transcriber Transcriber
	Chats       ChatResolver
	Storage     Uploader
	Messages    MessageWriter
	Now         func() time.Time
}

func (p *Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// FileName is the transcript name for a day, DD.MM.YYYY.txt.
func FileName(t time.Time) string {
	return t.Format(dateLayout) + ".txt"
}

// Publish transcribes rec and posts it to the department chat.
// An empty recording is skipped without any call. A message is written
// only after the upload succeeded.
func (p *Publisher) Publish(ctx context.Context, rec recorder.Recording, dest Destination) (Outcome, error) {
	logger := log.With().Str("module", "transcript").Str("department", string(dest.DepartmentID)).Logger()
	if rec.Empty() {
		logger.Info().Msg("empty recording, nothing to publish")
		return Outcome{Skipped: true}, nil
	}

	chatID := dest.ChatID
	if chatID == "" {
		if dest.DepartmentID == "" || p.Chats == nil {
			return Outcome{}, ErrNoDestination
		}
		id, err := p.Chats.ResolveDepartmentChat(ctx, dest.DepartmentID)
		if err != nil {
			return Outcome{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
		}
		if id == "" {
			return Outcome{}, ErrNoDestination
		}
		chatID = id
	}

	text, err := p.Transcriber.Transcribe(ctx, rec.Reader(), AudioFileName, rec.MimeType)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, ErrTranscriptEmpty
	}

	out := Outcome{Transcript: text, ChatID: chatID, FileName: FileName(p.now())}
	path := string(chatID) + "/" + out.FileName
	url, err := p.Storage.Upload(ctx, Bucket, path, []byte(text), "text/plain")
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	out.FileURL = url

	name := dest.DepartmentName
	if name == "" {
		name = string(dest.DepartmentID)
	}
	msg := ChatMessage{
		ChatID:         chatID,
		SenderID:       dest.SenderID,
		Content:        "Meeting transcript - " + name,
		FileURL:        url,
		FileName:       out.FileName,
		IsAITranscript: true,
	}
	if err := p.Messages.WriteMessage(ctx, msg); err != nil {
		return out, fmt.Errorf("%w: %w", ErrMessageWrite, err)
	}
	logger.Info().Str("chat", string(chatID)).Str("file", out.FileName).Msg("transcript published")
	return out, nil
}
