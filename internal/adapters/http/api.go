package http

import (
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/dkeye/meetroom/internal/storage"
	"github.com/dkeye/meetroom/internal/store"
	"github.com/dkeye/meetroom/internal/transcribe"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

const (
	maxAudioBytes       = 64 << 20
	defaultMessageLimit = 50
)

type api struct {
	deps Deps
}

func (a *api) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": a.deps.Hub.List()})
}

func (a *api) iceServers(c *gin.Context) {
	host := c.Request.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if a.deps.ICEServers == nil {
		c.JSON(http.StatusOK, gin.H{"ice_servers": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ice_servers": a.deps.ICEServers(host)})
}

func (a *api) transcribe(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAudioBytes)
	fh, err := c.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No audio file provided"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable audio file", "details": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable audio file", "details": err.Error()})
		return
	}

	contentType := fh.Header.Get("Content-Type")
	if t := c.GetHeader("X-Audio-Type"); t != "" {
		contentType = t
	}

	text, err := a.deps.Transcriber.Transcribe(c.Request.Context(), transcribe.Audio{
		Data:        data,
		FileName:    fh.Filename,
		ContentType: contentType,
	})
	if err != nil {
		var te *transcribe.Error
		if errors.As(err, &te) {
			c.JSON(te.Status, gin.H{"error": te.Message, "details": te.Details, "status": te.Status})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to transcribe audio", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcript": text})
}

func (a *api) departmentChat(c *gin.Context) {
	chat, err := a.deps.Store.ResolveDepartmentChat(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrChatNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "No chat found for department"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

type ensureChatRequest struct {
	Name string `json:"name"`
}

func (a *api) ensureDepartmentChat(c *gin.Context) {
	var req ensureChatRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	chat, err := a.deps.Store.EnsureDepartmentChat(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat": chat})
}

type messageRequest struct {
	SenderID       string            `json:"sender_id" binding:"required"`
	Content        string            `json:"content"`
	FileURL        string            `json:"file_url"`
	FileName       string            `json:"file_name"`
	IsAITranscript bool              `json:"is_ai_transcript"`
	Metadata       datatypes.JSONMap `json:"metadata"`
}

func (a *api) createMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body", "details": err.Error()})
		return
	}
	msg := &store.Message{
		ChatID:         c.Param("id"),
		SenderID:       req.SenderID,
		Content:        req.Content,
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		IsAITranscript: req.IsAITranscript,
		Metadata:       req.Metadata,
	}
	switch err := a.deps.Store.CreateMessage(c.Request.Context(), msg); {
	case errors.Is(err, store.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"message": msg})
	}
}

func (a *api) listMessages(c *gin.Context) {
	limit := defaultMessageLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	msgs, err := a.deps.Store.ListMessages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (a *api) upload(c *gin.Context) {
	upsert, _ := strconv.ParseBool(c.Query("upsert"))
	obj, err := a.deps.Storage.Upload(c.Request.Context(), c.Param("bucket"), strings.TrimPrefix(c.Param("path"), "/"),
		c.Request.Body, storage.UploadOptions{ContentType: c.ContentType(), Upsert: upsert})
	switch {
	case errors.Is(err, storage.ErrObjectExists):
		c.JSON(http.StatusConflict, gin.H{"error": "The resource already exists"})
	case errors.Is(err, storage.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"object": obj})
	}
}

func (a *api) download(c *gin.Context) {
	objectPath := strings.TrimPrefix(c.Param("path"), "/")
	rc, err := a.deps.Storage.Open(c.Param("bucket"), objectPath)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Object not found"})
		return
	case errors.Is(err, storage.ErrInvalidPath):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(objectPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, -1, contentType, rc, nil)
}
