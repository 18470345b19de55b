package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/meetroom/internal/config"
	"github.com/dkeye/meetroom/internal/domain"
)

var ErrConflict = errors.New("object already exists")

// APIClient talks to the meetroom server API for transcription, chats and storage.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 3 * time.Minute},
	}
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	var e apiError
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		if e.Details != "" {
			return fmt.Errorf("HTTP %d: %s: %s", resp.StatusCode, e.Error, e.Details)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, e.Error)
	}
	if len(body) == 0 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, body)
}

func (c *APIClient) do(req *http.Request, want int, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return readError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Transcribe uploads audio as the multipart field "audio".
func (c *APIClient) Transcribe(ctx context.Context, audio io.Reader, fileName, contentType string) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("audio", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/transcribe", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Audio-Type", contentType)

	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return "", err
	}
	return out.Transcript, nil
}

func (c *APIClient) ResolveDepartmentChat(ctx context.Context, dept domain.DepartmentID) (domain.ChatID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/departments/"+url.PathEscape(string(dept))+"/chat", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Chat struct {
			ID string `json:"id"`
		} `json:"chat"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return "", err
	}
	return domain.ChatID(out.Chat.ID), nil
}

// Upload never overwrites; an existing object is ErrConflict.
func (c *APIClient) Upload(ctx context.Context, bucket, path string, content []byte, contentType string) (string, error) {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	endpoint := c.BaseURL + "/api/storage/" + url.PathEscape(bucket) + "/" + strings.Join(segs, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(content))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusConflict:
		return "", fmt.Errorf("%s/%s: %w", bucket, path, ErrConflict)
	default:
		return "", readError(resp)
	}
	var out struct {
		Object struct {
			URL string `json:"url"`
		} `json:"object"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Object.URL, nil
}

func (c *APIClient) WriteMessage(ctx context.Context, msg ChatMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/api/chats/"+url.PathEscape(string(msg.ChatID))+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusCreated, nil)
}

// ICEServers asks the server which STUN/TURN servers participants should use.
func (c *APIClient) ICEServers(ctx context.Context) ([]config.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/ice-servers", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		ICEServers []config.ICEServer `json:"ice_servers"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}
