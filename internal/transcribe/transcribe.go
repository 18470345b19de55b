// Package transcribe turns meeting audio into text with Google Speech-to-Text,
// falling back to OpenAI Whisper.
package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGoogleEndpoint = "https://speech.googleapis.com/v1/speech:recognize"
	DefaultOpenAIEndpoint = "https://api.openai.com/v1/audio/transcriptions"
	whisperModel          = "whisper-1"
)

// Error is a transcription failure with the HTTP status to report.
type Error struct {
	Status  int    `json:"status"`
	Message string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s (%d)", e.Message, e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Message, e.Status, e.Details)
}

type Config struct {
	GoogleAPIKey   string
	OpenAIAPIKey   string
	GoogleEndpoint string
	OpenAIEndpoint string
	LanguageCode   string
	Timeout        time.Duration
}

type Service struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

func New(cfg Config) *Service {
	if cfg.GoogleEndpoint == "" {
		cfg.GoogleEndpoint = DefaultGoogleEndpoint
	}
	if cfg.OpenAIEndpoint == "" {
		cfg.OpenAIEndpoint = DefaultOpenAIEndpoint
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "en-US"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Service{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.With().Str("module", "transcribe").Logger(),
	}
}

// Provider names the backend that will be tried first.
func (s *Service) Provider() string {
	switch {
	case s.cfg.GoogleAPIKey != "":
		return "google"
	case s.cfg.OpenAIAPIKey != "":
		return "openai"
	default:
		return "none"
	}
}

// Audio is one uploaded recording.
type Audio struct {
	Data        []byte
	FileName    string
	ContentType string
}

// Transcribe returns the transcript of audio. Failures are *Error.
func (s *Service) Transcribe(ctx context.Context, audio Audio) (string, error) {
	s.logger.Info().Str("provider", s.Provider()).Int("size", len(audio.Data)).Str("type", audio.ContentType).Msg("transcription request")

	switch {
	case s.cfg.GoogleAPIKey != "":
		return s.viaGoogle(ctx, audio)
	case s.cfg.OpenAIAPIKey != "":
		text, status, body, err := s.whisper(ctx, audio)
		if err != nil {
			return "", &Error{Status: http.StatusInternalServerError, Message: "Failed to transcribe audio", Details: err.Error()}
		}
		if status != http.StatusOK {
			return "", &Error{Status: status, Message: "Failed to transcribe audio", Details: body}
		}
		return text, nil
	default:
		return "", &Error{
			Status:  http.StatusInternalServerError,
			Message: "No API key configured",
			Details: "Please add either GOOGLE_API_KEY or OPENAI_API_KEY to your environment variables",
		}
	}
}

type googleConfig struct {
	Encoding                   string `json:"encoding"`
	SampleRateHertz            int    `json:"sampleRateHertz"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
	AudioChannelCount          int    `json:"audioChannelCount,omitempty"`
}

type googleRequest struct {
	Config googleConfig `json:"config"`
	Audio  struct {
		Content string `json:"content"`
	} `json:"audio"`
}

type googleResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

type googleError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (s *Service) recognize(ctx context.Context, content string, channels int) (int, []byte, error) {
	req := googleRequest{Config: googleConfig{
		Encoding:                   "OGG_OPUS",
		SampleRateHertz:            48000,
		LanguageCode:               s.cfg.LanguageCode,
		EnableAutomaticPunctuation: true,
		AudioChannelCount:          channels,
	}}
	req.Audio.Content = content
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, nil, err
	}

	endpoint := s.cfg.GoogleEndpoint + "?key=" + url.QueryEscape(s.cfg.GoogleAPIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("calling Google API: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func isTooLong(body []byte, parsed googleError) bool {
	text := string(body)
	return strings.Contains(text, "Sync input too long") ||
		strings.Contains(text, "LongRunningRecognize") ||
		strings.Contains(parsed.Error.Message, "too long")
}

func (s *Service) viaGoogle(ctx context.Context, audio Audio) (string, error) {
	content := base64.StdEncoding.EncodeToString(audio.Data)

	status, body, err := s.recognize(ctx, content, 1)
	if err == nil && status != http.StatusOK {
		s.logger.Warn().Int("status", status).Msg("Google API error, retrying without audioChannelCount")
		status, body, err = s.recognize(ctx, content, 0)
	}
	if err != nil {
		return "", &Error{Status: http.StatusInternalServerError, Message: "Failed to transcribe audio", Details: err.Error()}
	}

	if status != http.StatusOK {
		var parsed googleError
		if json.Unmarshal(body, &parsed) != nil {
			parsed.Message = string(body)
		}
		tooLong := isTooLong(body, parsed)
		hasOpenAI := s.cfg.OpenAIAPIKey != ""

		if hasOpenAI && (status == http.StatusForbidden || (status == http.StatusBadRequest && tooLong)) {
			s.logger.Info().Int("status", status).Bool("too_long", tooLong).Msg("falling back to OpenAI Whisper")
			text, wstatus, wbody, werr := s.whisper(ctx, audio)
			if werr == nil && wstatus == http.StatusOK {
				return text, nil
			}
			s.logger.Error().Err(werr).Int("status", wstatus).Str("body", wbody).Msg("OpenAI fallback also failed")
		}

		return "", &Error{
			Status:  status,
			Message: "Failed to transcribe audio with Google API",
			Details: friendlyGoogleError(status, string(body), parsed, tooLong, hasOpenAI),
		}
	}

	var data googleResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", &Error{Status: http.StatusInternalServerError, Message: "Failed to transcribe audio", Details: err.Error()}
	}
	if len(data.Results) == 0 {
		return "", &Error{
			Status:  http.StatusBadRequest,
			Message: "No transcription results returned. The audio may be too short or contain no speech.",
		}
	}
	parts := make([]string, 0, len(data.Results))
	for _, r := range data.Results {
		if len(r.Alternatives) > 0 {
			parts = append(parts, r.Alternatives[0].Transcript)
		} else {
			parts = append(parts, "")
		}
	}
	transcript := strings.TrimSpace(strings.Join(parts, " "))
	if transcript == "" {
		return "", &Error{Status: http.StatusBadRequest, Message: "No speech detected in audio"}
	}
	return transcript, nil
}

func friendlyGoogleError(status int, text string, parsed googleError, tooLong, hasOpenAI bool) string {
	raw := parsed.Message
	if raw == "" {
		raw = parsed.Error.Message
	}
	if raw == "" {
		raw = text
	}
	switch status {
	case http.StatusForbidden:
		switch {
		case strings.Contains(text, "API_KEY_SERVICE_BLOCKED") || strings.Contains(text, "are blocked"):
			if hasOpenAI {
				return "Google API key service blocked. Attempted OpenAI fallback but it also failed. Please fix Google API key restrictions or check OpenAI API key."
			}
			return "API key service blocked. Allow the Cloud Speech-to-Text API for this key, or add OPENAI_API_KEY for automatic fallback."
		case strings.Contains(text, "API key"):
			return "API key invalid or missing permissions. Please check that your Google API key has Speech-to-Text API enabled."
		default:
			return "API access denied (403). Check API key restrictions in Google Cloud Console. Error: " + raw
		}
	case http.StatusBadRequest:
		switch {
		case strings.Contains(text, "encoding"):
			return "Audio format not supported. Please ensure the audio recording is working correctly."
		case tooLong && hasOpenAI:
			return "Audio is longer than 1 minute (Google's limit). Attempted OpenAI fallback but it also failed. Please check OpenAI API key."
		case tooLong:
			return "Audio is longer than 1 minute. Add OPENAI_API_KEY for automatic fallback, or keep meetings under 1 minute."
		default:
			return "Invalid request: " + raw
		}
	}
	if raw == "" {
		return "Unknown error"
	}
	return raw
}

// whisper posts audio to the OpenAI transcription endpoint.
func (s *Service) whisper(ctx context.Context, audio Audio) (string, int, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	name := audio.FileName
	if name == "" {
		name = "meeting-recording.ogg"
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", 0, "", err
	}
	if _, err := part.Write(audio.Data); err != nil {
		return "", 0, "", err
	}
	if err := writer.WriteField("model", whisperModel); err != nil {
		return "", 0, "", err
	}
	if err := writer.Close(); err != nil {
		return "", 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.OpenAIEndpoint, body)
	if err != nil {
		return "", 0, "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+s.cfg.OpenAIAPIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("calling OpenAI API: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, string(respBody), nil
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", resp.StatusCode, string(respBody), fmt.Errorf("parsing OpenAI response: %w", err)
	}
	return out.Text, resp.StatusCode, "", nil
}
