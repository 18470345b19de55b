// Package media provides file-backed local devices for headless participants:
// an Ogg/Opus file plays the microphone and an IVF file plays the camera.
package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// FileDevices acquires a LocalStream from media files.
type FileDevices struct {
	AudioPath string
	VideoPath string
	// Loop restarts a source at EOF instead of ending the track.
	Loop     bool
	StreamID string
}

// Acquire opens the configured files and starts pacing them into tracks.
func (d *FileDevices) Acquire(ctx context.Context) (core.LocalStream, error) {
	if d.AudioPath == "" && d.VideoPath == "" {
		return nil, fmt.Errorf("no audio or video source configured: %w", domain.ErrMediaDeviceNotFound)
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = "meetroom"
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{cancel: cancel}

	if d.AudioPath != "" {
		f, err := openDevice(d.AudioPath)
		if err != nil {
			cancel()
			return nil, err
		}
		a, err := newOggAudio(f, streamID, d.Loop)
		if err != nil {
			_ = f.Close()
			cancel()
			return nil, err
		}
		s.audio = a
	}

	if d.VideoPath != "" {
		f, err := openDevice(d.VideoPath)
		if err != nil {
			s.closeSources()
			cancel()
			return nil, err
		}
		v, err := newIVFVideo(f, streamID, d.Loop)
		if err != nil {
			_ = f.Close()
			s.closeSources()
			cancel()
			return nil, err
		}
		s.video = v
	}

	if err := ctx.Err(); err != nil {
		s.closeSources()
		cancel()
		return nil, err
	}

	if s.audio != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.audio.run(runCtx)
		}()
	}
	if s.video != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.video.run(runCtx)
		}()
	}
	log.Info().Str("module", "media").
		Str("audio", d.AudioPath).
		Str("video", d.VideoPath).
		Msg("local media acquired")
	return s, nil
}

// openDevice maps file errors onto the media error kinds.
func openDevice(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	return nil, classify(path, err)
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, domain.ErrMediaPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, domain.ErrMediaDeviceNotFound)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.ETXTBSY):
		return fmt.Errorf("%s: %w", path, domain.ErrMediaDeviceBusy)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}
}

// Stream is a LocalStream over file sources.
type Stream struct {
	audio  *oggAudio
	video  *ivfVideo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audio != nil {
		out = append(out, s.audio.track)
	}
	if s.video != nil {
		out = append(out, s.video.track)
	}
	return out
}

// SetEnabled mutes or resumes the source of kind without renegotiating.
// It reports false when the stream has no such source.
func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, on bool) bool {
	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.audio != nil:
		s.audio.enabled.Store(on)
	case kind == webrtc.RTPCodecTypeVideo && s.video != nil:
		s.video.enabled.Store(on)
	default:
		return false
	}
	log.Info().Str("module", "media").Str("kind", kind.String()).Bool("enabled", on).Msg("local source toggled")
	return true
}

func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	switch {
	case kind == webrtc.RTPCodecTypeAudio && s.audio != nil:
		return s.audio.enabled.Load()
	case kind == webrtc.RTPCodecTypeVideo && s.video != nil:
		return s.video.enabled.Load()
	}
	return false
}

func (s *Stream) Audio() core.PacketSource {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

// Stop ends every source and detaches all taps. Safe to call twice.
func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.closeSources()
		log.Info().Str("module", "media").Msg("local media stopped")
	})
}

func (s *Stream) closeSources() {
	if s.audio != nil {
		s.audio.close()
	}
	if s.video != nil {
		_ = s.video.file.Close()
	}
}
