package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedVideo = errors.New("unsupported video source")

type ivfVideo struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	track    *webrtc.TrackLocalStaticSample
	interval time.Duration
	loop     bool
	enabled  atomic.Bool
	logger   zerolog.Logger
}

func videoMime(fourcc string) (string, bool) {
	switch fourcc {
	case "VP80":
		return webrtc.MimeTypeVP8, true
	case "VP90":
		return webrtc.MimeTypeVP9, true
	case "AV01":
		return webrtc.MimeTypeAV1, true
	}
	return "", false
}

func newIVFVideo(f *os.File, streamID string, loop bool) (*ivfVideo, error) {
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", f.Name(), ErrUnsupportedVideo, err)
	}
	mime, ok := videoMime(header.FourCC)
	if !ok {
		return nil, fmt.Errorf("%s: %w: fourcc %q", f.Name(), ErrUnsupportedVideo, header.FourCC)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		return nil, err
	}

	interval := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		interval = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	v := &ivfVideo{
		file:     f,
		reader:   reader,
		track:    track,
		interval: interval,
		loop:     loop,
		logger:   log.With().Str("module", "media").Str("kind", "video").Logger(),
	}
	v.enabled.Store(true)
	return v, nil
}

func (v *ivfVideo) run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := v.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !v.loop || v.rewind() != nil {
				v.logger.Info().Msg("video source ended")
				return
			}
			continue
		}
		if err != nil {
			v.logger.Error().Err(err).Msg("parse ivf frame")
			return
		}
		if !v.enabled.Load() {
			// camera off: frames keep their pace but are not sent
			continue
		}
		if err := v.track.WriteSample(media.Sample{Data: frame, Duration: v.interval}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			v.logger.Warn().Err(err).Msg("write sample")
		}
	}
}

func (v *ivfVideo) rewind() error {
	if _, err := v.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(v.file)
	if err != nil {
		return err
	}
	v.reader = reader
	return nil
}
