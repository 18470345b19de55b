// Package recorder captures the local audio stream of a meeting into Ogg/Opus chunks.
package recorder

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/dkeye/meetroom/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const MimeType = "audio/ogg; codecs=opus"

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

type Options struct {
	ChunkInterval time.Duration
	SampleRate    uint32
	Channels      uint16
	TapBuffer     int
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = time.Second
	}
	if o.SampleRate == 0 {
		o.SampleRate = 48000
	}
	if o.Channels == 0 {
		o.Channels = 2
	}
	if o.TapBuffer <= 0 {
		o.TapBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Recorder struct {
	opts Options
}

func New(opts Options) *Recorder {
	return &Recorder{opts: opts.withDefaults()}
}

// Session is one recording. Chunks are appended in arrival order.
type Session struct {
	opts   Options
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	chunks    [][]byte
	cur       bytes.Buffer
	writer    *oggwriter.OggWriter
	startedAt time.Time
	stoppedAt time.Time
	result    *Recording

	packets <-chan *rtp.Packet
	detach  func()
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Start begins recording src. A nil src yields a session that stops empty.
func (r *Recorder) Start(src core.PacketSource) *Session {
	s := &Session{
		opts:      r.opts,
		logger:    log.With().Str("module", "recorder").Logger(),
		state:     StateRecording,
		startedAt: r.opts.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if src == nil {
		s.logger.Info().Msg("no audio source, recording disabled")
		close(s.done)
		return s
	}
	s.packets, s.detach = src.Tap(r.opts.TapBuffer)
	go s.loop()
	s.logger.Info().Dur("chunk_interval", r.opts.ChunkInterval).Msg("recording started")
	return s
}

// curWriter lets the ogg writer append to the current chunk.
type curWriter struct{ s *Session }

func (w curWriter) Write(p []byte) (int, error) { return w.s.cur.Write(p) }

func (s *Session) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case pkt, ok := <-s.packets:
			if !ok {
				s.finish()
				return
			}
			s.write(pkt)
		case <-ticker.C:
			s.mu.Lock()
			s.cutLocked()
			s.mu.Unlock()
		case <-s.stop:
			s.detach()
			for pkt := range s.packets {
				s.write(pkt)
			}
			s.finish()
			return
		}
	}
}

func (s *Session) write(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		w, err := oggwriter.NewWith(curWriter{s}, s.opts.SampleRate, s.opts.Channels)
		if err != nil {
			s.logger.Error().Err(err).Msg("ogg writer")
			return
		}
		s.writer = w
	}
	if err := s.writer.WriteRTP(pkt); err != nil {
		s.logger.Warn().Err(err).Msg("write RTP")
	}
}

func (s *Session) cutLocked() {
	if s.cur.Len() == 0 {
		return
	}
	s.chunks = append(s.chunks, bytes.Clone(s.cur.Bytes()))
	s.cur.Reset()
}

func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close ogg writer")
		}
		s.writer = nil
	}
	s.cutLocked()
}

// ObserveStart keeps the earliest meeting start seen.
func (s *Session) ObserveStart(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IsZero() {
		return
	}
	if s.startedAt.IsZero() || t.Before(s.startedAt) {
		s.startedAt = t
	}
}

func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop ends the recording and returns it once the last chunk is flushed.
// Calling Stop again returns the same recording.
func (s *Session) Stop(ctx context.Context) (Recording, error) {
	s.once.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return s.snapshot(false), ctx.Err()
	}
	return s.snapshot(true), nil
}

func (s *Session) snapshot(final bool) Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return *s.result
	}
	now := s.opts.Now()
	rec := Recording{
		Chunks:    make([][]byte, len(s.chunks)),
		StartedAt: s.startedAt,
		StoppedAt: now,
		MimeType:  MimeType,
	}
	copy(rec.Chunks, s.chunks)
	if final {
		s.state = StateStopped
		s.stoppedAt = now
		s.result = &rec
		s.logger.Info().Int("chunks", len(rec.Chunks)).Int("bytes", rec.Size()).Msg("recording stopped")
	}
	return rec
}

// Recording is the immutable result of a session.
type Recording struct {
	Chunks    [][]byte
	StartedAt time.Time
	StoppedAt time.Time
	MimeType  string
}

func (r Recording) Empty() bool { return r.Size() == 0 }

func (r Recording) Size() int {
	n := 0
	for _, c := range r.Chunks {
		n += len(c)
	}
	return n
}

// Reader streams the chunks in order as one Ogg file.
func (r Recording) Reader() io.Reader {
	readers := make([]io.Reader, 0, len(r.Chunks))
	for _, c := range r.Chunks {
		readers = append(readers, bytes.NewReader(c))
	}
	return io.MultiReader(readers...)
}

func (r Recording) Bytes() []byte {
	return bytes.Join(r.Chunks, nil)
}
