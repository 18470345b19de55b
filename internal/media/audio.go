package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opusClockRate    = 48000
	opusPayloadType  = 111
	defaultOpusFrame = 960 // 20ms at 48kHz
	packetizerMTU    = 1200
	oggPageHeaderLen = 27
)

var (
	ErrUnsupportedAudio = errors.New("unsupported audio source")
	errShortOggPage     = errors.New("ogg page shorter than its segment table")
)

// pageCapture keeps the raw bytes of the page being parsed. The ogg reader
// only returns the joined payload, and packet boundaries live in the
// segment table.
type pageCapture struct {
	r   io.Reader
	raw bytes.Buffer
}

func (p *pageCapture) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.raw.Write(b[:n])
	return n, err
}

// oggAudio paces an Ogg/Opus file into an RTP track and fans copies out to taps.
type oggAudio struct {
	file    *os.File
	capture *pageCapture
	reader  *oggreader.OggReader
	carry   []byte
	track   *webrtc.TrackLocalStaticRTP
	pk      rtp.Packetizer
	loop    bool
	enabled atomic.Bool
	logger  zerolog.Logger

	mu     sync.Mutex
	taps   map[int]chan *rtp.Packet
	nextID int
	closed bool
}

func newOggAudio(f *os.File, streamID string, loop bool) (*oggAudio, error) {
	capture := &pageCapture{r: f}
	reader, header, err := oggreader.NewWith(capture)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", f.Name(), ErrUnsupportedAudio, err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, err
	}
	a := &oggAudio{
		file:    f,
		capture: capture,
		reader:  reader,
		track:   track,
		pk: rtp.NewPacketizer(packetizerMTU, opusPayloadType, 0,
			&codecs.OpusPayloader{}, rtp.NewRandomSequencer(), opusClockRate),
		loop:   loop,
		logger: log.With().Str("module", "media").Str("kind", "audio").Logger(),
		taps:   make(map[int]chan *rtp.Packet),
	}
	a.enabled.Store(true)
	a.logger.Debug().
		Uint8("channels", header.Channels).
		Uint32("sample_rate", header.SampleRate).
		Msg("ogg source opened")
	return a, nil
}

// Tap registers a listener for outgoing packets. Slow listeners lose packets.
func (a *oggAudio) Tap(buffer int) (<-chan *rtp.Packet, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *rtp.Packet, buffer)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := a.nextID
	a.nextID++
	a.taps[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if c, ok := a.taps[id]; ok {
				delete(a.taps, id)
				close(c)
			}
		})
	}
}

func (a *oggAudio) emit(pkt *rtp.Packet) {
	a.mu.Lock()
	for _, ch := range a.taps {
		select {
		case ch <- pkt.Clone():
		default:
		}
	}
	a.mu.Unlock()

	if err := a.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		a.logger.Warn().Err(err).Msg("write RTP")
	}
}

// run paces one Opus packet per frame duration. While disabled the packets
// are read and timed as usual but not sent, so RTP timestamps keep advancing.
func (a *oggAudio) run(ctx context.Context) {
	var queue [][]byte
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if len(queue) == 0 {
			packets, err := a.nextPage()
			if errors.Is(err, io.EOF) {
				if !a.loop || a.rewind() != nil {
					a.logger.Info().Msg("audio source ended")
					return
				}
				timer.Reset(0)
				continue
			}
			if err != nil {
				a.logger.Error().Err(err).Msg("parse ogg page")
				return
			}
			if len(packets) == 0 {
				timer.Reset(0)
				continue
			}
			queue = packets
		}

		pkt := queue[0]
		queue = queue[1:]
		samples := opusSamples(pkt)
		if samples == 0 {
			samples = defaultOpusFrame
		}
		if a.enabled.Load() {
			for _, p := range a.pk.Packetize(pkt, samples) {
				a.emit(p)
			}
		} else {
			a.pk.SkipSamples(samples)
		}
		timer.Reset(time.Duration(samples) * time.Second / opusClockRate)
	}
}

// nextPage reads one page and returns the audio packets it completes.
func (a *oggAudio) nextPage() ([][]byte, error) {
	a.capture.raw.Reset()
	payload, _, err := a.reader.ParseNextPage()
	if err != nil {
		return nil, err
	}
	raw := a.capture.raw.Bytes()
	if len(raw) < oggPageHeaderLen {
		return nil, errShortOggPage
	}
	segments := int(raw[oggPageHeaderLen-1])
	if len(raw) < oggPageHeaderLen+segments {
		return nil, errShortOggPage
	}

	packets, rest := splitPackets(raw[oggPageHeaderLen:oggPageHeaderLen+segments], payload, a.carry)
	a.carry = rest

	out := packets[:0]
	for _, p := range packets {
		if len(p) == 0 || bytes.HasPrefix(p, []byte("OpusHead")) || bytes.HasPrefix(p, []byte("OpusTags")) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// splitPackets cuts a page payload at its lacing values. A packet that runs
// on into the next page comes back as rest and is passed in as carry there.
func splitPackets(lacing, payload, carry []byte) (packets [][]byte, rest []byte) {
	cur := carry
	off := 0
	for _, l := range lacing {
		n := int(l)
		if off+n > len(payload) {
			break
		}
		cur = append(cur, payload[off:off+n]...)
		off += n
		if l < 255 {
			packets = append(packets, cur)
			cur = nil
		}
	}
	return packets, cur
}

// opusSamples reads the frame duration and count from the TOC byte (RFC 6716 3.1).
func opusSamples(pkt []byte) uint32 {
	if len(pkt) == 0 {
		return 0
	}
	toc := pkt[0]
	config := toc >> 3

	var frame uint32
	switch {
	case config < 12: // SILK
		frame = [4]uint32{480, 960, 1920, 2880}[config%4]
	case config < 16: // hybrid
		frame = [2]uint32{480, 960}[config%2]
	default: // CELT
		frame = [4]uint32{120, 240, 480, 960}[config%4]
	}

	switch toc & 0x3 {
	case 0:
		return frame
	case 1, 2:
		return 2 * frame
	default:
		if len(pkt) < 2 {
			return frame
		}
		return uint32(pkt[1]&0x3f) * frame
	}
}

func (a *oggAudio) rewind() error {
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	a.capture.raw.Reset()
	reader, _, err := oggreader.NewWith(a.capture)
	if err != nil {
		return err
	}
	a.reader = reader
	a.carry = nil
	return nil
}

func (a *oggAudio) close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		for id, ch := range a.taps {
			delete(a.taps, id)
			close(ch)
		}
	}
	a.mu.Unlock()
	_ = a.file.Close()
}
