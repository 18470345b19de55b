package rtc

import (
	"context"
	"time"

	"github.com/dkeye/meetroom/internal/config"
	"github.com/dkeye/meetroom/internal/core"
	"github.com/dkeye/meetroom/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type APIOptions struct {
	// IncludeLoopback gathers 127.0.0.1 candidates, used for same-host peers.
	IncludeLoopback bool
	FailedTimeout   time.Duration
	LogLevel        zerolog.Level
}

// NewAPI assembles codecs, interceptors and settings shared by all links.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)

	s := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(opts.LogLevel)}
	s.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.FailedTimeout > 0 {
		s.SetICETimeouts(opts.FailedTimeout/2, opts.FailedTimeout, 2*time.Second)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	), nil
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
	}
}

// ICEConfiguration converts configured servers; an empty list falls back to the defaults.
func ICEConfiguration(servers []config.ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return DefaultWebRTCConfig()
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return webrtc.Configuration{ICEServers: out}
}

// Factory creates pion-backed links.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f *Factory) NewLink(_ context.Context, remote domain.ParticipantID, role core.Role, tracks []webrtc.TrackLocal) (core.PeerLink, error) {
	return NewLink(f.API, f.Config, remote, role, tracks)
}
