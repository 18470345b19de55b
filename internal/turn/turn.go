// Package turn runs the optional embedded TURN relay.
package turn

import (
	"errors"
	"fmt"
	"net"

	"github.com/dkeye/meetroom/internal/adapters/rtc"
	"github.com/dkeye/meetroom/internal/config"
	"github.com/pion/turn/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoPassword = errors.New("turn: password is required")

type Credentials struct {
	Username string
	Password string
}

type Server struct {
	server *turn.Server
	port   int
	creds  Credentials
}

// Start listens on UDP cfg.Port and relays through cfg.PublicIP, or the
// outbound interface address when it is empty.
func Start(cfg config.TURNConfig) (*Server, error) {
	if cfg.Password == "" {
		return nil, ErrNoPassword
	}
	relayIP := net.ParseIP(cfg.PublicIP)
	if relayIP == nil {
		relayIP = localIP()
	}

	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("turn listen: %w", err)
	}

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:         cfg.Realm,
		AuthHandler:   staticAuth(cfg.Username, cfg.Password),
		LoggerFactory: rtc.NewLoggerFactory(zerolog.WarnLevel),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("turn server: %w", err)
	}

	log.Info().
		Str("module", "turn").
		Int("port", cfg.Port).
		Str("realm", cfg.Realm).
		Str("relay_ip", relayIP.String()).
		Msg("TURN server started")

	return &Server{
		server: s,
		port:   cfg.Port,
		creds:  Credentials{Username: cfg.Username, Password: cfg.Password},
	}, nil
}

func (s *Server) Credentials() Credentials { return s.creds }

// ICEServers advertises the relay on host, both as STUN and TURN.
func (s *Server) ICEServers(host string) []config.ICEServer {
	return []config.ICEServer{
		{URLs: []string{fmt.Sprintf("stun:%s:%d", host, s.port)}},
		{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", host, s.port)},
			Username:   s.creds.Username,
			Credential: s.creds.Password,
		},
	}
}

func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func staticAuth(user, password string) turn.AuthHandler {
	return func(username, realm string, src net.Addr) ([]byte, bool) {
		if username != user {
			log.Warn().Str("module", "turn").Str("user", username).Str("src", src.String()).Msg("unknown TURN user")
			return nil, false
		}
		return turn.GenerateAuthKey(username, realm, password), true
	}
}

func localIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn().Err(err).Str("module", "turn").Msg("cannot detect local IP, relaying on loopback")
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
