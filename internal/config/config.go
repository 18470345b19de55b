package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

type SignalingConfig struct {
	SendBuffer       int           `mapstructure:"send_buffer"`
	RateLimit        int           `mapstructure:"rate_limit"`
	RateInterval     time.Duration `mapstructure:"rate_interval"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
	PruneSchedule    string        `mapstructure:"prune_schedule"`
}

type TURNConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Port     int    `mapstructure:"port"`
	Realm    string `mapstructure:"realm"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	PublicIP string `mapstructure:"public_ip"`
}

type StorageConfig struct {
	Root          string `mapstructure:"root"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	Bucket        string `mapstructure:"bucket"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TranscriptionConfig struct {
	GoogleAPIKey   string        `mapstructure:"google_api_key"`
	OpenAIAPIKey   string        `mapstructure:"openai_api_key"`
	GoogleEndpoint string        `mapstructure:"google_endpoint"`
	OpenAIEndpoint string        `mapstructure:"openai_endpoint"`
	LanguageCode   string        `mapstructure:"language_code"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type MeetingConfig struct {
	ServerURL       string        `mapstructure:"server_url"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	ReannounceDelay time.Duration `mapstructure:"reannounce_delay"`
	RestartTimeout  time.Duration `mapstructure:"restart_timeout"`
	ChunkInterval   time.Duration `mapstructure:"chunk_interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	ICEServers    []ICEServer         `mapstructure:"ice_servers"`
	Signaling     SignalingConfig     `mapstructure:"signaling"`
	TURN          TURNConfig          `mapstructure:"turn"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Meeting       MeetingConfig       `mapstructure:"meeting"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "meetroom-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
		{"urls": []string{"stun:stun1.l.google.com:19302"}},
	})

	v.SetDefault("signaling.send_buffer", 256)
	v.SetDefault("signaling.rate_limit", 200)
	v.SetDefault("signaling.rate_interval", "1s")
	v.SetDefault("signaling.subscribe_timeout", "10s")
	v.SetDefault("signaling.prune_schedule", "@every 60m")

	v.SetDefault("turn.enabled", false)
	v.SetDefault("turn.port", 3478)
	v.SetDefault("turn.realm", "meetroom")
	v.SetDefault("turn.username", "meetroom")

	v.SetDefault("storage.root", "./data/storage")
	v.SetDefault("storage.public_base_url", "http://localhost:8080/files")
	v.SetDefault("storage.bucket", "chat-files")

	v.SetDefault("database.dsn", "./data/meetroom.db")

	v.SetDefault("transcription.google_endpoint", "https://speech.googleapis.com/v1/speech:recognize")
	v.SetDefault("transcription.openai_endpoint", "https://api.openai.com/v1/audio/transcriptions")
	v.SetDefault("transcription.language_code", "en-US")
	v.SetDefault("transcription.timeout", "120s")

	v.SetDefault("meeting.server_url", "http://localhost:8080")
	v.SetDefault("meeting.settle_delay", "1s")
	v.SetDefault("meeting.reannounce_delay", "1s")
	v.SetDefault("meeting.restart_timeout", "10s")
	v.SetDefault("meeting.chunk_interval", "1s")
}

func bindEnv(v *viper.Viper) error {
	binds := [][]string{
		{"transcription.google_api_key", "GOOGLE_API_KEY", "NEXT_PUBLIC_GOOGLE_API_KEY"},
		{"transcription.openai_api_key", "OPENAI_API_KEY"},
		{"turn.password", "TURN_PASSWORD"},
		{"secret", "MEETROOM_SECRET"},
		{"meeting.server_url", "MEETROOM_SERVER_URL"},
	}
	for _, b := range binds {
		if err := v.BindEnv(b...); err != nil {
			return err
		}
	}
	return nil
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of defaults.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}
