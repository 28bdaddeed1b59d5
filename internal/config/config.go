package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roomsync/internal/logger"
	"gopkg.in/yaml.v3"
)

// loadEnv reads .env outside production (in containers/prod config comes from env only).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(parent, "/"); idx <= 0 {
			return
		} else {
			dir = parent[:idx]
			if dir == "" {
				dir = "/"
			}
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// ReconnectConfig controls the exponential backoff applied after abnormal
// connection loss. Delay doubles per attempt from Base, stops growing past
// GrowthCap attempts and never exceeds Max; attempts themselves are unlimited.
type ReconnectConfig struct {
	Base      time.Duration
	Max       time.Duration
	GrowthCap int
}

// Config holds sync client settings plus the dev server section.
// Priority: environment variables > YAML file > defaults.
type Config struct {
	// Client transport
	Endpoint          string
	HeartbeatInterval time.Duration
	PongWait          time.Duration
	WriteWait         time.Duration
	DialTimeout       time.Duration
	SendBufferSize    int
	MaxFrameSize      int64

	Reconnect ReconnectConfig

	// Typing indicator timing
	TypingStopAfter time.Duration
	TypingExpiry    time.Duration

	// Dev server
	ServerAddr         string
	CORSAllowedOrigins string
	TokenSecret        string
	TokenTTL           time.Duration
	MaxConnections     int

	LogLevel string
}

// yamlConfig is the intermediate structure for parsing the YAML file.
// Durations are plain seconds/milliseconds so files stay readable.
type yamlConfig struct {
	Endpoint             string `yaml:"endpoint"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval"`
	PongWaitSec          int    `yaml:"pong_wait"`
	WriteWaitSec         int    `yaml:"write_wait"`
	DialTimeoutSec       int    `yaml:"dial_timeout"`
	SendBufferSize       int    `yaml:"send_buffer_size"`
	MaxFrameSize         int    `yaml:"max_frame_size"`

	ReconnectBaseMS    int `yaml:"reconnect_base_ms"`
	ReconnectMaxMS     int `yaml:"reconnect_max_ms"`
	ReconnectGrowthCap int `yaml:"reconnect_growth_cap"`

	TypingStopAfterSec int `yaml:"typing_stop_after"`
	TypingExpirySec    int `yaml:"typing_expiry"`

	ServerAddr         string `yaml:"server_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`
	TokenTTLMinutes    int    `yaml:"token_ttl_minutes"`
	MaxConnections     int    `yaml:"max_connections"`

	LogLevel string `yaml:"log_level"`
}

// Load loads the configuration.
// .env is applied first (if present), then YAML, then env (env wins).
func Load() *Config {
	loadEnv()
	// Defaults
	yc := yamlConfig{
		Endpoint:             "ws://localhost:8090/ws",
		HeartbeatIntervalSec: 30,
		PongWaitSec:          60,
		WriteWaitSec:         10,
		DialTimeoutSec:       10,
		SendBufferSize:       256,
		MaxFrameSize:         4096,
		ReconnectBaseMS:      3000,
		ReconnectMaxMS:       30000,
		ReconnectGrowthCap:   5,
		TypingStopAfterSec:   3,
		TypingExpirySec:      5,
		ServerAddr:           ":8090",
		CORSAllowedOrigins:   "*",
		TokenTTLMinutes:      60,
		MaxConnections:       10000,
		LogLevel:             "info",
	}

	// CONFIG_PATH → config/client.yaml → config/syncd.yaml
	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml", "config/syncd.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (falling back to defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		Endpoint:          envStr("SYNC_ENDPOINT", yc.Endpoint),
		HeartbeatInterval: time.Duration(envInt("HEARTBEAT_INTERVAL", yc.HeartbeatIntervalSec)) * time.Second,
		PongWait:          time.Duration(envInt("PONG_WAIT", yc.PongWaitSec)) * time.Second,
		WriteWait:         time.Duration(envInt("WRITE_WAIT", yc.WriteWaitSec)) * time.Second,
		DialTimeout:       time.Duration(envInt("DIAL_TIMEOUT", yc.DialTimeoutSec)) * time.Second,
		SendBufferSize:    envInt("SEND_BUFFER_SIZE", yc.SendBufferSize),
		MaxFrameSize:      int64(envInt("MAX_FRAME_SIZE", yc.MaxFrameSize)),
		Reconnect: ReconnectConfig{
			Base:      time.Duration(envInt("RECONNECT_BASE_MS", yc.ReconnectBaseMS)) * time.Millisecond,
			Max:       time.Duration(envInt("RECONNECT_MAX_MS", yc.ReconnectMaxMS)) * time.Millisecond,
			GrowthCap: envInt("RECONNECT_GROWTH_CAP", yc.ReconnectGrowthCap),
		},
		TypingStopAfter:    time.Duration(envInt("TYPING_STOP_AFTER", yc.TypingStopAfterSec)) * time.Second,
		TypingExpiry:       time.Duration(envInt("TYPING_EXPIRY", yc.TypingExpirySec)) * time.Second,
		ServerAddr:         envStr("SERVER_ADDR", yc.ServerAddr),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		TokenSecret:        envStr("TOKEN_SECRET", "dev-secret-change-me"),
		TokenTTL:           time.Duration(envInt("TOKEN_TTL_MINUTES", yc.TokenTTLMinutes)) * time.Minute,
		MaxConnections:     envInt("MAX_CONNECTIONS", yc.MaxConnections),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}

	if os.Getenv("APP_ENV") == "production" && cfg.TokenSecret == "dev-secret-change-me" {
		logger.Errorf("config: set TOKEN_SECRET in production (dev default refused)")
		os.Exit(1)
	}

	return cfg
}

// envStr returns the environment variable value or fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the numeric environment variable value or fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
