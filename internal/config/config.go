package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Config struct {
	ExecBaseURL    string
	ExecWSURL      string
	Transport      string
	PollIntervalMS int
	DebounceMS     int
	LogLevel       string
	LocalHost      string
	LocalPort      int
	DBPath         string
	ExecListenAddr string
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	base := os.Getenv("CODEDECK_EXEC_BASE_URL")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}

	wsURL := os.Getenv("CODEDECK_EXEC_WS_URL")
	if wsURL == "" {
		wsURL = "ws://127.0.0.1:8080/ws"
	}

	transport := os.Getenv("CODEDECK_TRANSPORT")
	if transport != "poll" {
		transport = "stream"
	}

	pollMS := atoiOrDefault(os.Getenv("CODEDECK_POLL_INTERVAL_MS"), 1000)
	debounceMS := atoiOrDefault(os.Getenv("CODEDECK_WRITE_DEBOUNCE_MS"), 500)

	level := os.Getenv("CODEDECK_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	localHost := os.Getenv("CODEDECK_LOCAL_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}
	localPort := atoiOrDefault(os.Getenv("CODEDECK_LOCAL_PORT"), 4680)

	dbPath := os.Getenv("CODEDECK_DB_PATH")
	if dbPath == "" {
		dbPath = defaultDBPath()
	}

	execListen := os.Getenv("CODEDECK_EXEC_LISTEN_ADDR")
	if execListen == "" {
		execListen = "127.0.0.1:8080"
	}

	return Config{
		ExecBaseURL:    base,
		ExecWSURL:      wsURL,
		Transport:      transport,
		PollIntervalMS: pollMS,
		DebounceMS:     debounceMS,
		LogLevel:       level,
		LocalHost:      localHost,
		LocalPort:      localPort,
		DBPath:         dbPath,
		ExecListenAddr: execListen,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean("codedeck.db")
	}
	return filepath.Join(home, ".codedeck", "codedeck.db")
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
