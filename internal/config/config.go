package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ChannelURL string `yaml:"channelUrl"`
	APIBaseURL string `yaml:"apiBaseUrl"`
	AuthToken  string `yaml:"authToken"`
	DataDir    string `yaml:"dataDir"`

	User      UserConfig      `yaml:"user"`
	Cache     CacheConfig     `yaml:"cache"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	TypingExpiry    time.Duration `yaml:"typingExpiry"`
	TypingThrottle  time.Duration `yaml:"typingThrottle"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	UploadTimeout   time.Duration `yaml:"uploadTimeout"`
	HistoryPageSize int           `yaml:"historyPageSize"`
}

type UserConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"displayName"`
}

type CacheConfig struct {
	RedisAddr  string `yaml:"redisAddr"`
	FilePath   string `yaml:"filePath"`
	Passphrase string `yaml:"passphrase"`
}

type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	JitterRatio     float64       `yaml:"jitterRatio"`
}

func Default() Config {
	return Config{
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
			JitterRatio:     0.2,
		},
		TypingExpiry:    3 * time.Second,
		TypingThrottle:  2 * time.Second,
		RequestTimeout:  15 * time.Second,
		UploadTimeout:   60 * time.Second,
		HistoryPageSize: 50,
	}
}

type fileConfig struct {
	Engine Config `yaml:"engine"`
}

func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/rtc.yaml",
			"rtc.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed.Engine)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src Config) {
	if src.ChannelURL != "" {
		dst.ChannelURL = src.ChannelURL
	}
	if src.APIBaseURL != "" {
		dst.APIBaseURL = src.APIBaseURL
	}
	if src.AuthToken != "" {
		dst.AuthToken = src.AuthToken
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.User.ID != "" {
		dst.User.ID = src.User.ID
	}
	if src.User.DisplayName != "" {
		dst.User.DisplayName = src.User.DisplayName
	}
	if src.Cache.RedisAddr != "" {
		dst.Cache.RedisAddr = src.Cache.RedisAddr
	}
	if src.Cache.FilePath != "" {
		dst.Cache.FilePath = src.Cache.FilePath
	}
	if src.Cache.Passphrase != "" {
		dst.Cache.Passphrase = src.Cache.Passphrase
	}
	if src.Reconnect.InitialInterval != 0 {
		dst.Reconnect.InitialInterval = src.Reconnect.InitialInterval
	}
	if src.Reconnect.MaxInterval != 0 {
		dst.Reconnect.MaxInterval = src.Reconnect.MaxInterval
	}
	if src.Reconnect.Multiplier != 0 {
		dst.Reconnect.Multiplier = src.Reconnect.Multiplier
	}
	if src.Reconnect.JitterRatio != 0 {
		dst.Reconnect.JitterRatio = src.Reconnect.JitterRatio
	}
	if src.TypingExpiry != 0 {
		dst.TypingExpiry = src.TypingExpiry
	}
	if src.TypingThrottle != 0 {
		dst.TypingThrottle = src.TypingThrottle
	}
	if src.RequestTimeout != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.UploadTimeout != 0 {
		dst.UploadTimeout = src.UploadTimeout
	}
	if src.HistoryPageSize != 0 {
		dst.HistoryPageSize = src.HistoryPageSize
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RTC_CHANNEL_URL")); v != "" {
		cfg.ChannelURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_AUTH_TOKEN")); v != "" {
		cfg.AuthToken = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_USER_ID")); v != "" {
		cfg.User.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_USER_NAME")); v != "" {
		cfg.User.DisplayName = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_CACHE_REDIS_ADDR")); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_CACHE_FILE_PATH")); v != "" {
		cfg.Cache.FilePath = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_CACHE_PASSPHRASE")); v != "" {
		cfg.Cache.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv("RTC_UPLOAD_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.UploadTimeout = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("RTC_HISTORY_PAGE_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryPageSize = n
		}
	}
}
