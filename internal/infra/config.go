package infra

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config represents application configuration loaded from environment variables
// and, optionally, a config file named by CONFIG_FILE.
type Config struct {
	AppEnv        string
	Port          string
	DefaultLocale string

	StoreDriver string
	DBPath      string
	DatabaseURL string

	JWTSecret string
	AdminIDs  []int64

	CompletionAPIKey  string
	CompletionBaseURL string
	CompletionModel   string
	MaxTokens         int
	Temperature       float64
	CompletionTimeout time.Duration
	MaxMessageLength  int
	RateLimitPerMin   int
	CacheSize         int

	MinInputLength int
	MaxInputLength int
	HistorySize    int

	TelegramToken       string
	TelegramBaseURL     string
	TelegramPollTimeout time.Duration
	TelegramConcurrency int

	MemoryDir string

	ImageBaseURL    string
	ImageCreditCost int
	ImageTimeout    time.Duration

	TiersFile   string
	LexiconFile string
	GeoIPDBPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPRateLimit    int
	CORSOrigins      []string
}

var configDefaults = map[string]any{
	"APP_ENV":                       "development",
	"PORT":                          "8080",
	"DEFAULT_LOCALE":                "es",
	"STORE_DRIVER":                  StoreDriverSQLite,
	"DB_PATH":                       "companion.db",
	"COMPLETION_BASE_URL":           "https://api.groq.com/openai/v1",
	"COMPLETION_MODEL":              "llama-3.1-8b-instant",
	"MAX_TOKENS":                    400,
	"TEMPERATURE":                   0.9,
	"COMPLETION_TIMEOUT_SECONDS":    15,
	"MAX_MESSAGE_LENGTH":            2000,
	"RATE_LIMIT_PER_MINUTE":         30,
	"CACHE_SIZE":                    100,
	"MIN_INPUT_LENGTH":              2,
	"MAX_INPUT_LENGTH":              3000,
	"HISTORY_SIZE":                  10,
	"TELEGRAM_BASE_URL":             "https://api.telegram.org",
	"TELEGRAM_POLL_TIMEOUT_SECONDS": 30,
	"TELEGRAM_MAX_CONCURRENCY":      8,
	"IMAGE_BASE_URL":                "https://image.pollinations.ai",
	"IMAGE_CREDIT_COST":             10,
	"IMAGE_TIMEOUT_SECONDS":         60,
	"HTTP_READ_TIMEOUT_SECONDS":     15,
	"HTTP_WRITE_TIMEOUT_SECONDS":    60,
	"HTTP_IDLE_TIMEOUT_SECONDS":     60,
	"HTTP_RATE_LIMIT_PER_MINUTE":    60,
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
// Requirements that only apply to one binary are checked by that binary.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	adminIDs, err := parseIDList(v.GetString("ADMIN_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS: %w", err)
	}

	apiKey := strings.TrimSpace(v.GetString("COMPLETION_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(v.GetString("GROQ_API_KEY"))
	}

	cfg := &Config{
		AppEnv:              v.GetString("APP_ENV"),
		Port:                v.GetString("PORT"),
		DefaultLocale:       strings.ToLower(v.GetString("DEFAULT_LOCALE")),
		StoreDriver:         strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
		DBPath:              v.GetString("DB_PATH"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		AdminIDs:            adminIDs,
		CompletionAPIKey:    apiKey,
		CompletionBaseURL:   v.GetString("COMPLETION_BASE_URL"),
		CompletionModel:     v.GetString("COMPLETION_MODEL"),
		MaxTokens:           v.GetInt("MAX_TOKENS"),
		Temperature:         v.GetFloat64("TEMPERATURE"),
		CompletionTimeout:   seconds(v, "COMPLETION_TIMEOUT_SECONDS"),
		MaxMessageLength:    v.GetInt("MAX_MESSAGE_LENGTH"),
		RateLimitPerMin:     v.GetInt("RATE_LIMIT_PER_MINUTE"),
		CacheSize:           v.GetInt("CACHE_SIZE"),
		MinInputLength:      v.GetInt("MIN_INPUT_LENGTH"),
		MaxInputLength:      v.GetInt("MAX_INPUT_LENGTH"),
		HistorySize:         v.GetInt("HISTORY_SIZE"),
		TelegramToken:       v.GetString("TELEGRAM_TOKEN"),
		TelegramBaseURL:     v.GetString("TELEGRAM_BASE_URL"),
		TelegramPollTimeout: seconds(v, "TELEGRAM_POLL_TIMEOUT_SECONDS"),
		TelegramConcurrency: v.GetInt("TELEGRAM_MAX_CONCURRENCY"),
		MemoryDir:           v.GetString("MEMORY_DIR"),
		ImageBaseURL:        v.GetString("IMAGE_BASE_URL"),
		ImageCreditCost:     v.GetInt("IMAGE_CREDIT_COST"),
		ImageTimeout:        seconds(v, "IMAGE_TIMEOUT_SECONDS"),
		TiersFile:           v.GetString("TIERS_FILE"),
		LexiconFile:         strings.TrimSpace(v.GetString("LEXICON_FILE")),
		GeoIPDBPath:         v.GetString("GEOIP_DB_PATH"),
		HTTPReadTimeout:     seconds(v, "HTTP_READ_TIMEOUT_SECONDS"),
		HTTPWriteTimeout:    seconds(v, "HTTP_WRITE_TIMEOUT_SECONDS"),
		HTTPIdleTimeout:     seconds(v, "HTTP_IDLE_TIMEOUT_SECONDS"),
		HTTPRateLimit:       v.GetInt("HTTP_RATE_LIMIT_PER_MINUTE"),
		CORSOrigins:         splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}

	switch cfg.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return nil, fmt.Errorf("DB_PATH is required")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// IsAdmin reports whether the platform user id is listed in ADMIN_IDS.
func (c *Config) IsAdmin(id int64) bool {
	for _, admin := range c.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Second * time.Duration(v.GetInt(key))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
