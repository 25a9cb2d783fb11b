package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"openbingo/services"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port        string
	BindAddress string
	StoreDriver string
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	RedisHost   string
	RedisPort   string
	RedisPass   string
	JWTSecret   string
	JWTTTL      time.Duration
	CORSOrigins []string
	LogLevel    string
	Game        services.GameConfig
}

// LoadDotEnv reads key=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		BindAddress: getEnv("BIND_ADDRESS", "localhost"),
		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      getEnv("DB_USER", "openbingo"),
		DBPassword:  getEnv("DB_PASSWORD", "openbingo123"),
		DBName:      getEnv("DB_NAME", "openbingo"),
		RedisHost:   getEnv("REDIS_HOST", "localhost"),
		RedisPort:   getEnv("REDIS_PORT", "6379"),
		RedisPass:   getEnv("REDIS_PASSWORD", ""),
		JWTSecret:   getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTTTL:      time.Duration(getEnvInt("JWT_TTL_HOURS", 24)) * time.Hour,
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Game: services.GameConfig{
			StartThreshold:    getEnvInt("START_THRESHOLD", 3),
			MaxPlayers:        getEnvInt("MAX_PLAYERS", 10),
			CountdownDuration: time.Duration(getEnvInt("COUNTDOWN_SECONDS", 30)) * time.Second,
			JoinTimeout:       time.Duration(getEnvInt("JOIN_TIMEOUT_SECONDS", 60)) * time.Second,
			DrawInterval:      time.Duration(getEnvInt("DRAW_INTERVAL_SECONDS", 5)) * time.Second,
			CardAttempts:      getEnvInt("CARD_ATTEMPTS", 1000),
		},
	}
}

// DSN prefers DATABASE_URL over the individual DB_* settings.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// RedisEnabled is false when REDIS_HOST is set to an empty value.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

func InitRedis(cfg *Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPass,
		DB:       0,
	})
}
