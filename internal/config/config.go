// Package config loads the settings shared by the worker and sadctl from the
// environment, an optional .env file, and an optional config file named by
// SAD_CONFIG. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/tendant/sad-worker/internal/jobs"
	"github.com/tendant/sad-worker/internal/kv"
)

// FileEnv names the optional config file.
const FileEnv = "SAD_CONFIG"

type Config struct {
	NATS   NATSConfig   `yaml:"nats"`
	Cache  CacheConfig  `yaml:"cache"`
	Plex   PlexConfig   `yaml:"plex"`
	TMDB   TMDBConfig   `yaml:"tmdb"`
	Jobs   JobsConfig   `yaml:"jobs"`
	Log    LogConfig    `yaml:"log"`
	Worker WorkerConfig `yaml:"worker"`
}

type NATSConfig struct {
	URL          string        `yaml:"url" env:"NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Stream       string        `yaml:"stream" env:"SAD_STREAM" env-default:"SAD"`
	Topic        string        `yaml:"topic" env:"SAD_TOPIC" env-default:"sad.jobs"`
	Subscription string        `yaml:"subscription" env:"SAD_SUBSCRIPTION" env-default:"sad-worker"`
	ResultTopic  string        `yaml:"result_topic" env:"SAD_RESULT_TOPIC"`
	FetchWait    time.Duration `yaml:"fetch_wait" env:"SAD_FETCH_WAIT" env-default:"5s"`
}

type CacheConfig struct {
	Backend       string `yaml:"backend" env:"CACHE_BACKEND" env-default:"redis"`
	RedisURL      string `yaml:"redis_url" env:"REDIS_URL"`
	RedisHost     string `yaml:"redis_host" env:"REDIS_HOST" env-default:"127.0.0.1"`
	RedisPort     int    `yaml:"redis_port" env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB" env-default:"0"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"./data/sad.db"`
}

type PlexConfig struct {
	URL          string `yaml:"url" env:"PLEX_URL"`
	Token        string `yaml:"token" env:"PLEX_TOKEN"`
	MovieSection string `yaml:"movie_section" env:"PLEX_MOVIE_SECTION" env-default:"Movies"`
	ShowSection  string `yaml:"show_section" env:"PLEX_SHOW_SECTION" env-default:"TV Shows"`
	MediaRoot    string `yaml:"media_root" env:"MEDIA_ROOT" env-default:"/mnt/movies"`
	PageSize     int    `yaml:"page_size" env:"PLEX_PAGE_SIZE" env-default:"100"`
}

type TMDBConfig struct {
	Token             string        `yaml:"token" env:"TMDB_API_ACCESS_TOKEN"`
	BaseURL           string        `yaml:"base_url" env:"TMDB_BASE_URL" env-default:"https://api.themoviedb.org/3"`
	Language          string        `yaml:"language" env:"TMDB_LANGUAGE" env-default:"en-US"`
	CacheTTL          time.Duration `yaml:"cache_ttl" env:"TMDB_CACHE_TTL" env-default:"8h"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"TMDB_RPS" env-default:"4"`
}

type JobsConfig struct {
	HorrorMaxRating    float64       `yaml:"horror_max_rating" env:"HORROR_MAX_RATING" env-default:"7.5"`
	HorrorMinAge       time.Duration `yaml:"horror_min_age" env:"HORROR_MIN_AGE" env-default:"2160h"`
	LowestRatedLimit   int           `yaml:"lowest_rated_limit" env:"LOWEST_RATED_LIMIT" env-default:"100"`
	LowestRatedCeiling float64       `yaml:"lowest_rated_ceiling" env:"LOWEST_RATED_CEILING" env-default:"3.5"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SAD_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"SAD_LOG_FORMAT" env-default:"text"`
}

type WorkerConfig struct {
	LockFile string `yaml:"lock_file" env:"SAD_LOCK_FILE" env-default:"./data/sad-worker.lock"`
}

// Load reads .env (when present), the SAD_CONFIG file (when set) and the
// environment, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	var err error
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case kv.BackendRedis, kv.BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND: unsupported value %q", c.Cache.Backend))
	}
	if c.Cache.Backend == kv.BackendSQLite && strings.TrimSpace(c.Cache.SQLitePath) == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
	}
	if strings.TrimSpace(c.NATS.URL) == "" {
		errs = append(errs, errors.New("NATS_URL is required"))
	}
	if strings.TrimSpace(c.NATS.Topic) == "" {
		errs = append(errs, errors.New("SAD_TOPIC is required"))
	}
	if c.Jobs.LowestRatedLimit <= 0 {
		errs = append(errs, fmt.Errorf("LOWEST_RATED_LIMIT must be positive, got %d", c.Jobs.LowestRatedLimit))
	}
	if c.Jobs.HorrorMinAge < 0 {
		errs = append(errs, fmt.Errorf("HORROR_MIN_AGE must not be negative, got %s", c.Jobs.HorrorMinAge))
	}
	if c.Plex.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("PLEX_PAGE_SIZE must be positive, got %d", c.Plex.PageSize))
	}
	return errors.Join(errs...)
}

// ValidateWorker adds the collaborator settings only the worker needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Plex.URL) == "" || strings.TrimSpace(c.Plex.Token) == "" {
		errs = append(errs, errors.New("PLEX_URL and PLEX_TOKEN are required"))
	}
	if strings.TrimSpace(c.TMDB.Token) == "" {
		errs = append(errs, errors.New("TMDB_API_ACCESS_TOKEN is required"))
	}
	if strings.TrimSpace(c.NATS.Stream) == "" || strings.TrimSpace(c.NATS.Subscription) == "" {
		errs = append(errs, errors.New("SAD_STREAM and SAD_SUBSCRIPTION are required"))
	}
	return errors.Join(errs...)
}

// KV returns the cache backend options.
func (c Config) KV() kv.Options {
	return kv.Options{
		Backend: c.Cache.Backend,
		Redis: kv.RedisOptions{
			URL:      c.Cache.RedisURL,
			Host:     c.Cache.RedisHost,
			Port:     c.Cache.RedisPort,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
		},
		SQLitePath: c.Cache.SQLitePath,
	}
}

// JobOptions returns the parameters of the built-in scans.
func (c Config) JobOptions() jobs.Options {
	return jobs.Options{
		MovieSection:       c.Plex.MovieSection,
		ShowSection:        c.Plex.ShowSection,
		HorrorMaxRating:    c.Jobs.HorrorMaxRating,
		HorrorMinAge:       c.Jobs.HorrorMinAge,
		LowestRatedLimit:   c.Jobs.LowestRatedLimit,
		LowestRatedCeiling: c.Jobs.LowestRatedCeiling,
	}
}
