package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config captures every tunable of the tracking binaries. Values come from
// environment variables, optionally layered over a config file named by
// CONFIG_FILE (any format viper reads; keys are the lowercased env names).
// Environment always wins over the file.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	BackendURL     string `validate:"required,url"`
	BackendWSURL   string `validate:"required,url"`
	BackendToken   string
	BackendTimeout time.Duration `validate:"gt=0"`
	BackendRetries int           `validate:"gte=0"`

	FeedInterval     time.Duration `validate:"gt=0"`
	ChannelBaseDelay time.Duration `validate:"gt=0"`
	MaxReconnects    int           `validate:"gte=0"`
	PollInterval     time.Duration `validate:"gt=0"`
	OfferTTL         time.Duration `validate:"gt=0"`
	EarningsSplit    float64       `validate:"gt=0,lte=1"`

	RedisAddr           string
	RedisPassword       string
	RedisPositionPrefix string
	PositionTTL         time.Duration
	CacheTTL            time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	OSRMURL          string
	GoogleMapsAPIKey string
	DefaultSpeedMps  float64 `validate:"gt=0"`

	FirebaseCredentials string
	FirebaseProjectID   string
	OfferTopic          string

	LogLevel  string
	LogFormat string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		BackendURL:          "http://localhost:8000/api",
		BackendWSURL:        "ws://localhost:8000",
		BackendTimeout:      5 * time.Second,
		BackendRetries:      2,
		FeedInterval:        10 * time.Second,
		ChannelBaseDelay:    2 * time.Second,
		MaxReconnects:       5,
		PollInterval:        5 * time.Second,
		OfferTTL:            60 * time.Second,
		EarningsSplit:       0.8,
		RedisPositionPrefix: "courier:pos:",
		PositionTTL:         10 * time.Minute,
		CacheTTL:            5 * time.Second,
		KafkaTopic:          "courier-locations",
		KafkaGroup:          "parcel-tracking-consumer",
		DefaultSpeedMps:     8,
		OfferTopic:          "couriers",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

var validate = validator.New()

// Load reads the configuration and reports every invalid value at once.
func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	src := source{}
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			errs = append(errs, fmt.Errorf("read config file %s: %w", path, err))
		} else {
			src.file = v
		}
	}

	src.setString(&cfg.HTTPAddr, "HTTP_ADDR")
	src.setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	src.setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	src.setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	src.setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	src.setString(&cfg.BackendURL, "BACKEND_URL")
	src.setString(&cfg.BackendWSURL, "BACKEND_WS_URL")
	src.setString(&cfg.BackendToken, "BACKEND_TOKEN")
	src.setDuration(&cfg.BackendTimeout, "BACKEND_TIMEOUT", &errs)
	src.setInt(&cfg.BackendRetries, "BACKEND_RETRIES", &errs)

	src.setDuration(&cfg.FeedInterval, "TRACK_FEED_INTERVAL", &errs)
	src.setDuration(&cfg.ChannelBaseDelay, "CHANNEL_BASE_DELAY", &errs)
	src.setInt(&cfg.MaxReconnects, "CHANNEL_MAX_RECONNECTS", &errs)
	src.setDuration(&cfg.PollInterval, "CHANNEL_POLL_INTERVAL", &errs)
	src.setDuration(&cfg.OfferTTL, "OFFER_TTL", &errs)
	src.setFloat(&cfg.EarningsSplit, "COURIER_EARNINGS_SPLIT", &errs)

	src.setString(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = src.get("REDIS_PASSWORD")
	src.setString(&cfg.RedisPositionPrefix, "REDIS_POSITION_PREFIX")
	src.setDuration(&cfg.PositionTTL, "REDIS_POSITION_TTL", &errs)
	src.setDuration(&cfg.CacheTTL, "SNAPSHOT_CACHE_TTL", &errs)

	brokers := src.get("KAFKA_BROKERS")
	if brokers == "" {
		brokers = src.get("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaTopic, "KAFKA_TOPIC")
	src.setString(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = src.get("PG_DSN")

	src.setString(&cfg.OSRMURL, "OSRM_URL")
	src.setString(&cfg.GoogleMapsAPIKey, "GOOGLE_MAPS_API_KEY")
	src.setFloat(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	src.setString(&cfg.FirebaseCredentials, "FIREBASE_CREDENTIALS")
	src.setString(&cfg.FirebaseProjectID, "FIREBASE_PROJECT_ID")
	src.setString(&cfg.OfferTopic, "OFFER_TOPIC")

	if v := src.get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	src.setString(&cfg.LogFormat, "LOG_FORMAT")

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("invalid %s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	return cfg, errors.Join(errs...)
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file *viper.Viper
}

func (s source) get(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if s.file != nil {
		if k := strings.ToLower(key); s.file.IsSet(k) {
			return strings.TrimSpace(s.file.GetString(k))
		}
	}
	return ""
}

func (s source) setDuration(target *time.Duration, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func (s source) setFloat(target *float64, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func (s source) setInt(target *int, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func (s source) setString(target *string, key string) {
	if v := s.get(key); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
