package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cplus-sensores/colector/internal/models"
)

const (
	defaultSettingsFile        = "colector.yaml"
	defaultDataDir             = "datos"
	defaultRegistryPath        = "config.json"
	defaultWorkers             = 1
	defaultHistoryStart        = "2020-01-01"
	defaultRequestTimeout      = 30 * time.Second
	defaultFetchMaxAttempts    = 5
	defaultFetchInitialBackoff = time.Second
	defaultFetchMaxBackoff     = 30 * time.Second
	defaultFetchMaxPages       = 1000
	defaultStartParam          = "fecha_inicio"
	defaultEndParam            = "fecha_fin"
	defaultDateField           = "fecha"
	defaultJournalPath         = "data/colector.db"
	defaultMQTTTopic           = "colector/sync"
	defaultPort                = 8080
	defaultLogLevel            = "info"
)

// Config holds runtime configuration shared by the collector and the API.
type Config struct {
	DataDir      string
	RegistryPath string
	Workers      int
	HistoryStart models.Date
	DryRun       bool

	RequestTimeout      time.Duration
	FetchMaxAttempts    int
	FetchInitialBackoff time.Duration
	FetchMaxBackoff     time.Duration
	FetchMaxPages       int
	StartParam          string
	EndParam            string
	DateField           string
	StopOnOlder         bool

	JournalPath string
	DatabaseURL string

	MQTTBrokerURL string
	MQTTTopic     string

	Port        int
	BearerToken string
	LogLevel    string
}

// settingsFile mirrors the optional YAML settings file. Zero values keep the
// defaults.
type settingsFile struct {
	Data struct {
		Folder   string `yaml:"folder"`
		Registry string `yaml:"registry"`
	} `yaml:"data"`
	Sync struct {
		Workers      int    `yaml:"workers"`
		HistoryStart string `yaml:"history_start"`
	} `yaml:"sync"`
	Fetch struct {
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxAttempts    int    `yaml:"max_attempts"`
		MaxPages       int    `yaml:"max_pages"`
		StartParam     string `yaml:"start_param"`
		EndParam       string `yaml:"end_param"`
		DateField      string `yaml:"date_field"`
		StopOnOlder    *bool  `yaml:"stop_on_older"`
	} `yaml:"fetch"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	MQTT struct {
		Broker string `yaml:"broker"`
		Topic  string `yaml:"topic"`
	} `yaml:"mqtt"`
	API struct {
		Port int `yaml:"port"`
	} `yaml:"api"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DataDir:             defaultDataDir,
		RegistryPath:        defaultRegistryPath,
		Workers:             defaultWorkers,
		HistoryStart:        models.MustParseDate(defaultHistoryStart),
		RequestTimeout:      defaultRequestTimeout,
		FetchMaxAttempts:    defaultFetchMaxAttempts,
		FetchInitialBackoff: defaultFetchInitialBackoff,
		FetchMaxBackoff:     defaultFetchMaxBackoff,
		FetchMaxPages:       defaultFetchMaxPages,
		StartParam:          defaultStartParam,
		EndParam:            defaultEndParam,
		DateField:           defaultDateField,
		StopOnOlder:         true,
		JournalPath:         defaultJournalPath,
		MQTTTopic:           defaultMQTTTopic,
		Port:                defaultPort,
		LogLevel:            defaultLogLevel,
	}
}

// Load reads configuration from the settings file and environment variables
// (optionally .env). Environment variables win over the settings file.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	path := strings.TrimSpace(os.Getenv("COLECTOR_CONFIG_FILE"))
	explicit := path != ""
	if !explicit {
		path = defaultSettingsFile
	}
	if err := cfg.applySettingsFile(path, explicit); err != nil {
		return cfg, err
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	if cfg.Workers < 1 {
		return cfg, errors.New("SYNC_WORKERS must be at least 1")
	}
	if cfg.FetchMaxAttempts < 1 {
		return cfg, errors.New("FETCH_MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func (c *Config) applySettingsFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read settings file %s: %w", path, err)
	}

	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse settings file %s: %w", path, err)
	}

	if s.Data.Folder != "" {
		c.DataDir = s.Data.Folder
	}
	if s.Data.Registry != "" {
		c.RegistryPath = s.Data.Registry
	}
	if s.Sync.Workers > 0 {
		c.Workers = s.Sync.Workers
	}
	if s.Sync.HistoryStart != "" {
		d, err := models.ParseDate(s.Sync.HistoryStart)
		if err != nil {
			return fmt.Errorf("invalid sync.history_start: %w", err)
		}
		c.HistoryStart = d
	}
	if s.Fetch.TimeoutSeconds > 0 {
		c.RequestTimeout = time.Duration(s.Fetch.TimeoutSeconds) * time.Second
	}
	if s.Fetch.MaxAttempts > 0 {
		c.FetchMaxAttempts = s.Fetch.MaxAttempts
	}
	if s.Fetch.MaxPages > 0 {
		c.FetchMaxPages = s.Fetch.MaxPages
	}
	if s.Fetch.StartParam != "" {
		c.StartParam = s.Fetch.StartParam
	}
	if s.Fetch.EndParam != "" {
		c.EndParam = s.Fetch.EndParam
	}
	if s.Fetch.DateField != "" {
		c.DateField = s.Fetch.DateField
	}
	if s.Fetch.StopOnOlder != nil {
		c.StopOnOlder = *s.Fetch.StopOnOlder
	}
	if s.Journal.Path != "" {
		c.JournalPath = s.Journal.Path
	}
	if s.MQTT.Broker != "" {
		c.MQTTBrokerURL = s.MQTT.Broker
	}
	if s.MQTT.Topic != "" {
		c.MQTTTopic = s.MQTT.Topic
	}
	if s.API.Port > 0 {
		c.Port = s.API.Port
	}
	if s.LogLevel != "" {
		c.LogLevel = s.LogLevel
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := env("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := env("REGISTRY_PATH"); v != "" {
		c.RegistryPath = v
	}

	if v := env("SYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_WORKERS: %w", err)
		}
		c.Workers = n
	}

	if v := env("HISTORY_START"); v != "" {
		d, err := models.ParseDate(v)
		if err != nil {
			return fmt.Errorf("invalid HISTORY_START: %w", err)
		}
		c.HistoryStart = d
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"REQUEST_TIMEOUT", &c.RequestTimeout},
		{"FETCH_INITIAL_BACKOFF", &c.FetchInitialBackoff},
		{"FETCH_MAX_BACKOFF", &c.FetchMaxBackoff},
	}
	for _, d := range durations {
		if v := env(d.name); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.name, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"FETCH_MAX_ATTEMPTS", &c.FetchMaxAttempts},
		{"FETCH_MAX_PAGES", &c.FetchMaxPages},
	}
	for _, i := range ints {
		if v := env(i.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.name, err)
			}
			*i.dst = n
		}
	}

	if v := env("FETCH_START_PARAM"); v != "" {
		c.StartParam = v
	}
	if v := env("FETCH_END_PARAM"); v != "" {
		c.EndParam = v
	}
	if v := env("RECORD_DATE_FIELD"); v != "" {
		c.DateField = v
	}
	if v := env("FETCH_STOP_ON_OLDER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FETCH_STOP_ON_OLDER: %w", err)
		}
		c.StopOnOlder = b
	}

	if v := env("JOURNAL_PATH"); v != "" {
		c.JournalPath = v
	}
	c.DatabaseURL = env("DATABASE_URL")

	if v := env("MQTT_BROKER_URL"); v != "" {
		c.MQTTBrokerURL = v
	}
	if v := env("MQTT_TOPIC"); v != "" {
		c.MQTTTopic = v
	}

	if portStr := env("PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			c.Port = port
		} else {
			return fmt.Errorf("invalid PORT: %s", portStr)
		}
	} else if portStr := env("API_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
			c.Port = port
		} else {
			return fmt.Errorf("invalid API_PORT: %s", portStr)
		}
	}

	c.BearerToken = env("API_BEARER_TOKEN")

	if v := env("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	dryRun := env("DRY_RUN")
	c.DryRun = dryRun == "1" || strings.EqualFold(dryRun, "true")

	return nil
}

// ListenAddr returns the host:port string for the HTTP server.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
