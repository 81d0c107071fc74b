package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Detection DetectionConfig `yaml:"detection"`
	Geo       GeoConfig       `yaml:"geo"`
	Models    ModelsConfig    `yaml:"models"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

// DetectionConfig carries every tunable the rule evaluators read. Defaults
// match the thresholds the rules were calibrated against.
type DetectionConfig struct {
	// Business-hours band, inclusive on both ends. Events with
	// hour < OpenHour or hour > CloseHour count as after-hours.
	OpenHour  int `yaml:"open_hour"`
	CloseHour int `yaml:"close_hour"`

	FailedLoginThreshold int           `yaml:"failed_login_threshold"`
	FailedLoginWindow    time.Duration `yaml:"failed_login_window"`

	TravelWindow       time.Duration `yaml:"travel_window"`
	MaxLoginsPerUser   int           `yaml:"max_logins_per_user"`
	SpeedThresholdKmph float64       `yaml:"speed_threshold_kmph"`
	SubnetFallback     time.Duration `yaml:"subnet_fallback_window"`

	FeatureWindow time.Duration `yaml:"feature_window"`
	RunTimeout    time.Duration `yaml:"run_timeout"`

	// Cron expression for scheduled runs; empty disables the scheduler.
	Schedule string `yaml:"schedule"`
}

type GeoConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ModelsConfig locates pre-trained classifier artifacts. A missing file is
// not an error: the detector is skipped at run time.
type ModelsConfig struct {
	InsiderPath string `yaml:"insider_path"`
	UEBAPath    string `yaml:"ueba_path"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	// Hour 0 is a valid open hour (a midnight-opening band), so the hours
	// default as a pair: only a fully unset band gets 8-18.
	if c.Detection.OpenHour == 0 && c.Detection.CloseHour == 0 {
		c.Detection.OpenHour = 8
		c.Detection.CloseHour = 18
	}
	if c.Detection.FailedLoginThreshold == 0 {
		c.Detection.FailedLoginThreshold = 3
	}
	if c.Detection.FailedLoginWindow == 0 {
		c.Detection.FailedLoginWindow = 24 * time.Hour
	}
	if c.Detection.TravelWindow == 0 {
		c.Detection.TravelWindow = 48 * time.Hour
	}
	if c.Detection.MaxLoginsPerUser == 0 {
		c.Detection.MaxLoginsPerUser = 500
	}
	if c.Detection.SpeedThresholdKmph == 0 {
		c.Detection.SpeedThresholdKmph = 900
	}
	if c.Detection.SubnetFallback == 0 {
		c.Detection.SubnetFallback = 30 * time.Minute
	}
	if c.Detection.FeatureWindow == 0 {
		c.Detection.FeatureWindow = 24 * time.Hour
	}
	if c.Detection.RunTimeout == 0 {
		c.Detection.RunTimeout = 5 * time.Minute
	}

	if c.Geo.DatabasePath == "" {
		c.Geo.DatabasePath = os.Getenv("GEOIP_DB_PATH")
	}
	if c.Models.InsiderPath == "" {
		c.Models.InsiderPath = envOr("MODEL_INSIDER_PATH", "models/insider_lgbm.txt")
	}
	if c.Models.UEBAPath == "" {
		c.Models.UEBAPath = envOr("MODEL_UEBA_PATH", "models/ueba_lgbm.txt")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
