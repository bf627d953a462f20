package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/apqp-suite/changecore/internal/db"
)

// Config aggregates all runtime settings for the change-management core.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Redis    RedisConfig
	Workflow WorkflowConfig
	Log      LogConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// RedisConfig holds the optional risk-summary cache settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// WorkflowConfig holds approval workflow defaults.
type WorkflowConfig struct {
	// FallbackRole receives escalated steps when no eligible approver exists.
	FallbackRole string
	// DefaultStepTimeoutHours applies when a step template has no timeout.
	DefaultStepTimeoutHours int
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads config.yaml from configPath and applies environment overrides.
func Load(configPath string) (Config, error) {
	cfg := Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Workflow: WorkflowConfig{
			FallbackRole:            "quality_manager",
			DefaultStepTimeoutHours: 48,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix("CHANGECORE") // env vars like CHANGECORE_DATABASE.HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("redis.enabled")
	v.BindEnv("redis.addr")
	v.BindEnv("redis.password")
	v.BindEnv("workflow.fallback_role")
	v.BindEnv("log.level")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; defaults plus env overrides apply.
		fmt.Println("No config.yaml found, using defaults and env vars")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("redis.enabled") {
		cfg.Redis.Enabled = v.GetBool("redis.enabled")
	}
	if v.IsSet("redis.addr") {
		cfg.Redis.Addr = v.GetString("redis.addr")
	}
	if v.IsSet("redis.password") {
		cfg.Redis.Password = v.GetString("redis.password")
	}
	if v.IsSet("redis.db") {
		cfg.Redis.DB = v.GetInt("redis.db")
	}
	if v.IsSet("workflow.fallback_role") {
		cfg.Workflow.FallbackRole = v.GetString("workflow.fallback_role")
	}
	if v.IsSet("workflow.default_step_timeout_hours") {
		cfg.Workflow.DefaultStepTimeoutHours = v.GetInt("workflow.default_step_timeout_hours")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.format") {
		cfg.Log.Format = v.GetString("log.format")
	}

	return cfg, nil
}
