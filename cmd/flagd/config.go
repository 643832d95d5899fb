package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-flagcheck/pkg/microservice"
	"github.com/illmade-knight/go-flagcheck/pkg/registry"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	backendMemory    = "memory"
	backendRedis     = "redis"
	backendFirestore = "firestore"
)

// Config is the complete flagd configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	APIKey          string                   `yaml:"api_key"`
	Backend         string                   `yaml:"backend"`
	Redis           registry.RedisConfig     `yaml:"redis"`
	Firestore       registry.FirestoreConfig `yaml:"firestore"`
	FlaggedNames    []string                 `yaml:"flagged_names"`
	FlaggedIDs      []string                 `yaml:"flagged_ids"`
	ShutdownTimeout time.Duration            `yaml:"shutdown_timeout"`
}

func (c Config) validate() error {
	switch c.Backend {
	case backendMemory:
	case backendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires --redis-addr")
		}
	case backendFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("firestore backend requires --project-id")
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s, %s or %s)", c.Backend, backendMemory, backendRedis, backendFirestore)
	}
	if c.HTTPPort == "" {
		return fmt.Errorf("http port cannot be empty")
	}
	return nil
}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file")
	flags.String("http-port", ":6970", "listen address of the lookup API")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("service-name", "flagd", "service name reported in logs")
	flags.String("api-key", "", "credential clients must present; empty accepts all")
	flags.String("backend", backendMemory, "registry backend: memory, redis or firestore")
	flags.String("redis-addr", "", "redis address (host:port)")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")
	flags.Duration("flag-ttl", 0, "expiry of flags stored in redis; 0 never expires")
	flags.String("project-id", "", "google cloud project for firestore")
	flags.String("collection", "flags", "firestore collection holding flags")
	flags.String("credentials-file", "", "service account credentials for firestore")
	flags.StringSlice("flag-name", nil, "name to flag at startup (repeatable)")
	flags.StringSlice("flag-uuid", nil, "uuid to flag at startup (repeatable)")
	flags.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown")
}

// newViper binds flags, FLAGD_* environment variables and an optional config
// file, in increasing order of precedence: file, env, flags.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	v.SetEnvPrefix("FLAGD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:        v.GetString("log-level"),
			HTTPPort:        v.GetString("http-port"),
			ProjectID:       v.GetString("project-id"),
			CredentialsFile: v.GetString("credentials-file"),
			ServiceName:     v.GetString("service-name"),
		},
		APIKey:  v.GetString("api-key"),
		Backend: strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		Redis: registry.RedisConfig{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
			FlagTTL:  v.GetDuration("flag-ttl"),
		},
		Firestore: registry.FirestoreConfig{
			ProjectID:      v.GetString("project-id"),
			CollectionName: v.GetString("collection"),
		},
		FlaggedNames:    v.GetStringSlice("flag-name"),
		FlaggedIDs:      v.GetStringSlice("flag-uuid"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
