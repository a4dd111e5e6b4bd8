package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-latch/v1/backoff"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

// config holds everything a command needs to build a lock.
type config struct {
	Redis    presets.RedisOptions
	MaxWait  time.Duration
	TTL      time.Duration
	Backoff  time.Duration
	Jitter   float64
	LogLevel slog.Level
}

func addFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Duration("max-wait", 3*time.Second, "how long to keep retrying before giving up (0 tries once)")
	f.Duration("ttl", 30*time.Second, "lock lifetime if never released")
	f.Duration("backoff", 100*time.Millisecond, "delay between acquisition attempts")
	f.Float64("jitter", 0.2, "random spread applied to the backoff delay, between 0 and 1")
	f.String("log-level", "warn", "log level (debug, info, warn, error)")
}

// loadConfig reads .env files, LATCH_* environment variables and the
// command's flags into v. Flags set on the command line win.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (*config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("latch")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	cfg := &config{
		Redis: presets.RedisOptions{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
		},
		MaxWait: v.GetDuration("max-wait"),
		TTL:     v.GetDuration("ttl"),
		Backoff: v.GetDuration("backoff"),
		Jitter:  v.GetFloat64("jitter"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", v.GetString("log-level"))
	}
	if cfg.MaxWait < 0 {
		return nil, fmt.Errorf("max-wait must not be negative, got %s", cfg.MaxWait)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %s", cfg.TTL)
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		return nil, fmt.Errorf("jitter must be between 0 and 1, got %v", cfg.Jitter)
	}
	return cfg, nil
}

func (c *config) lockOptions() []lock.Option {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
	return []lock.Option{
		lock.WithLogger(logger),
		lock.WithBackoff(backoff.WithJitter(backoff.Fixed(c.Backoff), c.Jitter)),
	}
}
