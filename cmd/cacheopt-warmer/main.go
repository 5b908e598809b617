// Command cacheopt-warmer runs the cache warming scheduler as a
// standalone daemon against a Redis instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"

	"github.com/searchmesh/cacheopt/pkg/cacheopt"
	"github.com/searchmesh/cacheopt/pkg/cacheopt/warming"
	"github.com/searchmesh/cacheopt/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cacheopt-warmer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := observability.NewLogger("cacheopt-warmer")

	viper.SetConfigName("cacheopt")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/cacheopt")
	viper.SetEnvPrefix("CACHEOPT")
	viper.AutomaticEnv()
	viper.SetDefault("cache.optimization.enabled", true)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("warming.interval", "15m")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Info("No config file found, using defaults", nil)
	}

	config, err := cacheopt.LoadConfigFromViper()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})

	cache, err := cacheopt.NewOptimizedCache(client, config, logger)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	interval := viper.GetDuration("warming.interval")
	manager, err := warming.NewManager(interval, logger.WithPrefix("warming"), nil)
	if err != nil {
		return fmt.Errorf("create warming manager: %w", err)
	}

	generator := warming.NewGenerator(cache.TTLManager(), logger.WithPrefix("warming.generator"), nil)
	executor := warming.NewExecutor(cache, nil, logger.WithPrefix("warming.executor"), nil)
	scheduler := warming.NewScheduler(manager, generator, executor, cache.PerformanceSnapshot, interval, logger.WithPrefix("warming.scheduler"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	logger.Info("Cache warming scheduler started", map[string]interface{}{
		"redis_addr": viper.GetString("redis.addr"),
		"interval":   interval.String(),
	})

	<-ctx.Done()
	logger.Info("Shutting down", nil)

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cache.Close(shutdownCtx); err != nil {
		logger.Warn("Cache close failed", map[string]interface{}{"error": err.Error()})
	}

	return nil
}
