package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"personal/gatewayshard/src/cache"
	"personal/gatewayshard/src/cluster"
	"personal/gatewayshard/src/shard"
)

const gatewayURL = "wss://gateway.discord.gg:443"

var errMissingToken = errors.New("main: DISCORD_TOKEN is not set")

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("main: no .env file found, reading environment directly")
	}

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("main: invalid configuration", "error", err)
		os.Exit(1)
	}

	guildCache := cache.New()
	registry := prometheus.NewRegistry()

	clu := cluster.New(cluster.WithLogger(logger))

	for id := 0; id < cfg.ShardCount; id++ {
		s := shard.New(shard.Config{
			ID:         id,
			MaxShards:  cfg.ShardCount,
			Token:      cfg.Token,
			Intents:    cfg.Intents,
			Compressed: cfg.Compressed,
			GatewayURL: gatewayURL,
			Browser:    "gatewayshard",
		}, clu.IdentifyGate(),
			shard.WithCache(guildCache),
			shard.WithLogger(logger.With("shard", id)),
			shard.WithMetrics(shard.NewMetrics(registry, id)),
		)

		clu.AddShard(s, id)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := clu.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("main: cluster exited with error", "error", err)
		os.Exit(1)
	}
}

type config struct {
	Token      string
	Intents    int
	ShardCount int
	Compressed bool
}

func loadConfig() (config, error) {
	cfg := config{
		ShardCount: 1,
		Compressed: true,
	}

	cfg.Token = os.Getenv("DISCORD_TOKEN")
	if strings.TrimSpace(cfg.Token) == "" {
		return cfg, errMissingToken
	}

	if v := os.Getenv("DISCORD_INTENTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, err
		}
		cfg.Intents = n
	}

	if v := os.Getenv("DISCORD_SHARD_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, err
		}
		cfg.ShardCount = n
	}

	if v := os.Getenv("DISCORD_COMPRESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, err
		}
		cfg.Compressed = b
	}

	return cfg, nil
}
