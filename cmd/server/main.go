package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/npezzotti/go-groupchat/internal/api"
	"github.com/npezzotti/go-groupchat/internal/config"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/encryption"
	"github.com/npezzotti/go-groupchat/internal/events"
	"github.com/npezzotti/go-groupchat/internal/groups"
	"github.com/npezzotti/go-groupchat/internal/server"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envList(key string) stringSliceFlag {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

func main() {
	// a missing .env file is fine; the process environment still applies
	_ = godotenv.Load()

	lockoutHours, _ := strconv.Atoi(envOr("LOCKOUT_HOURS", "0"))
	debug, _ := strconv.ParseBool(envOr("DEBUG", "false"))

	opts := config.Options{
		AllowedOrigins: envList("ALLOWED_ORIGINS"),
		KafkaBrokers:   envList("KAFKA_BROKERS"),
	}
	allowedOrigins := stringSliceFlag(opts.AllowedOrigins)
	kafkaBrokers := stringSliceFlag(opts.KafkaBrokers)

	flag.StringVar(&opts.ServerAddr, "addr", envOr("ADDR", "localhost:8000"), "server address")
	flag.StringVar(&opts.Store, "store", envOr("STORE", config.StorePostgres), "storage backend: postgres or memory")
	flag.StringVar(&opts.DatabaseDSN, "dsn", envOr("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&opts.SigningSecret, "signing-key", os.Getenv("SIGNING_KEY"), "base64 encoded token signing key")
	flag.StringVar(&opts.EncryptionSecret, "encryption-key", os.Getenv("ENCRYPTION_KEY"), "base64 encoded 32 byte message encryption key")
	flag.IntVar(&opts.LockoutHours, "lockout-hours", lockoutHours, "rejoin cooldown after leaving or being kicked")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&opts.RedisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for cross-instance fan-out; empty disables it")
	flag.Var(&kafkaBrokers, "kafka-brokers", "comma-separated kafka brokers for activity events; empty disables them")
	flag.StringVar(&opts.KafkaTopic, "kafka-topic", envOr("KAFKA_TOPIC", config.DefaultKafkaTopic), "kafka topic for activity events")
	flag.BoolVar(&opts.Debug, "debug", debug, "enable development logging")
	flag.Parse()

	opts.AllowedOrigins = allowedOrigins
	opts.KafkaBrokers = kafkaBrokers

	cfg, err := config.NewConfig(opts)
	if err != nil {
		log.Fatal("config: ", err)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		log.Fatal("logger: ", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openStore(cfg *config.Config, logger *zap.Logger) (database.GoChatRepository, func() error, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data will not survive a restart")
		return database.NewMemGoChatRepository(), func() error { return nil }, nil
	}

	pg, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.Migrate(); err != nil {
		pg.Close()
		return nil, nil, err
	}

	return pg, pg.Close, nil
}

func run(cfg *config.Config, logger *zap.Logger) error {
	repo, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("db close", zap.Error(err))
		}
	}()

	sealer, err := encryption.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	r := chi.NewRouter()

	statsUpdater := stats.NewStatsUpdater(r)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	chatServer := server.NewChatServer(logger, sealer, statsUpdater)

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		publisher = kp
		logger.Info("publishing activity events", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("events close", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier groups.Notifier = chatServer
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		relay := server.NewRedisRelay(logger, rdb, chatServer)
		if err := relay.Subscribe(ctx); err != nil {
			return fmt.Errorf("redis relay: %w", err)
		}
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
		notifier = relay
		logger.Info("relaying group channels through redis", zap.String("addr", cfg.RedisAddr))
	}

	svc, err := groups.NewService(groups.Params{
		Logger:   logger,
		Repo:     repo,
		Crypt:    sealer,
		Lockout:  cfg.Lockout(),
		Notifier: notifier,
		Events:   publisher,
	})
	if err != nil {
		return err
	}

	srv := api.NewGoChatApp(r, logger, chatServer, repo, svc, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", zap.Error(err))
	}

	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("chat server shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("shutdown complete")
	return serveErr
}
