package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/securecookie"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/scusemua/notebook-relay/common/configuration"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
	"github.com/scusemua/notebook-relay/common/metrics"
	"github.com/scusemua/notebook-relay/gateway/internal/server"
)

const (
	ShutdownTimeout = 10 * time.Second
)

var (
	options      = configuration.DefaultRelayOptions()
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}
}

func createRegistry(ctx context.Context) bus.KernelRegistry {
	switch options.Registry {
	case configuration.RegistryRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     options.RedisAddr,
			Password: options.RedisPassword,
			DB:       options.RedisDatabase,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", options.RedisAddr, err)
		}

		globalLogger.Info("Keeping kernel connection information in Redis at %s.", options.RedisAddr)
		return bus.NewRedisRegistry(client, options.RedisKey)
	default:
		globalLogger.Info("Keeping kernel connection information in memory.")
		return bus.NewMemoryRegistry()
	}
}

func createAuthenticator() *relay.CookieAuthenticator {
	secret := []byte(options.CookieSecret)
	if len(secret) == 0 {
		globalLogger.Warn("No cookie secret was configured. Generating one; cookies signed before a restart will be rejected.")
		secret = securecookie.GenerateRandomKey(32)
	}

	return relay.NewCookieAuthenticator(secret, nil, options.PasswordRequired)
}

func main() {
	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the kernel relay with the following options:\n%s\n", options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the kernel relay.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := createRegistry(ctx)

	watcher := bus.NewConnectionFileWatcher(options.ConnectionDir, registry)
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("Failed to watch connection directory '%s': %v", options.ConnectionDir, err)
	}
	defer watcher.Stop()

	var relayMetrics *metrics.RelayMetrics
	if options.MetricsEnabled {
		relayMetrics = metrics.NewRelayMetrics()
	}

	relayServer, err := server.NewRelayServer(options, registry, bus.NewZMQConnector(registry), createAuthenticator(), relayMetrics)
	if err != nil {
		log.Fatalf("Failed to create relay server: %v", err)
	}

	if err := relayServer.Start(); err != nil {
		log.Fatalf("Failed to start relay server: %v", err)
	}

	<-sig
	globalLogger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	if err := relayServer.Stop(shutdownCtx); err != nil {
		globalLogger.Error("Error while stopping relay server: %v", err)
	}
}
