package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/KirillTrubitsyn/shellcache"
	"github.com/KirillTrubitsyn/shellcache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	portFlag           int
	originFlag         string
	dbFlag             string
	configFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFlag, "db", "cache.db", "Cache store: SQLite file name, 'memory', 'leveldb:<dir>' or 'redis:<addr>'")
	flag.StringVar(&configFlag, "config", "shellcache.yml", "Config file with asset lists and cache version")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFlag).Msg("Could not read config")
	}

	if originFlag == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	worker := shellcache.CreateWorker(shellcache.Config{
		Storage:        newStorage(dbFlag),
		OriginURL:      *originURL,
		Version:        config.Version,
		StaticAssets:   config.StaticAssets,
		ExternalAssets: config.ExternalAssets,
		APIPrefix:      config.APIPrefix,
		OfflineMessage: config.OfflineMessage,
		FallbackPath:   config.FallbackPath,
		Logger:         &log.Logger,
	})

	// a fresh process has no open pages to wait for,
	// so install and activate back to back
	if err := worker.Install(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Install failed")
	}
	if err := worker.Activate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Activate failed")
	}

	r := chi.NewRouter()
	r.Post("/worker/message", func(rw http.ResponseWriter, req *http.Request) {
		var msg shellcache.Message
		if err := json.NewDecoder(req.Body).Decode(&msg); err != nil {
			http.Error(rw, "invalid message", http.StatusBadRequest)
			return
		}
		worker.HandleMessage(req.Context(), msg)
		rw.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/*", worker)

	log.Info().Msgf("Proxying port %v to %s (cache %s)", portFlag, originURL.String(), worker.CacheName())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", portFlag), r); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

// newStorage builds the cache storage selected by the -db flag.
func newStorage(db string) cache.Storage {
	switch {
	case db == "memory":
		storage, err := cache.NewSQLiteStorage("")
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open in-memory cache")
		}
		return storage
	case strings.HasPrefix(db, "leveldb:"):
		storage, err := cache.NewLevelDBStorage(strings.TrimPrefix(db, "leveldb:"))
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open LevelDB cache")
		}
		return storage
	case strings.HasPrefix(db, "redis:"):
		client := redis.NewClient(&redis.Options{Addr: strings.TrimPrefix(db, "redis:")})
		return cache.NewRedisStorage(client)
	default:
		storage, err := cache.NewSQLiteStorage(db)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open SQLite cache")
		}
		return storage
	}
}
