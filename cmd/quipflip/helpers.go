package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	quipflip "github.com/sheegaon/quipflip/sdk/golang"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	storageNamespace = "quipflip"
	cookieKey        = storageNamespace + "/cookies"
)

// app bundles the SDK pieces the commands need: transport, persisted
// state, queue, and the refresh coordinator wired over all of them.
type app struct {
	cfg      *Config
	store    quipflip.Storage
	client   *quipflip.Client
	coord    *quipflip.RefreshCoordinator
	creds    *quipflip.CredentialStore
	visitors *quipflip.VisitorStore
	queue    *quipflip.OfflineQueue
	monitor  *quipflip.NetworkMonitor
	logger   zerolog.Logger
}

// getApp assembles the SDK from the config file and ~/.quipflip storage.
// Any failure here is fatal: no command can run without the bundle.
func getApp() *app {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	dir, err := configDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	store, err := quipflip.OpenFileStorage(filepath.Join(dir, "state"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local storage: %v\n", err)
		os.Exit(1)
	}

	var opts []quipflip.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, quipflip.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.TimeoutSeconds > 0 {
		opts = append(opts, quipflip.WithTimeout(time.Duration(cfg.Default.TimeoutSeconds)*time.Second))
	}
	opts = append(opts, quipflip.WithLogger(logger))
	client := quipflip.NewClient(opts...)

	creds := quipflip.NewCredentialStore(store, storageNamespace)
	queue, err := quipflip.NewOfflineQueue(store, storageNamespace, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load offline queue: %v\n", err)
		os.Exit(1)
	}
	monitor := quipflip.NewNetworkMonitor(logger)
	coord := quipflip.NewRefreshCoordinator(client, creds,
		quipflip.WithOfflineQueue(queue, monitor),
		quipflip.WithCoordinatorLogger(logger),
	)

	a := &app{
		cfg:      cfg,
		store:    store,
		client:   client,
		coord:    coord,
		creds:    creds,
		visitors: quipflip.NewVisitorStore(store, storageNamespace),
		queue:    queue,
		monitor:  monitor,
		logger:   logger,
	}
	a.loadCookies()
	return a
}

// loadCookies seeds the client jar with the session cookies persisted by a
// previous invocation. The jar is process-scoped; without this every run
// would start unauthenticated.
func (a *app) loadCookies() {
	data, ok, err := a.store.Get(cookieKey)
	if err != nil || !ok {
		return
	}
	var cookies []*http.Cookie
	if json.Unmarshal(data, &cookies) != nil {
		return
	}
	a.client.SetCookies(cookies)
}

// saveCookies persists the current jar contents. Commands that talk to the
// server call this before exiting so the session survives the process.
func (a *app) saveCookies() {
	cookies := a.client.Cookies()
	if len(cookies) == 0 {
		if err := a.store.Delete(cookieKey); err != nil {
			a.logger.Warn().Err(err).Msg("failed to clear persisted cookies")
		}
		return
	}
	data, err := json.Marshal(cookies)
	if err != nil {
		return
	}
	if err := a.store.Set(cookieKey, data); err != nil {
		a.logger.Warn().Err(err).Msg("failed to persist session cookies")
	}
}

// newLogger builds the CLI logger: console output on stderr, plus a
// rotating file when [log] file is configured.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Log.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			level = parsed
		}
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	if cfg.Log.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
		out = zerolog.MultiLevelWriter(out, rotating)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
