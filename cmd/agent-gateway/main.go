package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"agentgateway/internal/azureagent"
	"agentgateway/internal/httpapi"
	"agentgateway/internal/identity"
	"agentgateway/internal/observability"
	"agentgateway/internal/storage"
)

func main() {
	// Local .env files are a convenience for development, missing files are fine.
	_ = godotenv.Load()

	bootLogger := observability.NewJSONLogger(slog.LevelInfo)

	defaultDBPath, err := resolveDefaultDBPath()
	if err != nil {
		bootLogger.Error("startup.default_db_path_resolve_failed", "error", err.Error())
		os.Exit(1)
	}

	listenAddrFlag := flag.String("listen", "127.0.0.1:3000", "server listen address")
	allowPublic := flag.Bool("allow-public", false, "allow listening on public interfaces")
	dbPath := flag.String("db-path", defaultDBPath, "sqlite database path for the turn journal")
	pollInterval := flag.Duration("poll-interval", time.Second, "delay between run status polls")
	maxPollAttempts := flag.Int("max-poll-attempts", 30, "maximum run status polls before giving up on a turn")
	logLevelFlag := flag.String("log-level", "info", "log level: debug, info, warn or error")
	shutdownTimeout := flag.Duration("shutdown-timeout", 8*time.Second, "graceful shutdown timeout")
	flag.Parse()

	logLevel, err := observability.ParseLevel(*logLevelFlag)
	if err != nil {
		bootLogger.Error("startup.invalid_log_level", "error", err.Error(), "logLevel", *logLevelFlag)
		os.Exit(1)
	}
	logger := observability.NewJSONLogger(logLevel)

	endpoint := strings.TrimSpace(os.Getenv("AZURE_AI_ENDPOINT"))
	agentID := strings.TrimSpace(os.Getenv("AZURE_AI_AGENT_ID"))
	if endpoint == "" || agentID == "" {
		logger.Error("startup.missing_azure_config",
			"hasEndpoint", endpoint != "",
			"hasAgentId", agentID != "",
			"hint", "set AZURE_AI_ENDPOINT and AZURE_AI_AGENT_ID (a .env file works too)",
		)
		os.Exit(1)
	}

	if *pollInterval <= 0 {
		logger.Error("startup.invalid_poll_interval", "value", pollInterval.String())
		os.Exit(1)
	}
	if *maxPollAttempts <= 0 {
		logger.Error("startup.invalid_max_poll_attempts", "value", *maxPollAttempts)
		os.Exit(1)
	}
	if *shutdownTimeout <= 0 {
		logger.Error("startup.invalid_shutdown_timeout", "value", shutdownTimeout.String())
		os.Exit(1)
	}

	listenAddr, _, err := validateListenAddr(*listenAddrFlag, *allowPublic)
	if err != nil {
		logger.Error("startup.invalid_listen", "error", err.Error(), "listenAddr", *listenAddrFlag, "allowPublic", *allowPublic)
		os.Exit(1)
	}

	if err := ensureDBPathParent(*dbPath); err != nil {
		logger.Error("startup.invalid_db_path", "error", err.Error(), "dbPath", *dbPath)
		os.Exit(1)
	}

	store, err := storage.New(*dbPath)
	if err != nil {
		logger.Error("startup.storage_open_failed", "error", err.Error(), "dbPath", *dbPath)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("shutdown.storage_close_failed", "error", closeErr.Error())
		}
	}()

	cred, err := identity.NewAzureCLICredential()
	if err != nil {
		logger.Error("startup.credential_init_failed", "error", err.Error())
		os.Exit(1)
	}
	tokens := identity.NewCache(cred, logger)

	agentClient, err := azureagent.New(azureagent.Config{
		Endpoint:        endpoint,
		AgentID:         agentID,
		TokenSource:     tokens,
		PollInterval:    *pollInterval,
		MaxPollAttempts: *maxPollAttempts,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("startup.agent_client_init_failed", "error", err.Error())
		os.Exit(1)
	}

	// Exercise the credential chain once up front so a missing `az login`
	// shows up at startup rather than on the first chat request.
	preflightCtx, preflightCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, err := tokens.Token(preflightCtx); err != nil {
		logger.Warn("startup.token_preflight_failed", "error", err.Error())
	} else {
		logger.Info("startup.token_preflight_ok")
	}
	preflightCancel()

	handler := httpapi.New(httpapi.Config{
		Orchestrator: agentClient,
		TokenSource:  tokens,
		Journal:      store,
		Endpoint:     endpoint,
		AgentID:      agentID,
		Logger:       logger,
	})

	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           cors.AllowAll().Handler(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(os.Stderr, time.Now(), listenAddr, *dbPath, endpoint, agentID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown.start", "timeout", shutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("shutdown.http_server", "error", err.Error())
		}
	}()

	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server.listen_failed", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("shutdown.complete", "stoppedAt", time.Now().UTC().Format(time.RFC3339Nano))
}

func validateListenAddr(listenAddr string, allowPublic bool) (string, int, error) {
	host, portText, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid --listen value %q: %w", listenAddr, err)
	}

	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in --listen value %q", listenAddr)
	}

	if allowPublic {
		return listenAddr, port, nil
	}

	if host == "" || host == "0.0.0.0" || host == "::" {
		return "", 0, fmt.Errorf("public listen address %q requires --allow-public=true", listenAddr)
	}

	if host == "localhost" {
		return listenAddr, port, nil
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return "", 0, fmt.Errorf("non-loopback listen address %q requires --allow-public=true", listenAddr)
	}

	return listenAddr, port, nil
}

func resolveDefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home dir: %w", err)
	}
	home = strings.TrimSpace(home)
	if home == "" {
		return "", errors.New("user home dir is empty")
	}
	return filepath.Join(home, ".agent-gateway", "turns.db"), nil
}

func ensureDBPathParent(dbPath string) error {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		return errors.New("db path is empty")
	}
	parent := filepath.Dir(filepath.Clean(path))
	if parent == "." {
		return nil
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create db parent dir %q: %w", parent, err)
	}
	return nil
}

func printStartupSummary(out io.Writer, startedAt time.Time, listenAddr, dbPath, endpoint, agentID string) {
	if out == nil {
		return
	}
	timestamp := startedAt.Local().Format("2006-01-02 15:04:05 MST")
	addr := strings.TrimSpace(listenAddr)
	_, _ = fmt.Fprintf(
		out,
		"Agent Gateway started\n"+
			"  Time:     %s\n"+
			"  HTTP:     http://%s\n"+
			"  Chat:     http://%s/api/chat\n"+
			"  Health:   http://%s/api/health\n"+
			"  DB:       %s\n"+
			"  Endpoint: %s\n"+
			"  Agent:    %s\n"+
			"  Help:     agent-gateway --help\n",
		timestamp,
		addr,
		addr,
		addr,
		strings.TrimSpace(dbPath),
		strings.TrimSpace(endpoint),
		strings.TrimSpace(agentID),
	)
}
