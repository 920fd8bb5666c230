package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/sitewalk/internal/analysis"
	"github.com/kalambet/sitewalk/internal/api"
	"github.com/kalambet/sitewalk/internal/composer"
	"github.com/kalambet/sitewalk/internal/config"
	"github.com/kalambet/sitewalk/internal/engine"
	"github.com/kalambet/sitewalk/internal/hub"
	"github.com/kalambet/sitewalk/internal/indexer"
	"github.com/kalambet/sitewalk/internal/metrics"
	"github.com/kalambet/sitewalk/internal/notify"
	"github.com/kalambet/sitewalk/internal/ollama"
	"github.com/kalambet/sitewalk/internal/pipeline"
	"github.com/kalambet/sitewalk/internal/proxy"
	"github.com/kalambet/sitewalk/internal/resolver"
	"github.com/kalambet/sitewalk/internal/reranking"
	"github.com/kalambet/sitewalk/internal/retrieval"
	"github.com/kalambet/sitewalk/internal/scheduler"
	"github.com/kalambet/sitewalk/internal/storage"
	"github.com/kalambet/sitewalk/internal/transcribe"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sitewalk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		skipReady, _ := cmd.Flags().GetBool("skip-ollama-check")
		return runServer(mcpStdio, skipReady)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sitewalk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sitewalk system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
	serveCmd.Flags().Bool("skip-ollama-check", false, "start without checking that Ollama and its models are ready")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sitewalk.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// newGenerators returns the generator used for summaries, plan analysis,
// cross-referencing, and chat, plus a lighter one for the daily digest and
// chat reranking.
func newGenerators(cfg config.Config, eng engine.Engine) (gen, fast engine.Generator) {
	if cfg.Generation.Backend == config.BackendCloud {
		gen = engine.NewCloudGenerator(proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Proxy.DefaultModel, cfg.Generation.Timeout)
		return gen, gen
	}
	return engine.NewLocalGenerator(eng, cfg.Ollama.DeepModel, cfg.Generation.Timeout),
		engine.NewLocalGenerator(eng, cfg.Ollama.FastModel, cfg.Generation.Timeout)
}

// modelLister is the part of the OpenRouter client startup checks use.
type modelLister interface {
	HasModel(ctx context.Context, id string) (bool, error)
}

// checkCloudModel fails startup when OpenRouter does not list model. An
// unreachable model list only warns: generation calls surface their own errors.
func checkCloudModel(ctx context.Context, c modelLister, model string) error {
	ok, err := c.HasModel(ctx, model)
	if err != nil {
		slog.Warn("could not list OpenRouter models", "error", err)
		return nil
	}
	if !ok {
		return fmt.Errorf("model %q is not available on OpenRouter; change it with: sitewalk config set proxy.default_model <id>", model)
	}
	return nil
}

func newMailer(cfg config.Config) notify.Mailer {
	if cfg.Mail.RelayURL == "" {
		return notify.NewLogMailer()
	}
	return notify.NewRelayMailer(cfg.Mail.RelayURL, cfg.Mail.RelayToken)
}

func runServer(mcpStdio, skipReady bool) error {
	fmt.Fprintf(os.Stderr, "sitewalk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	secrets := config.NewSecretStore()
	apiToken, err := config.GetAPIToken(secrets)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	hubToken, err := config.GetHubToken(secrets)
	if err != nil {
		return fmt.Errorf("initializing hub token: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.Port))
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL)
	if !skipReady {
		chatModel := cfg.Ollama.DeepModel
		if cfg.Generation.Backend == config.BackendCloud {
			chatModel = ""
		}
		if err := ollama.EnsureReady(ctx, eng.Client(), chatModel, cfg.Ollama.EmbedModel, os.Stderr); err != nil {
			return err
		}
		if cfg.Generation.Backend == config.BackendCloud {
			if err := checkCloudModel(ctx, proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Proxy.DefaultModel); err != nil {
				return err
			}
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	m := metrics.New()
	h := hub.New(hub.Config{
		Token:            hubToken,
		Heartbeat:        cfg.Hub.Heartbeat,
		MaxFrameBytes:    cfg.Hub.MaxFrameBytes,
		MaxSubscriptions: cfg.Hub.MaxSubscriptions,
	})
	m.RegisterHubConnections(h.Count)
	go h.Run(ctx)
	notifier := notify.NewService(store, h)

	gen, fastGen := newGenerators(cfg, eng)
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	vectors := retrieval.NewSQLiteStore(store.DB())
	retriever := retrieval.NewRetriever(embedder, vectors, store.DB(), store)

	orch := pipeline.New(pipeline.Deps{
		Store:       store,
		Transcriber: transcribe.New(cfg.Transcribe.BaseURL, cfg.Transcribe.APIKey, cfg.Transcribe.Model, cfg.Transcribe.Timeout),
		Summarizer:  analysis.NewSummarizer(gen),
		Plans:       analysis.NewPlanAnalyzer(gen),
		CrossRef:    analysis.NewCrossReferencer(gen),
		Resolver:    resolver.New(store),
		Indexer:     indexer.New(embedder, vectors, cfg.Retrieval.ChunkWords, cfg.Retrieval.ChunkOverlap),
		Notifier:    notifier,
		Mailer:      newMailer(cfg),
		Recipients:  cfg.Mail.RecipientList(),
		Metrics:     m,
	})
	runner, err := pipeline.NewRunner(orch)
	if err != nil {
		return err
	}
	defer runner.Close(shutdownTimeout)

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler.StartupDelay, m)
		tasks := []scheduler.Task{
			{
				Name:     scheduler.TaskRetryFailed,
				Interval: cfg.Scheduler.RetryInterval,
				Run:      scheduler.RetryFailedSessions(store, orch, scheduler.DefaultRetryBatch, scheduler.DefaultRetryWindow),
			},
			{
				Name:     scheduler.TaskMarkInactive,
				Interval: cfg.Scheduler.InactiveInterval,
				Run:      scheduler.MarkInactiveJobs(store, notifier, scheduler.DefaultIdleAfter),
			},
			{
				Name:     scheduler.TaskDailyDigest,
				Interval: cfg.Scheduler.DigestInterval,
				Run:      scheduler.DailyDigest(store, analysis.NewDigester(fastGen), notifier, scheduler.DefaultDigestSpan),
			},
		}
		for _, t := range tasks {
			if err := sched.Add(t); err != nil {
				return fmt.Errorf("scheduling %s: %w", t.Name, err)
			}
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	chat := composer.NewChat(retriever, store, composer.New(0), gen, cfg.Retrieval.TopK)
	if cfg.Retrieval.RerankEnabled {
		chat.WithReranker(reranking.NewReranker(fastGen, true, cfg.Retrieval.RerankTimeout, reranking.DefaultThreshold))
	}
	handler := api.NewAppHandler(api.AppDeps{
		Store:    store,
		Runner:   runner,
		Searcher: retriever,
		Chat:     chat,
		Token:    apiToken,
		Hub:      h.Handler(),
		Metrics:  m.Handler(),
	})

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Retriever: retriever, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sitewalk listening", "addr", addr, "backend", cfg.Generation.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("sitewalk is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop sitewalk (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to sitewalk (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	addr := net.JoinHostPort(cfg.Server.BindAddr, strconv.Itoa(cfg.Server.Port))
	running := false
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", addr)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	oc := ollama.New(cfg.Ollama.BaseURL)
	if oc.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}
	printStatus("Generation", "%s", cfg.Generation.Backend)
	printStatus("Deep model", "%s", cfg.Ollama.DeepModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Transcription", "%s (%s)", cfg.Transcribe.BaseURL, cfg.Transcribe.Model)

	if running {
		if c, err := newAPIClient(); err == nil {
			printCounts(ctx, c)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printCounts(ctx context.Context, c *apiClient) {
	const limit = 500
	for _, q := range []struct{ label, path string }{
		{"Sessions", "/sessions?limit=500"},
		{"Open action items", "/action-items?open=1&limit=500"},
		{"Unread notifications", "/notifications?unread=1&limit=500"},
	} {
		resp, err := c.get(ctx, q.path)
		if err != nil {
			continue
		}
		var rows []json.RawMessage
		if decodeJSON(resp, &rows) == nil {
			printStatus(q.label, "%s", countLabel(len(rows), limit))
		}
	}
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
