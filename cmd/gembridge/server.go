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
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gembridge/gembridge/internal/api"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/authz"
	"github.com/gembridge/gembridge/internal/chat"
	"github.com/gembridge/gembridge/internal/config"
	"github.com/gembridge/gembridge/internal/files"
	"github.com/gembridge/gembridge/internal/gemini"
	"github.com/gembridge/gembridge/internal/masking"
	"github.com/gembridge/gembridge/internal/parser"
	"github.com/gembridge/gembridge/internal/prompt"
	"github.com/gembridge/gembridge/internal/settings"
	"github.com/gembridge/gembridge/internal/sqlgate"
	"github.com/gembridge/gembridge/internal/storage"
	"github.com/gembridge/gembridge/internal/workflow"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gembridge server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gembridge server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gembridge status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "gembridge version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// MCP owns stdout, so logs always go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pf := newPIDFile(cfg.Storage.DataDir)
	if err := ensureNotRunning(cfg.Server.Port, pf); err != nil {
		return err
	}
	if err := pf.write(); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pf.remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	erpDB, dialect, closeERP, err := sqlgate.OpenERP(cfg.ERP.Driver, cfg.ERP.DSN, store.DB())
	if err != nil {
		return fmt.Errorf("opening ERP database: %w", err)
	}
	defer closeERP()

	sm := settings.NewManager(store, cfg.Features)
	auditLog := audit.New(store)
	masker := masking.New(store, sm)
	port := authz.NewStoreAuthorizer(store)

	llm := gemini.NewClient(cfg.Gemini.APIKey,
		gemini.WithBaseURL(cfg.Gemini.BaseURL),
		gemini.WithTimeout(cfg.Gemini.RequestTimeout()),
		gemini.WithModels(cfg.Gemini.DefaultModel, cfg.Gemini.VisionModel),
		gemini.WithSettings(sm),
		gemini.WithMasker(masker),
		gemini.WithAudit(auditLog),
	)

	prompts := prompt.NewBuilder(sm, store, masker, auditLog)
	respParser := parser.New(auditLog)
	chain := sqlgate.NewChain(erpDB, dialect, llm, auditLog, nil)

	proc := files.NewProcessor(sm, store, auditLog, cfg.Storage.DataDir)
	defer proc.Cleanup()

	contexts := chat.NewContextManager(store, sm, masker, port, auditLog)
	chatSvc := chat.NewService(chat.Deps{
		Store:    store,
		LLM:      llm,
		Prompts:  prompts,
		Parser:   respParser,
		SQL:      chain,
		Files:    proc,
		Contexts: contexts,
		Auth:     port,
	})

	actions := workflow.NewActionHandler(store, port, auditLog)
	rules := workflow.NewAutomation(store, store, sm, port, actions, llm, auditLog)
	if n, err := rules.SeedDefaults(ctx); err != nil {
		return fmt.Errorf("seeding default rules: %w", err)
	} else if n > 0 {
		slog.Info("seeded default automation rules", "count", n)
	}
	if cfg.Automation.RulesFile != "" {
		n, err := importRulesFile(ctx, rules, cfg.Automation.RulesFile)
		if err != nil {
			return err
		}
		slog.Info("imported automation rules", "file", cfg.Automation.RulesFile, "count", n)
	}
	engine := workflow.NewEngine(workflow.Deps{
		Docs:     store,
		Jobs:     store,
		Settings: sm,
		Actions:  actions,
		Rules:    rules,
		Prompts:  prompts,
		LLM:      llm,
		Parser:   respParser,
		Audit:    auditLog,
	})

	handler := api.NewHandler(api.Deps{
		Token:       apiToken,
		DefaultUser: cfg.Server.DefaultUser,
		Store:       store,
		Chat:        chatSvc,
		Contexts:    contexts,
		Files:       proc,
		Workflow:    engine,
		SQL:         chain,
		Settings:    sm,
		Masker:      masker,
		Authz:       port,
		Limiter:     api.NewRateLimiter(sm, cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Audit:       auditLog,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	worker := workflow.NewWorker(store, engine, 500*time.Millisecond)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			User:     cfg.Server.DefaultUser,
			Chat:     chatSvc,
			SQL:      chain,
			Masker:   masker,
			Workflow: engine,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "gembridge listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// importRulesFile seeds rules from a YAML file, replacing stored rules
// with the same name.
func importRulesFile(ctx context.Context, rules *workflow.Automation, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading rules file: %w", err)
	}
	parsed, err := workflow.ParseRules(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return rules.Seed(ctx, parsed, true)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pf := newPIDFile(cfg.Storage.DataDir)
	pid, err := pf.read()
	if err != nil {
		printError("gembridge is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}
	if err := pf.signal(syscall.SIGTERM); err != nil {
		printError("could not stop gembridge (PID %d): %v", pid, err)
		pf.remove()
		return err
	}

	printSuccess("Sent stop signal to gembridge (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}
	client.httpClient.Timeout = 2 * time.Second

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Gemini", "%s", cfg.Gemini.BaseURL)
	printStatus("Vision model", "%s", cfg.Gemini.VisionModel)
	erp := cfg.ERP.Driver
	if cfg.ERP.DSN == "" {
		erp += " (local store)"
	}
	printStatus("ERP database", "%s", erp)

	if running {
		var st struct {
			DefaultModel string `json:"default_model"`
			RateLimit    int    `json:"rate_limits"`
		}
		if resp, err := client.get(ctx, "/settings"); err == nil && decodeJSON(resp, &st) == nil {
			printStatus("Default model", "%s", st.DefaultModel)
			printStatus("Rate limit", "%d/min", st.RateLimit)
		}
		var convs struct {
			Conversations []json.RawMessage `json:"conversations"`
		}
		if resp, err := client.get(ctx, "/chat/conversations"); err == nil && decodeJSON(resp, &convs) == nil {
			printStatus("Active conversations", "%s", countLabel(len(convs.Conversations), 50))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return strconv.Itoa(count)
}
