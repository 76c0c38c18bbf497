// Command engine runs the agent nervous-system runtime: the World
// Model, Permission Layer, Quota Engine, Tool Registry, Plugin Loader,
// Reflex Engine, Scheduler, Audit Logger, and Agent Bridge, wired
// together and served over WebSocket JSON-RPC.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anse-dev/anse/pkg/audit"
	"github.com/anse-dev/anse/pkg/clock"
	"github.com/anse-dev/anse/pkg/config"
	"github.com/anse-dev/anse/pkg/permission"
	"github.com/anse-dev/anse/pkg/plugin"
	"github.com/anse-dev/anse/pkg/quota"
	"github.com/anse-dev/anse/pkg/reflex"
	"github.com/anse-dev/anse/pkg/registry"
	"github.com/anse-dev/anse/pkg/replay"
	"github.com/anse-dev/anse/pkg/scheduler"
	"github.com/anse-dev/anse/pkg/store"
	"github.com/anse-dev/anse/pkg/worldmodel"
	"github.com/anse-dev/anse/pkg/bridge"
)

// Exit codes per spec.md §6.
const (
	exitClean           = 0
	exitConfigError     = 1
	exitChainVerifyFail = 2
	exitBindError       = 3
	exitFatalWriteError = 4
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("ANSE_CONFIG", "./engine.yaml"), "path to the policy document")
	host := flag.String("host", "", "override the policy document's host")
	port := flag.Int("port", -1, "override the policy document's port (-1 = use config)")
	simulate := flag.Bool("simulate", false, "force simulation mode regardless of config")
	replayLog := flag.String("replay", "", "replay a recorded event log instead of serving live")
	flag.Parse()

	if err := godotenv.Load(filepath.Join(filepath.Dir(*configPath), ".env")); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	doc, err := config.Initialize(context.Background(), *configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return exitConfigError
	}
	if *host != "" {
		doc.Host = *host
	}
	if *port >= 0 {
		doc.Port = *port
	}
	if *simulate {
		doc.Simulate = true
	}

	if *replayLog != "" {
		return runReplay(*replayLog, doc)
	}
	return runEngine(doc)
}

func runReplay(logPath string, doc *config.Document) int {
	engine := reflex.New()
	report, err := replay.Run(context.Background(), logPath, engine)
	if err != nil {
		slog.Error("replay failed", "error", err)
		return exitChainVerifyFail
	}
	if !report.OK() {
		for _, d := range report.Divergences {
			slog.Error("replay divergence", "seq", d.Seq, "kind", d.Kind, "detail", d.Detail)
		}
		return exitChainVerifyFail
	}
	slog.Info("replay verified the event log exactly", "events", report.EventsReplayed)
	return exitClean
}

func runEngine(doc *config.Document) int {
	logger := slog.Default()

	if err := os.MkdirAll(filepath.Dir(doc.EventLogPath), 0o755); err != nil {
		logger.Error("failed to create event log directory", "error", err)
		return exitFatalWriteError
	}
	if err := os.MkdirAll(filepath.Dir(doc.AuditLogPath), 0o755); err != nil {
		logger.Error("failed to create audit log directory", "error", err)
		return exitFatalWriteError
	}

	model, err := worldmodel.Open(worldmodel.Config{LogPath: doc.EventLogPath, Clock: clock.SystemClock{}, Logger: logger})
	if err != nil {
		logger.Error("world model integrity error", "error", err)
		return exitChainVerifyFail
	}
	defer model.Close()

	auditModel, err := worldmodel.Open(worldmodel.Config{LogPath: doc.AuditLogPath, Clock: clock.SystemClock{}, Logger: logger})
	if err != nil {
		logger.Error("audit log integrity error", "error", err)
		return exitChainVerifyFail
	}
	defer auditModel.Close()

	dbPath := filepath.Join(filepath.Dir(doc.EventLogPath), "anse.db")
	st, err := store.Open(store.Config{Path: dbPath})
	if err != nil {
		logger.Error("failed to open embedded store", "error", err)
		return exitFatalWriteError
	}
	defer st.Close()

	sanitizer, err := audit.DefaultSanitizer()
	if err != nil {
		logger.Error("failed to compile audit sanitizer", "error", err)
		return exitConfigError
	}
	auditor := audit.New(auditModel, st, sanitizer, logger)

	secret := serverSecret(doc.ServerSecretEnv, logger, doc.Simulate)
	tokenIssuer := permission.NewTokenIssuer(secret, st, clock.SystemClock{}, auditor)
	policy := policyFromDocument(doc)
	permLayer := permission.New(policy, tokenIssuer)

	quotaEngine := quota.New(clock.SystemClock{})
	defaultLimits := limitsFromDocument(doc)

	reg := registry.New()
	reflexEngine := reflex.New()

	loader := plugin.New(reg, model, logger)
	loader.RegisterTransport(plugin.TransportDeclarative, &plugin.DeclarativeTransport{Reflex: reflexEngine})
	loader.RegisterTransport(plugin.TransportMCP, &plugin.MCPTransport{})
	loader.RegisterTransport(plugin.TransportGRPC, &plugin.GRPCTransport{})

	if _, errs := loader.LoadAll(context.Background(), doc.PluginsDir); len(errs) > 0 {
		for _, e := range errs {
			logger.Warn("plugin discovery error", "error", e)
		}
	}

	sched := scheduler.New(reg, permLayer, quotaEngine, model, auditor, logger, reflexEngine)

	var originPatterns []string
	if doc.Simulate {
		originPatterns = []string{"*"}
	}
	srv := bridge.New(reg, sched, model, originPatterns, logger)
	srv.SetDefaultQuota(quotaEngine, defaultLimits)
	srv.SetStore(st)

	addr := doc.Host + ":" + portString(doc.Port)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("engine starting", "addr", addr, "simulate", doc.Simulate)
	if err := srv.Start(ctx, addr); err != nil {
		logger.Error("server error", "error", err)
		return exitBindError
	}

	logger.Info("engine shut down cleanly")
	return exitClean
}

func portString(port int) string {
	if port <= 0 {
		return "0"
	}
	return strconv.Itoa(port)
}

func policyFromDocument(doc *config.Document) *permission.Policy {
	toolScopes := make(map[string][]string, len(doc.ToolOverrides))
	sensitivity := make(map[string]string, len(doc.ToolOverrides))
	for name, ov := range doc.ToolOverrides {
		if len(ov.RequiredScopes) > 0 {
			toolScopes[name] = ov.RequiredScopes
		}
		if ov.Sensitivity != "" {
			sensitivity[name] = ov.Sensitivity
		}
	}
	return &permission.Policy{
		DefaultScopes:   doc.DefaultScopes,
		ToolScopes:      toolScopes,
		ToolSensitivity: sensitivity,
	}
}

func limitsFromDocument(doc *config.Document) quota.Limits {
	rates := make(map[string]int, len(doc.ToolOverrides))
	for name, ov := range doc.ToolOverrides {
		if ov.RateLimitPerMinute > 0 {
			rates[name] = ov.RateLimitPerMinute
		}
	}
	return quota.Limits{
		CPUBudgetMsPerWindow: doc.QuotaDefaults.CPUMsPerWindow,
		StorageQuotaBytes:    doc.QuotaDefaults.StorageBytes,
		WindowDuration:       time.Duration(doc.QuotaDefaults.WindowSeconds) * time.Second,
		ToolRatePerMinute:    rates,
	}
}

func serverSecret(envVar string, logger *slog.Logger, simulate bool) []byte {
	if envVar == "" {
		envVar = "ANSE_SERVER_SECRET"
	}
	if v := os.Getenv(envVar); v != "" {
		return []byte(v)
	}
	if !simulate {
		logger.Warn("no server secret configured, generating an ephemeral one for this run", "env_var", envVar)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		logger.Error("failed to generate ephemeral server secret", "error", err)
		return []byte("insecure-fallback-secret")
	}
	return []byte(hex.EncodeToString(buf))
}
