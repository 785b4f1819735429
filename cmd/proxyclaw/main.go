package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer3studios/proxyclaw/internal/clock"
	"github.com/layer3studios/proxyclaw/internal/config"
	"github.com/layer3studios/proxyclaw/internal/configmat"
	"github.com/layer3studios/proxyclaw/internal/crypto"
	"github.com/layer3studios/proxyclaw/internal/events"
	"github.com/layer3studios/proxyclaw/internal/health"
	"github.com/layer3studios/proxyclaw/internal/logging"
	"github.com/layer3studios/proxyclaw/internal/modelcfg"
	"github.com/layer3studios/proxyclaw/internal/notify"
	"github.com/layer3studios/proxyclaw/internal/orchestrator"
	"github.com/layer3studios/proxyclaw/internal/portalloc"
	"github.com/layer3studios/proxyclaw/internal/proxy"
	"github.com/layer3studios/proxyclaw/internal/reaper"
	"github.com/layer3studios/proxyclaw/internal/runtime"
	"github.com/layer3studios/proxyclaw/internal/store"
)

// version and commit are set at build time via ldflags:
//
//	-X main.version=$(VERSION) -X main.commit=$(COMMIT)
var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	fmt.Println("proxyclaw " + versionString())
	fmt.Printf("LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("DOMAIN=%s\n", cfg.Domain)
	fmt.Printf("AGENT_IMAGE=%s\n", cfg.AgentImage)
	fmt.Printf("MAX_RUNNING_AGENTS=%d MAX_DEPLOYMENTS=%d\n", cfg.MaxRunningAgents, cfg.MaxDeployments)
	fmt.Printf("AGENT_PORT_RANGE=[%d, %d]\n", cfg.MinAgentPort, cfg.MaxAgentPort)
	fmt.Println("=============================================")

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		log.Error("failed to create data directory", "path", cfg.DataPath, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DataPath + "/proxyclaw.db")
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var tlsCfg *runtime.TLSConfig
	if ca := os.Getenv("DOCKER_TLS_CA"); ca != "" {
		tlsCfg = &runtime.TLSConfig{
			CACert:     ca,
			ClientCert: os.Getenv("DOCKER_TLS_CERT"),
			ClientKey:  os.Getenv("DOCKER_TLS_KEY"),
		}
	}
	rt, err := runtime.NewClient(cfg.DockerHost, tlsCfg)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	secrets, err := crypto.NewManagerFromHex(cfg.EncryptionKeyHex)
	if err != nil {
		log.Error("failed to initialize secrets manager", "error", err)
		os.Exit(1)
	}

	models, err := modelcfg.Load()
	if err != nil {
		log.Error("failed to load model table", "error", err)
		os.Exit(1)
	}

	alloc := portalloc.New(cfg.MinAgentPort, cfg.MaxAgentPort, st, rt)
	mat := configmat.New(cfg.DataPath, log)
	checker := health.New(log, clock.Real{})
	bus := events.New()

	orch := orchestrator.New(st, rt, alloc, models, mat, checker, bus, cfg, secrets, log, clock.Real{})

	notifier := notify.NewMulti(log, buildNotifiers(cfg, log)...)

	px := proxy.New(st, orch, log, clock.Real{})
	rp := reaper.New(st, orch, rt, notifier, bus, cfg, log, clock.Real{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/", rootHandler)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: px.Handler(mux),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("proxy server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	go rp.Run(ctx)

	log.Info("proxyclaw started", "addr", cfg.ListenAddr, "domain", cfg.Domain)

	<-ctx.Done()
	log.Info("shutting down")
}

// buildNotifiers assembles the notification fan-out from configuration: an
// SMTP notifier when SMTP_HOST is set, always paired with a log notifier so
// expirations and reminders are never silently lost if mail delivery fails.
func buildNotifiers(cfg *config.Config, log *logging.Logger) []notify.Notifier {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewSMTP(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPTLS))
	}
	if cfg.WebhookURL != "" {
		webhook := notify.Notifier(notify.NewWebhook(cfg.WebhookURL, nil))
		if cfg.WebhookEvents != "" {
			webhook = notify.NewFiltered(webhook, strings.Split(cfg.WebhookEvents, ","))
		}
		notifiers = append(notifiers, webhook)
	}
	return notifiers
}

// rootHandler answers requests on the apex domain and any reserved
// subdomain that proxy.Handler passes through untouched. Tenant-facing API
// handlers live outside this core's scope; this just keeps bare requests
// from 404ing against the mux's default.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"data":    map[string]string{"service": "proxyclaw", "version": versionString()},
	})
}
