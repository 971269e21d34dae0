package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"callpilot/internal/adapter/httpapi"
	"callpilot/internal/adapter/llm"
	"callpilot/internal/adapter/media"
	"callpilot/internal/adapter/store"
	"callpilot/internal/adapter/stt"
	"callpilot/internal/adapter/telephony"
	"callpilot/internal/adapter/tts"
	"callpilot/internal/domain"
	"callpilot/internal/infra/config"
	"callpilot/internal/infra/logger"
	"callpilot/internal/infra/tracer"
	"callpilot/internal/usecase/call"
	"callpilot/internal/usecase/dialog"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`callpilot - outbound voice qualification agent

USAGE:
    callpilot [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CALLPILOT_* variables override config

API:
    POST /calls              Originate an outbound call ({"to": "+1..."})
    POST /telephony/webhook  Provider call-control webhooks
    GET  /calls/media        Provider media WebSocket
    GET  /calls/{id}         Archived call record
    GET  /transfers          Recent transfers to human agents
    GET  /healthz            Liveness probe`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CALLPILOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Store
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer db.Close()

	// 4. Provider adapters
	control := telephony.NewClient(cfg.Telephony, log)
	sttClient := stt.NewClient(cfg.STT, log)
	ttsClient := tts.NewClient(cfg.TTS, log)
	llmProvider := llm.NewCircuitBreakerProvider(llm.NewOpenAIProvider(cfg.LLM, log), log)

	// 5. Dialog engine
	engine := dialog.NewEngine(llmProvider, cfg.LLM, cfg.Dialog, log)

	// 6. Call orchestration
	sttConnect := call.STTConnectorFunc(func(ctx context.Context, callID string, mailbox chan<- domain.CallEvent) (call.STTSession, error) {
		return sttClient.Connect(ctx, callID, mailbox)
	})
	manager := call.NewManager(cfg, control, sttConnect, ttsClient, engine, db, log)

	// 7. Media server, wired back to the manager as hooks
	mediaServer := media.NewServer(manager, cfg.Server.MaxWSConnections, log)
	manager.SetMedia(mediaServer)

	// 8. Janitor
	if err := manager.StartJanitor(); err != nil {
		return fmt.Errorf("janitor: %w", err)
	}

	// 9. HTTP surface
	api := httpapi.New(cfg.Server, manager, http.HandlerFunc(mediaServer.HandleHTTP), db, log)

	// 10. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start() }()

	log.Info("callpilot starting",
		"addr", cfg.Server.Addr,
		"llm_model", cfg.LLM.Model,
		"tts_model", cfg.TTS.ModelID,
		"stt_model", cfg.STT.Model,
		"max_calls", cfg.Server.MaxWSConnections,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancelShutdown()

	// End active calls before closing the listener so hangups and archives
	// complete.
	manager.Shutdown(shutdownCtx)
	mediaServer.CloseAll()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	return nil
}
