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
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/carewise/internal/api"
	"github.com/liliang-cn/carewise/internal/config"
	"github.com/liliang-cn/carewise/internal/domain"
	"github.com/liliang-cn/carewise/internal/logger"
	"github.com/liliang-cn/carewise/internal/repository"
	"github.com/liliang-cn/carewise/internal/service"
	"github.com/liliang-cn/carewise/internal/stream"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: carewise [-config path] [command]

Commands:
  serve            run the local session API (default)
  ask <question>   ask one question in the active session

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize session storage
	kv, closeKV, err := openKV(ctx, cfg.Storage)
	if err != nil {
		zl.Fatal("Failed to open session storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer closeKV()
	store := repository.NewSessionStore(kv, cfg.Storage.KeyPrefix, zl)

	// Initialize the progress stream client
	client := stream.NewClient(cfg.StreamURL(),
		stream.WithIdleTimeout(cfg.Backend.IdleTimeout),
		stream.WithLogger(zl.Named("stream")),
	)

	ctrl, err := service.NewSessionController(ctx, cfg.User, store, client, zl.Named("sessions"))
	if err != nil {
		zl.Fatal("Failed to load sessions", zap.Error(err))
	}

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		err = serve(ctx, cfg, ctrl, zl)
	case "ask":
		err = ask(ctx, ctrl, strings.Join(args, " "))
	default:
		flag.Usage()
		os.Exit(2)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := ctrl.Close(shutdownCtx); cerr != nil {
		zl.Warn("Queries still running at exit", zap.Error(cerr))
	}

	if err != nil {
		zl.Error("Command failed", zap.String("command", command), zap.Error(err))
		zl.Sync()
		closeKV()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, ctrl *service.SessionController, zl *zap.Logger) error {
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := api.NewServer(cfg.Address(), ctrl, api.RouterConfig{
		APIKey:       cfg.Server.APIKey,
		AllowOrigins: cfg.Server.AllowOrigins,
	}, zl.Named("api"))

	errCh := make(chan error, 1)
	go func() {
		zl.Info("Starting CareWise server",
			zap.String("address", cfg.Address()),
			zap.String("backend", cfg.Backend.BaseURL),
			zap.String("user_id", cfg.User.ID),
			zap.String("storage", cfg.Storage.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	zl.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	zl.Info("Server exited")
	return nil
}

// ask submits one question into the active session and prints progress,
// the answer and the top-ranked evidence
func ask(ctx context.Context, ctrl *service.SessionController, question string) error {
	if strings.TrimSpace(question) == "" {
		return domain.ErrEmptyQuery
	}

	sessionID := ctrl.ActiveSessionID()
	settled := make(chan struct{})
	unsubscribe := ctrl.Subscribe(func(ev service.Event) {
		if ev.Type != service.EventStage || ev.SessionID != sessionID {
			return
		}
		if ev.Stage.Terminal() {
			close(settled)
			return
		}
		fmt.Fprintf(os.Stderr, "... %s\n", ev.Message)
	})
	defer unsubscribe()

	handle, err := ctrl.Submit(sessionID, question)
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			handle.Cancel()
		case <-handle.Done():
		}
	}()

	outcome, err := handle.Wait(context.Background())
	if err != nil {
		return err
	}
	<-settled

	switch outcome.Kind {
	case stream.OutcomeCancelled:
		return errors.New("query cancelled")
	case stream.OutcomeFailure:
		return fmt.Errorf("%s: %w", outcome.Message, outcome.Err)
	}

	fmt.Println(outcome.Answer)
	if outcome.Plan != nil {
		sources := make([]string, 0, len(outcome.Plan.Sources))
		for _, s := range outcome.Plan.Sources {
			sources = append(sources, string(s))
		}
		fmt.Printf("\nIntent: %s  Sources: %s\n", outcome.Plan.Intent, strings.Join(sources, ", "))
	}
	if len(outcome.Evidence) > 0 {
		top := outcome.Evidence[0]
		fmt.Printf("Top evidence: [%s] %s (score %.2f)\n", top.Source, top.Title, top.Score)
	}
	return nil
}
