// Package main запускает HTTP-сервер сервиса Fastrack Ranking.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ndiyarov/fastrack-ranking/internal/config"
	"github.com/ndiyarov/fastrack-ranking/internal/events"
	"github.com/ndiyarov/fastrack-ranking/internal/handler"
	"github.com/ndiyarov/fastrack-ranking/internal/middleware"
	"github.com/ndiyarov/fastrack-ranking/internal/notify"
	"github.com/ndiyarov/fastrack-ranking/internal/repository"
	"github.com/ndiyarov/fastrack-ranking/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher *events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = events.NewPublisher(ctx, cfg.AMQPURL)
		if err != nil {
			sugar.Fatalw("amqp initialization error", "error", err.Error())
		}
		defer publisher.Close()
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	hub := notify.NewHub(authMiddleware, logger)

	svc := service.NewService(repo, logger, hub, publisher)
	defer svc.Close()

	h := handler.NewHandler(svc, logger, authMiddleware, hub.ServeWS, cfg.PublicBaseURL)
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый обход просроченных вызовов. Ленивый расчёт при чтении списка
	// корректен и без него, обход лишь ускоряет доставку итогов.
	svc.StartExpirySweeps(ctx, cfg.SweepInterval)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fastrack server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
