package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vetohub/veto-backend/internal/assets"
	"github.com/vetohub/veto-backend/internal/catalog"
	"github.com/vetohub/veto-backend/internal/config"
	"github.com/vetohub/veto-backend/internal/httpapi"
	"github.com/vetohub/veto-backend/internal/live"
	"github.com/vetohub/veto-backend/internal/session"
	"github.com/vetohub/veto-backend/internal/store/postgres"
	"github.com/vetohub/veto-backend/internal/sweeper"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	st, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cat := catalog.NewGormCatalog(st.DB())
	reg := live.NewRegistry(ctx)
	svc := session.New(st, cat, logger, session.Options{
		TokenTTL: cfg.TokenTTL,
		Publish:  reg.Broadcast,
	})
	sw := sweeper.New(st, cat, assets.Dir{Path: cfg.UploadDir}, logger, sweeper.Options{
		AssetGracePeriod: cfg.AssetGracePeriod,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.SetupRoutes(svc, sw, reg),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	g.Go(func() error {
		err := sw.Run(ctx, cfg.SweepInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Turn timers are polled, not scheduled: expired turns get the
	// protocol's auto-action.
	g.Go(func() error {
		ticker := time.NewTicker(cfg.TimerPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := svc.HandleTimeouts(ctx); err != nil {
					logger.Error("timeout poll failed", zap.Error(err))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}
