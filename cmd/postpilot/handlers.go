package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/postpilot/postpilot/internal/config"
	"github.com/postpilot/postpilot/internal/logging"
	"github.com/postpilot/postpilot/internal/scheduler"
	"github.com/postpilot/postpilot/internal/store"
	"github.com/postpilot/postpilot/pkg/approval"
	"github.com/postpilot/postpilot/pkg/orchestrator"
	"github.com/postpilot/postpilot/pkg/pipeline"
	"github.com/postpilot/postpilot/pkg/server"
	"github.com/postpilot/postpilot/pkg/telegram"
)

func loadConfig() (*config.Config, error) {
	godotenv.Load()

	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *store.SQLiteStore
	sm     *approval.StateMachine
	orch   *orchestrator.Orchestrator
	client *telegram.Client
}

func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log := logging.New("postpilot", cfg.Logging.Level)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var transport approval.Transport
	var client *telegram.Client
	if cfg.Telegram.BotToken != "" {
		client = telegram.NewClient(cfg.Telegram.BotToken)
		transport = client
	} else {
		transport = noopTransport{}
		log.Warn("no bot token configured, approval runs web-only")
	}

	newPub := func(creds pipeline.TwitterCredentials) pipeline.Publisher {
		return pipeline.NewTwitterPublisher(creds)
	}
	publisher := orchestrator.NewPostPublisher(db, newPub, log)

	sessions := approval.NewEditSessions()
	sm := approval.New(db, transport, sessions, publisher, log)

	newScraper := func(clientID, clientSecret string) pipeline.Scraper {
		return pipeline.NewRedditScraper(clientID, clientSecret)
	}
	newSynth := func(apiKey string) pipeline.Synthesizer {
		return pipeline.NewClaudeSynthesizer(apiKey, cfg.Synthesis.Model, cfg.Synthesis.BaseURL,
			cfg.Synthesis.MaxTokens, cfg.Synthesis.Temperature)
	}

	orch := orchestrator.New(db, sm, newScraper, pipeline.NewRSSScraper(), newSynth, orchestrator.Config{
		PostsPerCommunity:   cfg.Reddit.PostsPerCommunity,
		RepliesPerItem:      cfg.Reddit.RepliesPerItem,
		TimeWindow:          cfg.Reddit.TimeWindow,
		TopItemsPerTopic:    cfg.Synthesis.TopItemsPerTopic,
		CandidatesPerTopic:  cfg.Synthesis.CandidatesPerTopic,
		DefaultAnthropicKey: cfg.Synthesis.APIKey,
	}, log)

	return &app{cfg: cfg, log: log, store: db, sm: sm, orch: orch, client: client}, nil
}

// noopTransport stands in when no chat is configured; artifacts still
// accumulate for web review.
type noopTransport struct{}

func (noopTransport) SendPrompt(ctx context.Context, chatID, artifactID int64, content, topic string) (string, error) {
	return "", nil
}
func (noopTransport) UpdatePrompt(ctx context.Context, handle, text string) error { return nil }

func runDiscover() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	_, err = a.orch.RunDiscovery(context.Background())
	return err
}

func runGenerate() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	_, err = a.orch.RunGeneration(context.Background())
	return err
}

func runServe(port int) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	if port == 0 {
		port = a.cfg.Server.Port
	}
	srv := server.New(a.store, a.sm, a.orch, a.cfg.Server.JWTSecret,
		time.Duration(a.cfg.Server.TokenTTLHours)*time.Hour, a.log)

	a.log.WithField("port", port).Info("http server listening")
	return http.ListenAndServe(fmt.Sprintf(":%d", port), srv.Router())
}

func runValidate() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: db=%s schedule=%v port=%d\n",
		cfg.Database.Path, cfg.Schedule.Enabled, cfg.Server.Port)
	return nil
}

func runDaemon() error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)

	if a.cfg.Schedule.Enabled {
		sched, err := scheduler.New(a.cfg.Schedule.Timezone,
			time.Duration(a.cfg.Schedule.MisfireGraceSec)*time.Second, a.log)
		if err != nil {
			return err
		}
		if err := sched.Add("discovery", a.cfg.Schedule.DiscoveryTimes, func(ctx context.Context) error {
			_, err := a.orch.RunDiscovery(ctx)
			return err
		}); err != nil {
			return err
		}
		if err := sched.Add("generation", a.cfg.Schedule.GenerationTimes, func(ctx context.Context) error {
			_, err := a.orch.RunGeneration(ctx)
			return err
		}); err != nil {
			return err
		}

		go func() {
			errCh <- sched.Run(ctx)
		}()
	}

	if a.client != nil {
		bot := telegram.NewBot(a.client, a.store, a.sm, a.orch, a.log)
		go func() {
			errCh <- bot.Run(ctx)
		}()
	}

	srv := server.New(a.store, a.sm, a.orch, a.cfg.Server.JWTSecret,
		time.Duration(a.cfg.Server.TokenTTLHours)*time.Hour, a.log)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		a.log.WithField("port", a.cfg.Server.Port).Info("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.WithError(err).Error("component failed, shutting down")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)

	a.log.Info("shutdown complete")
	return nil
}
