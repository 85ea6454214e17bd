package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/config"
	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/handlers"
	"github.com/clubpass/club-pass-bot/internal/invites"
	"github.com/clubpass/club-pass-bot/internal/middleware"
	"github.com/clubpass/club-pass-bot/internal/reconcile"
	"github.com/clubpass/club-pass-bot/internal/sweeper"
	"github.com/clubpass/club-pass-bot/internal/telegram"
	"github.com/clubpass/club-pass-bot/store"
	"github.com/clubpass/club-pass-bot/types"
)

func main() {
	_ = config.LoadEnvFile("config.env")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	redisAddr := fmt.Sprintf("%s:%s",
		config.EnvStr("REDIS_HOST", "localhost"),
		config.EnvStr("REDIS_PORT", "6379"),
	)
	rdb, err := store.NewRedisClient(
		redisAddr,
		os.Getenv("REDIS_PASSWORD"),
		config.EnvInt("REDIS_DB", 0),
		"club_pass",
	)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	checkoutStore := store.NewRedisCheckoutStore(rdb, config.EnvInt("CHECKOUT_TTL_MINUTES", 30))

	pgStore, err := store.NewPostgresStore(ctx, os.Getenv("POSTGRES_DSN"))
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()

	if err := seedPlans(ctx, pgStore); err != nil {
		log.Fatalf("Failed to seed subscription plans: %v", err)
	}

	botToken := os.Getenv("BOT_TOKEN")
	if botToken == "" {
		log.Fatal("BOT_TOKEN environment variable is required")
	}

	httpClient := &http.Client{
		Timeout: 2 * time.Minute,
	}
	pollTimeout := 50 * time.Second

	b, err := bot.New(
		botToken,
		bot.WithHTTPClient(pollTimeout, httpClient),
	)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	tgClient := telegram.NewClient(b)
	broker := invites.NewBroker(pgStore, pgStore, tgClient)
	eng := engine.New(pgStore, pgStore, pgStore, broker)
	reconciler := reconcile.New(eng, pgStore, pgStore, tgClient)

	sw := sweeper.NewSweeper(eng, pgStore, tgClient, sweeper.Config{
		Interval:     time.Duration(config.EnvInt("SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		ReminderLead: time.Duration(config.EnvInt("REMINDER_LEAD_HOURS", 24)) * time.Hour,
	})
	sw.Start()
	defer sw.Stop()

	h := handlers.NewHandlers(
		eng,
		reconciler,
		broker,
		pgStore,
		checkoutStore,
		pgStore,
		handlers.Config{
			ProviderToken: os.Getenv("YOOKASSA_PROVIDER_TOKEN"),
			AdminIDs:      config.EnvInt64List("ADMIN_USER_IDS"),
		},
	)

	middlewares := middleware.NewMiddlewares(pgStore)

	handlerChain := middlewares.RegisterSubscriberMiddleware(
		middlewares.AnalyzeUpdateMiddleware(
			h.MainHandler,
		),
	)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)

	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.PreCheckoutQuery != nil
	}, handlerChain)

	b.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.ChatJoinRequest != nil
	}, handlerChain)

	log.Println("Bot started. Press Ctrl+C to stop.")
	b.Start(ctx)
}

// seedPlans makes sure the configured plans exist. Prices are kopeks.
func seedPlans(ctx context.Context, plans types.PlanStore) error {
	seed := []types.Plan{
		{
			Name:         config.EnvStr("PLAN_BASIC_NAME", "Базовый"),
			Description:  config.EnvStr("PLAN_BASIC_DESCRIPTION", "Доступ к закрытому каналу на 30 дней"),
			Price:        config.EnvInt64("PLAN_BASIC_PRICE_KOPEKS", 49900),
			DurationDays: config.EnvInt("PLAN_BASIC_DURATION_DAYS", 30),
			ChannelID:    config.EnvInt64("PLAN_BASIC_CHANNEL_ID", 0),
		},
		{
			Name:         config.EnvStr("PLAN_PREMIUM_NAME", "Премиум"),
			Description:  config.EnvStr("PLAN_PREMIUM_DESCRIPTION", "Доступ к премиум-каналу на 30 дней"),
			Price:        config.EnvInt64("PLAN_PREMIUM_PRICE_KOPEKS", 99900),
			DurationDays: config.EnvInt("PLAN_PREMIUM_DURATION_DAYS", 30),
			ChannelID:    config.EnvInt64("PLAN_PREMIUM_CHANNEL_ID", 0),
		},
	}

	for _, p := range seed {
		if p.ChannelID == 0 {
			log.Printf("Plan %q has no channel id configured, skipping seed", p.Name)
			continue
		}
		if _, err := plans.UpsertPlan(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
