package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arcanum/internal/config"
	"arcanum/internal/costs"
	"arcanum/internal/craft"
	"arcanum/internal/delivery/discord"
	"arcanum/internal/llm"
	"arcanum/internal/pricing"
	"arcanum/internal/repository"
	"arcanum/internal/search"
	"arcanum/internal/selection"
	"arcanum/internal/sell"
	"arcanum/internal/session"
	"arcanum/internal/storage"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := llm.ValidatePrompts(); err != nil {
		log.Fatal().Err(err).Msg("prompts")
	}

	db, err := storage.NewSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	ctx := context.Background()

	if err := storage.RunMigrations(ctx, db, cfg.MigrationsDir, log); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	players := repository.NewPlayerRepository(db)
	items := repository.NewItemRepository(db)
	txns := repository.NewTransactionRepository(db)

	tracker := costs.NewTracker(db, cfg, log)
	if err := tracker.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("cost ledger")
	}

	sessions := session.NewStore(session.NewSQLiteBackend(db), log)
	if err := sessions.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("sessions")
	}

	completer := llm.NewAnthropicClient(cfg.ClaudeAPIKey, tracker, sessions, log)
	pricer := pricing.NewService(completer, cfg.Tier(cfg.DefaultTier).Model, log)

	selector := selection.NewEngine()
	sellEng := sell.NewEngine(sessions, completer, pricer, txns, cfg, log)
	craftEng := craft.NewEngine(completer, pricer, items, cfg, log)
	searchEng := search.NewEngine(sessions, completer, pricer, tracker, txns, cfg, log)

	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		log.Fatal().Err(err).Msg("discord session")
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentMessageContent

	handler := discord.NewHandler(cfg, sessions, players, items, txns, searchEng, sellEng, craftEng, selector, tracker, log)
	handler.Register(dg)

	if err := dg.Open(); err != nil {
		log.Fatal().Err(err).Msg("discord connect")
	}
	log.Info().Str("channel", cfg.GameChannelName).Msg("shop is open")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if err := sessions.Persist(ctx); err != nil {
		log.Error().Err(err).Msg("persist sessions on shutdown")
	}
	if err := dg.Close(); err != nil {
		log.Error().Err(err).Msg("discord close")
	}
}
