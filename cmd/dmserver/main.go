package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/friendchat/internal/app"
	"github.com/whisper/friendchat/internal/config"
	"github.com/whisper/friendchat/internal/gateway"
	"github.com/whisper/friendchat/internal/httpapi"
	"github.com/whisper/friendchat/internal/logging"
	"github.com/whisper/friendchat/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty).With().Str("server", cfg.ServerName).Logger()
	if err := cfg.ValidateServer(); err != nil {
		log.Fatal().Err(err).Msg("invalid server config")
	}
	proxies, err := cfg.WS.ProxyRanges()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server config")
	}

	components, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start components")
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.WS.ListenAddr
	wsConfig.MaxConnections = cfg.WS.MaxConnections
	wsConfig.ReadTimeout = cfg.WS.ReadTimeout
	wsConfig.WriteTimeout = cfg.WS.WriteTimeout
	wsConfig.TrustedProxies = proxies

	log.Info().
		Str("ws_addr", wsConfig.ListenAddr).
		Str("http_addr", cfg.HTTP.ListenAddr).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Int("trusted_proxies", len(proxies)).
		Int("max_connections", wsConfig.MaxConnections).
		Int("send_max_retries", cfg.Chat.SendMaxRetries).
		Msg("friendchat server starting")

	dispatcher := ws.NewMessageDispatcher(log)
	server := ws.NewServer(wsConfig, components.Sessions, components.Limiter, log, dispatcher.Dispatch)

	gw := gateway.New(dispatcher, components.Chats, components.Hub, components.Sessions, components.Limiter, log)
	gw.Register()
	server.SetOnDisconnect(gw.Disconnect)

	api := httpapi.New(httpapi.Options{
		Friends:       components.Friends,
		Conversations: components.Chats,
		Contacts:      components.Discovery,
		Users:         components.Users,
		Limiter:       components.Limiter,
		Logger:        log,
		MessageWindow: cfg.Chat.MessageWindow,
		SearchLimit:   cfg.Chat.SearchResultLimit,
	})

	go func() {
		if err := api.Start(cfg.HTTP.ListenAddr); err != nil {
			log.Fatal().Err(err).Msg("http api error")
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := api.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http api shutdown error")
		}
		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("ws shutdown error")
		}
		components.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
