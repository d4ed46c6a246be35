// Package app wires the friendchat components from a Config. It is shared by
// dmserver and dmctl so both run against identical stores.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/friendchat/internal/chat"
	"github.com/whisper/friendchat/internal/config"
	"github.com/whisper/friendchat/internal/contacts"
	"github.com/whisper/friendchat/internal/directory"
	"github.com/whisper/friendchat/internal/friend"
	"github.com/whisper/friendchat/internal/messaging"
	"github.com/whisper/friendchat/internal/phone"
	"github.com/whisper/friendchat/internal/profile"
	"github.com/whisper/friendchat/internal/ratelimit"
	"github.com/whisper/friendchat/internal/session"
	"github.com/whisper/friendchat/internal/subscription"
)

// UserStore is a writable user directory.
type UserStore interface {
	profile.Directory
	Upsert(ctx context.Context, rec profile.UserRecord) error
}

// App holds every constructed component.
type App struct {
	Config    config.Config
	Redis     *redis.Client
	Bus       messaging.Bus
	Feed      *messaging.Feed
	Users     UserStore
	Profiles  *profile.Resolver
	Chats     *chat.Store
	Friends   *friend.Manager
	Discovery *contacts.Discovery
	Hub       *subscription.Hub
	Limiter   *ratelimit.Limiter
	Sessions  *session.Store

	closers []func()
}

// Build connects to Redis, the change-feed transport and the user directory
// and constructs the components on top of them. An empty NATS URL selects
// the in-process bus; an empty DSN selects the in-memory directory, filled
// from the configured seed file.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { a.Redis.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := a.Redis.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: redis ping %s: %w", cfg.Redis.Addr, err)
	}

	if cfg.NATS.URL == "" {
		log.Warn().Msg("no NATS url configured, change feed is local to this process")
		a.Bus = messaging.NewLocalBus()
	} else {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = cfg.ServerName
		nc, err := messaging.NewNATSClient(natsCfg, log)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.Bus = nc
	}
	a.closers = append(a.closers, a.Bus.Close)

	if cfg.DB.DSN == "" {
		var seed []profile.UserRecord
		if cfg.DB.SeedFile != "" {
			if seed, err = directory.LoadSeed(cfg.DB.SeedFile); err != nil {
				a.Close()
				return nil, fmt.Errorf("app: %w", err)
			}
		}
		log.Warn().Int("users", len(seed)).Msg("no directory DSN configured, using in-memory user directory")
		a.Users = directory.NewMemory(seed...)
	} else {
		if cfg.DB.Migrate {
			if err := directory.Migrate(cfg.DB.DSN); err != nil {
				a.Close()
				return nil, err
			}
			log.Info().Msg("directory schema migrated")
		}
		pg, err := directory.Open(ctx, cfg.DB.DSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Users = pg
		a.closers = append(a.closers, func() { pg.Close() })
	}

	a.Feed = messaging.NewFeed(a.Bus, log)
	a.Profiles = profile.NewResolver(a.Users)
	a.Chats = chat.NewStore(a.Redis, a.Profiles, a.Feed, log, chat.Options{MaxRetries: cfg.Chat.SendMaxRetries})
	a.Friends = friend.NewManager(a.Redis, a.Profiles, a.Feed, log)
	a.Discovery = contacts.NewDiscovery(a.Users, phone.Policy{SuffixDigits: cfg.Chat.PhoneSuffixDigits}, cfg.Chat.ContactPageSize, log)
	a.Hub = subscription.NewHub(a.Feed, a.Friends, a.Chats, log)
	a.Limiter = ratelimit.NewLimiter(a.Redis, log)
	a.Sessions = session.NewStore(a.Redis, cfg.ServerName)
	return a, nil
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
