package main

import (
	"fmt"

	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/cache"
	"github.com/zulandar/agrilink/internal/config"
	"github.com/zulandar/agrilink/internal/consult"
	"github.com/zulandar/agrilink/internal/daemon"
	"github.com/zulandar/agrilink/internal/db"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/live"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/transport"
)

// client bundles what one-shot commands need. The socket is never
// connected; commands use REST only.
type client struct {
	cfg     *config.Config
	session *auth.Session
	gw      *gateway.Client
	store   *consult.Store
	room    *live.Room
	cache   *cache.Cache
}

// loadConfig reads the config file and configures logging from it.
func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: logger.LogFormat(cfg.Log.Format)})
	return cfg, nil
}

// newGateway builds a REST client with an empty session.
func newGateway(cfg *config.Config) (*auth.Session, *gateway.Client, error) {
	session := auth.NewSession(nil)
	gw, err := gateway.New(gateway.ClientOpts{
		BaseURL: cfg.Backend.BaseURL,
		Session: session,
		Timeout: cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return session, gw, nil
}

// connect loads config, logs in with the configured credentials and builds
// the session store on top of the local cache.
func connect(configPath string) (*client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, daemon.ErrNotLoggedIn
	}
	session, gw, err := newGateway(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := session.Login(daemon.CredentialsFromConfig(cfg)); err != nil {
		return nil, fmt.Errorf("configured credentials: %w", err)
	}

	target := cfg.Cache.Path
	if cfg.Cache.Driver == db.DriverMySQL {
		target = cfg.Cache.DSN
	}
	c, err := cache.Open(cfg.Cache.Driver, target, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	tm, err := transport.New(transport.ManagerOpts{BaseURL: cfg.Backend.BaseURL})
	if err != nil {
		c.Close()
		return nil, err
	}
	store, err := consult.NewStore(consult.StoreOpts{
		Gateway:      gw,
		Emitter:      tm,
		Identity:     session,
		Sink:         c,
		MediaBaseURL: cfg.Backend.MediaBaseURL,
		Policy:       consult.Policy{AllowExpertAfterEnd: cfg.Policy.ExpertMaySendAfterEnd()},
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	room, err := live.NewRoom(live.RoomOpts{Gateway: gw, Emitter: tm, Sink: c})
	if err != nil {
		c.Close()
		return nil, err
	}
	return &client{cfg: cfg, session: session, gw: gw, store: store, room: room, cache: c}, nil
}

func (c *client) Close() error {
	return c.cache.Close()
}
