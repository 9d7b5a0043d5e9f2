package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/botfleet/internal/broadcast"
	"github.com/zulandar/botfleet/internal/chat"
	discordadapter "github.com/zulandar/botfleet/internal/chat/discord"
	slackadapter "github.com/zulandar/botfleet/internal/chat/slack"
	"github.com/zulandar/botfleet/internal/config"
	"github.com/zulandar/botfleet/internal/dashboard"
	"github.com/zulandar/botfleet/internal/db"
	"github.com/zulandar/botfleet/internal/gameclient"
	"github.com/zulandar/botfleet/internal/history"
	"github.com/zulandar/botfleet/internal/session"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet",
		Long: "Connects every account with auto_start enabled, keeps sessions alive with " +
			"backoff reconnects, and serves the operator API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "fleet.yaml", "path to fleet config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (overrides dashboard.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Dashboard.Port = port
	}
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		journal session.Journal
		hist    dashboard.History
		store   *history.Store
	)
	if cfg.History.Driver != "" {
		gormDB, err := db.Connect(cfg.History)
		if err != nil {
			return err
		}
		defer db.Close(gormDB)
		if err := db.AutoMigrate(gormDB); err != nil {
			return err
		}
		store, err = history.NewStore(history.StoreOpts{DB: gormDB, Keep: cfg.History.Keep})
		if err != nil {
			return err
		}
		journal, hist = store, store
		fmt.Fprintf(out, "History: %s\n", cfg.History.Driver)
	}

	// Background workers get their own context so they outlive the
	// dashboard long enough to record the final stops. The history flush
	// finishes before the database closes.
	workCtx, stopWork := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		stopWork()
		wg.Wait()
	}()
	if store != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Run(workCtx)
		}()
	}

	sessions := session.NewStore()
	relay := &chatRelay{}
	hub := broadcast.NewHub(broadcast.HubOpts{Counter: sessions, Presence: relay})
	defer hub.Close()
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(workCtx)
	}()

	dialer, err := newGameClient(cfg)
	if err != nil {
		return err
	}

	backoff := session.Backoff{
		Base:        cfg.Reconnect.BaseDelay(),
		Growth:      cfg.Reconnect.Growth,
		CapExponent: cfg.Reconnect.CapExponent,
		Max:         cfg.Reconnect.MaxDelay(),
	}
	ctrl, err := session.NewController(session.ControllerOpts{
		Store:         sessions,
		Dialer:        dialer,
		Backoff:       backoff,
		Resolve:       resolver(cfg),
		Publisher:     hub,
		Notifier:      relay,
		Chat:          relay,
		Journal:       journal,
		AutoReconnect: cfg.Reconnect.EnabledByDefault(),
		LogTail:       cfg.Dashboard.LogTail,
	})
	if err != nil {
		return err
	}
	defer ctrl.StopAll()
	fleet := &configuredFleet{Controller: ctrl, cfg: cfg}

	if cfg.Chat.Platform != "" {
		bridge, err := newChatBridge(cfg, fleet)
		if err != nil {
			return err
		}
		relay.set(bridge)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(workCtx); err != nil {
				fmt.Fprintf(out, "Chat bridge error: %v\n", err)
			}
		}()
	}

	ids := bootIDs(cfg)
	fmt.Fprintf(out, "Starting %d of %d accounts against %s\n", len(ids), len(cfg.Accounts), dialer.Addr())
	if err := ctrl.StartAll(ctx, ids); err != nil {
		fmt.Fprintf(out, "Some accounts failed to start: %v\n", err)
	}

	return dashboard.Start(ctx, dashboard.StartOpts{
		Fleet:   fleet,
		Feed:    hub,
		History: hist,
		Port:    cfg.Dashboard.Port,
		Version: Version,
		Out:     out,
	})
}

// newGameClient builds the gateway dialer, with device-code sign-in when any
// account uses microsoft auth.
func newGameClient(cfg *config.Config) (*gameclient.Client, error) {
	var tokens gameclient.TokenSource
	for _, a := range cfg.Accounts {
		if a.Auth != "microsoft" {
			continue
		}
		auth, err := gameclient.NewDeviceAuth(gameclient.AuthOpts{
			ClientID:      cfg.Auth.ClientID,
			Tenant:        cfg.Auth.Tenant,
			DeviceAuthURL: cfg.Auth.DeviceAuthURL,
			TokenURL:      cfg.Auth.TokenURL,
			Scopes:        cfg.Auth.Scopes,
		})
		if err != nil {
			return nil, err
		}
		tokens = auth
		break
	}
	return gameclient.New(gameclient.Options{
		GatewayURL:       cfg.Gateway.URL,
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		Version:          cfg.Server.Version,
		Tokens:           tokens,
		HandshakeTimeout: time.Duration(cfg.Gateway.HandshakeTimeout) * time.Second,
	})
}

// newChatBridge builds the platform adapter and the bridge around it.
func newChatBridge(cfg *config.Config, fleet chat.Fleet) (*chat.Bridge, error) {
	adapter, err := createAdapter(cfg)
	if err != nil {
		return nil, err
	}
	bindings := make(map[string]string)
	for _, a := range cfg.Accounts {
		if a.Channel != "" {
			bindings[a.ID] = a.Channel
		}
	}
	digest := ""
	if cfg.Chat.Digest.Enabled {
		digest = cfg.Chat.Digest.Cron
	}
	return chat.NewBridge(chat.BridgeOpts{
		Adapter:       adapter,
		Fleet:         fleet,
		Channel:       cfg.Chat.Channel,
		CommandPrefix: cfg.Chat.CommandPrefix,
		Bindings:      bindings,
		Presence:      cfg.Chat.PresenceEnabled(),
		DigestCron:    digest,
	})
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (chat.Adapter, error) {
	switch cfg.Chat.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Chat.Slack.AppToken,
			BotToken:  cfg.Chat.Slack.BotToken,
			ChannelID: cfg.Chat.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Chat.Discord.BotToken,
			ChannelID: cfg.Chat.Channel,
		})
	default:
		return nil, fmt.Errorf("chat: unsupported platform %q", cfg.Chat.Platform)
	}
}

// resolver maps account IDs to the identities in the config.
func resolver(cfg *config.Config) func(id string) session.Identity {
	return func(id string) session.Identity {
		a, ok := cfg.Account(id)
		if !ok {
			return session.Identity{AccountID: id, Username: id, Auth: "offline"}
		}
		return session.Identity{AccountID: a.ID, Username: a.Username, Auth: a.Auth}
	}
}

// bootIDs lists the accounts serve connects at startup, in config order.
func bootIDs(cfg *config.Config) []string {
	var ids []string
	for _, a := range cfg.Accounts {
		if a.StartsOnBoot() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// configuredFleet refuses to start accounts missing from the config.
type configuredFleet struct {
	*session.Controller
	cfg *config.Config
}

func (f *configuredFleet) Start(ctx context.Context, id string) error {
	if _, ok := f.cfg.Account(id); !ok {
		return fmt.Errorf("unknown account %q: %w", id, session.ErrNotFound)
	}
	return f.Controller.Start(ctx, id)
}

// chatRelay forwards controller and hub callbacks to the chat bridge once it
// exists. Until then, and when no platform is configured, they are dropped.
type chatRelay struct {
	mu     sync.RWMutex
	bridge *chat.Bridge
}

func (r *chatRelay) set(b *chat.Bridge) {
	r.mu.Lock()
	r.bridge = b
	r.mu.Unlock()
}

func (r *chatRelay) get() *chat.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bridge
}

func (r *chatRelay) Notify(n session.Notification) {
	if b := r.get(); b != nil {
		b.Notify(n)
	}
}

func (r *chatRelay) GameChat(accountID, text string) {
	if b := r.get(); b != nil {
		b.GameChat(accountID, text)
	}
}

func (r *chatRelay) SetPresence(ctx context.Context, online, total int) error {
	if b := r.get(); b != nil {
		return b.SetPresence(ctx, online, total)
	}
	return nil
}
