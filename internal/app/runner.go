package app

import (
	clts "aviatordash/clients"
	"aviatordash/config"
	"aviatordash/internal/state"
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Build info - populated from embedded VCS info at init time
var (
	BuildCommit = "dev"
	BuildTime   = "unknown"
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				if setting.Value != "" {
					BuildCommit = setting.Value
				}
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	}
}

// Runner wires the store, the Syncer, alert forwarding and the state
// server for the long-running dashboard process.
type Runner struct {
	clients     *clts.Clients
	cfg         *config.Config
	store       *state.Store
	syncer      *Syncer
	alerts      *AlertForwarder
	stateServer *StateServer
	startTime   time.Time
}

// ServiceStats holds comprehensive service statistics.
type ServiceStats struct {
	// Build info
	Build struct {
		Commit    string `json:"commit"`
		Time      string `json:"time,omitempty"`
		GoVersion string `json:"go_version"`
	} `json:"build"`

	// Service info
	StartTime string `json:"start_time"`
	Uptime    string `json:"uptime"`
	UptimeSec int64  `json:"uptime_seconds"`

	// Agent event channel stats
	WebSocket struct {
		Enabled        bool           `json:"enabled"`
		State          string         `json:"state"`
		Connected      bool           `json:"connected"`
		MessageCount   uint64         `json:"message_count"`
		Reconnects     uint64         `json:"reconnects"`
		LastMessageAt  string         `json:"last_message_at,omitempty"`
		LastMessageAgo string         `json:"last_message_ago,omitempty"`
		EventTypes     map[string]int `json:"event_types,omitempty"`
	} `json:"websocket"`

	// Pull activity
	Sync SyncStats `json:"sync"`

	// Agent summary from the store
	Agent struct {
		RunState       string   `json:"run_state"`
		Betting        bool     `json:"betting"`
		Strategy       string   `json:"strategy,omitempty"`
		Balance        *float64 `json:"balance,omitempty"`
		BetsPlaced     int      `json:"bets_placed"`
		WinRate        float64  `json:"win_rate"`
		TotalProfit    float64  `json:"total_profit"`
		LastUpdated    string   `json:"last_updated,omitempty"`
		FailingRecords []string `json:"failing_records,omitempty"`
	} `json:"agent"`

	// Alert forwarding
	Alerts AlertStats `json:"alerts"`

	// Notification status
	Notifications struct {
		DiscordEnabled   bool   `json:"discord_enabled"`
		DiscordChannelID string `json:"discord_channel_id,omitempty"`
		TelegramEnabled  bool   `json:"telegram_enabled"`
		TelegramChatID   string `json:"telegram_chat_id,omitempty"`
	} `json:"notifications"`

	// Runtime stats
	Runtime struct {
		Goroutines int    `json:"goroutines"`
		HeapAlloc  uint64 `json:"heap_alloc"`  // bytes currently allocated on heap
		HeapSys    uint64 `json:"heap_sys"`    // bytes obtained from system for heap
		HeapInuse  uint64 `json:"heap_inuse"`  // bytes in in-use spans
		StackInuse uint64 `json:"stack_inuse"` // bytes in stack spans
		NumGC      uint32 `json:"num_gc"`      // number of completed GC cycles
		LastGC     string `json:"last_gc"`     // time of last GC
		GoVersion  string `json:"go_version"`  // Go version
		NumCPU     int    `json:"num_cpu"`     // number of CPUs
		GOOS       string `json:"goos"`        // operating system
		GOARCH     string `json:"goarch"`      // architecture
	} `json:"runtime"`
}

func NewRunner(clients *clts.Clients, cfg *config.Config) *Runner {
	return newRunner(clients, cfg, clients.AgentAPI, clients.AgentEvents)
}

func newRunner(clients *clts.Clients, cfg *config.Config, api AgentAPI, events EventSource) *Runner {
	logger := clients.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store := state.NewStore(logger.Named("store"), cfg.Sync.MaxRecentResults)
	r := &Runner{
		clients:   clients,
		cfg:       cfg,
		store:     store,
		syncer:    NewSyncer(logger.Named("syncer"), cfg, api, events, store),
		alerts:    NewAlertForwarder(logger.Named("alerts"), cfg, clients.Notifier),
		startTime: time.Now(),
	}
	r.stateServer = NewStateServer(logger.Named("state_server"), r.syncer, r.GetStats)
	return r
}

// Syncer returns the runner's Syncer.
func (r *Runner) Syncer() *Syncer {
	return r.syncer
}

// Run keeps the store in sync with the agent until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	logger := r.clients.Logger

	logger.Info("starting agent dashboard",
		zap.String("apiURL", r.cfg.Agent.APIURL),
		zap.String("eventsURL", r.cfg.Agent.EventsURL),
		zap.Bool("alertsEnabled", r.alerts.Stats().Enabled),
		zap.Bool("stateServerEnabled", r.cfg.StateServer.Enabled),
	)

	unsubscribe := r.store.Subscribe(r.alerts.Listen)
	defer unsubscribe()

	if r.cfg.StateServer.Enabled {
		r.stateServer.Start(r.cfg.StateServer.Port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.alerts.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return r.syncer.Run(gctx)
	})

	<-gctx.Done()
	logger.Info("runner shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.stateServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("state server shutdown error", zap.Error(err))
	}

	return g.Wait()
}

// GetStats returns comprehensive service statistics.
func (r *Runner) GetStats() ServiceStats {
	var stats ServiceStats

	// Build info
	stats.Build.Commit = BuildCommit
	stats.Build.Time = BuildTime
	stats.Build.GoVersion = runtime.Version()

	// Service info
	stats.StartTime = r.startTime.UTC().Format(time.RFC3339)
	uptime := time.Since(r.startTime)
	stats.Uptime = uptime.Round(time.Second).String()
	stats.UptimeSec = int64(uptime.Seconds())

	snap := r.store.Snapshot()

	// Event channel stats
	stats.WebSocket.Enabled = r.clients.AgentEvents != nil
	stats.WebSocket.State = snap.Connection.State.String()
	stats.WebSocket.Connected = snap.Connection.Connected
	if r.clients.AgentEvents != nil {
		wsStats := r.clients.AgentEvents.Stats()
		stats.WebSocket.MessageCount = wsStats.MessageCount
		stats.WebSocket.Reconnects = wsStats.Reconnects
		stats.WebSocket.EventTypes = wsStats.EventTypes
		if !wsStats.LastMessageAt.IsZero() {
			stats.WebSocket.LastMessageAt = wsStats.LastMessageAt.UTC().Format(time.RFC3339)
			stats.WebSocket.LastMessageAgo = time.Since(wsStats.LastMessageAt).Round(time.Second).String()
		}
	}

	stats.Sync = r.syncer.Stats()

	// Agent summary
	stats.Agent.RunState = snap.Agent.RunState.String()
	stats.Agent.Betting = snap.Agent.IsBetting
	if snap.Strategy != nil {
		stats.Agent.Strategy = describeStrategy(snap.Strategy)
	}
	stats.Agent.Balance = snap.Agent.Balance
	stats.Agent.BetsPlaced = snap.Stats.BetsPlaced
	stats.Agent.WinRate = snap.Stats.WinRate()
	stats.Agent.TotalProfit = snap.Stats.TotalProfit
	if !snap.Agent.LastUpdated.IsZero() {
		stats.Agent.LastUpdated = snap.Agent.LastUpdated.UTC().Format(time.RFC3339)
	}
	for kind := range snap.PullErrors {
		stats.Agent.FailingRecords = append(stats.Agent.FailingRecords, kind.String())
	}
	slices.Sort(stats.Agent.FailingRecords)

	stats.Alerts = r.alerts.Stats()

	// Notification status
	stats.Notifications.DiscordEnabled = r.clients.Discord != nil && r.clients.Discord.Enabled()
	if stats.Notifications.DiscordEnabled {
		stats.Notifications.DiscordChannelID = r.cfg.Discord.ChannelID
	}
	stats.Notifications.TelegramEnabled = r.clients.Telegram != nil && r.clients.Telegram.Enabled()
	if stats.Notifications.TelegramEnabled {
		stats.Notifications.TelegramChatID = r.cfg.Telegram.ChatID
	}

	// Runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats.Runtime.Goroutines = runtime.NumGoroutine()
	stats.Runtime.HeapAlloc = memStats.HeapAlloc
	stats.Runtime.HeapSys = memStats.HeapSys
	stats.Runtime.HeapInuse = memStats.HeapInuse
	stats.Runtime.StackInuse = memStats.StackInuse
	stats.Runtime.NumGC = memStats.NumGC
	if memStats.LastGC > 0 {
		stats.Runtime.LastGC = time.Unix(0, int64(memStats.LastGC)).UTC().Format(time.RFC3339)
	}
	stats.Runtime.GoVersion = runtime.Version()
	stats.Runtime.NumCPU = runtime.NumCPU()
	stats.Runtime.GOOS = runtime.GOOS
	stats.Runtime.GOARCH = runtime.GOARCH

	return stats
}
