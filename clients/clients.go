package clients

import (
	"aviatordash/clients/agentapi"
	"aviatordash/clients/agentevents"
	"aviatordash/clients/discord"
	"aviatordash/clients/notifier"
	"aviatordash/clients/telegram"
	"aviatordash/config"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Discord     *discord.DiscordClient
	Telegram    *telegram.TelegramClient
	Notifier    notifier.Notifier // Combined notifier for all channels
	AgentAPI    *agentapi.AgentApiClient
	AgentEvents *agentevents.AgentEventsClient
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	discordClient := discord.NewDiscordClient(logger, cfg)
	telegramClient := telegram.NewTelegramClient(logger, cfg)

	// Only configured channels receive alerts
	var sinks []notifier.Notifier
	if discordClient.Enabled() {
		sinks = append(sinks, discordClient)
	}
	if telegramClient.Enabled() {
		sinks = append(sinks, telegramClient)
	}

	return &Clients{
		Logger:      logger,
		Discord:     discordClient,
		Telegram:    telegramClient,
		Notifier:    notifier.NewMultiNotifier(sinks...),
		AgentAPI:    agentapi.NewAgentApiClient(logger, cfg),
		AgentEvents: agentevents.NewAgentEventsClient(logger, cfg),
	}
}

// Close releases the notifier sessions. The event channel is closed by its owner.
func (c *Clients) Close() error {
	if c.Notifier == nil {
		return nil
	}
	return c.Notifier.Close()
}
