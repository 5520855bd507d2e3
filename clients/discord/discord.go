package discord

import (
	"aviatordash/clients/notifier"
	"aviatordash/config"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const (
	colorInfo    = 0x3498DB
	colorSuccess = 0x2ECC71
	colorWarning = 0xF1C40F
	colorError   = 0xE74C3C
)

// DiscordClient sends alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   *discordgo.Session
	channelID string
}

func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	channelID := cfg.Discord.ChannelID

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
		}
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
		}
	}

	logger.Info("discord bot initialized", zap.String("channelID", channelID))

	return &DiscordClient{
		logger:    logger,
		session:   session,
		channelID: channelID,
	}
}

// Enabled reports whether alerts can be delivered.
func (dc *DiscordClient) Enabled() bool {
	return dc.session != nil && dc.channelID != ""
}

// SendAgentAlert sends a rich embedded agent alert.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) SendAgentAlert(alert notifier.AgentAlert) {
	if !dc.Enabled() {
		dc.logger.Debug("discord not configured, skipping alert", zap.String("kind", string(alert.Kind)))
		return
	}

	embed := buildAgentEmbed(alert)

	_, err := dc.session.ChannelMessageSendEmbed(dc.channelID, embed)
	if err != nil {
		dc.logger.Error("failed to send discord embed", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord agent alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("level", string(alert.Level)),
	)
}

func buildAgentEmbed(alert notifier.AgentAlert) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{
			Name:   "Agent",
			Value:  orNA(alert.RunState),
			Inline: true,
		},
		{
			Name:   "Balance",
			Value:  formatBalance(alert.Balance),
			Inline: true,
		},
	}

	switch alert.Kind {
	case notifier.AlertBetPlaced, notifier.AlertBetLost, notifier.AlertBettingStarted:
		if alert.Amount != 0 {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name:   "Amount",
				Value:  fmt.Sprintf("%.2f", alert.Amount),
				Inline: true,
			})
		}
	case notifier.AlertBetWon:
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Profit",
			Value:  formatSigned(alert.Profit),
			Inline: true,
		})
	case notifier.AlertPullFailed:
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Record",
			Value:  orNA(alert.Record),
			Inline: true,
		})
	}

	if alert.Strategy != "" {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Strategy",
			Value:  alert.Strategy,
			Inline: true,
		})
	}

	if alert.BetsPlaced > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name: "Session",
			Value: fmt.Sprintf("%d bets, %.1f%% won (%d-%d)\nProfit: %s",
				alert.BetsPlaced, alert.WinRate()*100, alert.Wins, alert.Losses, formatSigned(alert.TotalProfit)),
			Inline: true,
		})
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &discordgo.MessageEmbed{
		Title:       alertTitle(alert.Kind),
		Description: alert.Message,
		Color:       alertColor(alert),
		Fields:      fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("aviatordash * %s", ts.Local().Format("1/2/2006, 3:04:05PM (MST)")),
		},
		Timestamp: ts.Format(time.RFC3339),
	}
}

func alertColor(alert notifier.AgentAlert) int {
	switch alert.Level {
	case notifier.LevelError:
		return colorError
	case notifier.LevelWarning:
		return colorWarning
	}
	if alert.Kind == notifier.AlertBetWon {
		return colorSuccess
	}
	return colorInfo
}

func alertTitle(kind notifier.AlertKind) string {
	switch kind {
	case notifier.AlertStrategyFound:
		return "🎯 Strategy Found"
	case notifier.AlertBetPlaced:
		return "🎲 Bet Placed"
	case notifier.AlertBetWon:
		return "💰 Bet Won"
	case notifier.AlertBetLost:
		return "📉 Bet Lost"
	case notifier.AlertAgentError:
		return "🚨 Agent Error"
	case notifier.AlertAgentWarning:
		return "⚠️ Agent Warning"
	case notifier.AlertBotStarted:
		return "▶️ Bot Started"
	case notifier.AlertBotStopped:
		return "⏹️ Bot Stopped"
	case notifier.AlertBettingStarted:
		return "🟢 Betting Started"
	case notifier.AlertBettingStopped:
		return "🔴 Betting Stopped"
	case notifier.AlertPullFailed:
		return "📡 Agent Refresh Failed"
	}
	return "🔔 Agent Notification"
}

func formatBalance(b *float64) string {
	if b == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.2f", *b)
}

func formatSigned(v float64) string {
	if v < 0 {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("+%.2f", v)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
