package telegram

import (
	"aviatordash/clients/notifier"
	"aviatordash/config"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramClient sends alerts to Telegram.
// Implements notifier.Notifier interface.
type TelegramClient struct {
	logger   *zap.Logger
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

func NewTelegramClient(logger *zap.Logger, cfg *config.Config) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	chatID := cfg.Telegram.ChatID

	token := cfg.Telegram.BotToken
	if token == "" {
		logger.Warn("TELEGRAM_BOT_KEY not set, Telegram alerts disabled")
		return &TelegramClient{
			logger:  logger,
			chatID:  chatID,
			apiBase: defaultAPIBase,
		}
	}

	logger.Info("telegram bot initialized", zap.String("chatID", chatID))

	return &TelegramClient{
		logger:   logger,
		botToken: token,
		chatID:   chatID,
		apiBase:  defaultAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether alerts can be delivered.
func (tc *TelegramClient) Enabled() bool {
	return tc.botToken != "" && tc.chatID != ""
}

// SendAgentAlert sends an agent alert notification.
// Implements notifier.Notifier interface.
func (tc *TelegramClient) SendAgentAlert(alert notifier.AgentAlert) {
	if !tc.Enabled() {
		tc.logger.Debug("telegram not configured, skipping alert", zap.String("kind", string(alert.Kind)))
		return
	}

	if err := tc.sendMessage(buildAlertMessage(alert)); err != nil {
		tc.logger.Error("failed to send telegram message", zap.Error(err))
		return
	}

	tc.logger.Info("sent telegram agent alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("level", string(alert.Level)),
	)
}

func buildAlertMessage(alert notifier.AgentAlert) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("*%s*\n", escapeMarkdown(alertTitle(alert))))
	if alert.Message != "" {
		sb.WriteString(fmt.Sprintf("%s\n", escapeMarkdown(alert.Message)))
	}
	sb.WriteString("\n")

	switch alert.Kind {
	case notifier.AlertBetPlaced, notifier.AlertBetLost, notifier.AlertBettingStarted:
		if alert.Amount != 0 {
			sb.WriteString(fmt.Sprintf("*Amount:* %.2f\n", alert.Amount))
		}
	case notifier.AlertBetWon:
		sign := "+"
		if alert.Profit < 0 {
			sign = ""
		}
		sb.WriteString(fmt.Sprintf("*Profit:* %s%.2f\n", sign, alert.Profit))
	case notifier.AlertPullFailed:
		sb.WriteString(fmt.Sprintf("*Record:* %s\n", escapeMarkdown(alert.Record)))
	}

	if alert.RunState != "" {
		sb.WriteString(fmt.Sprintf("*Agent:* %s\n", escapeMarkdown(alert.RunState)))
	}
	if alert.Balance != nil {
		sb.WriteString(fmt.Sprintf("*Balance:* %.2f\n", *alert.Balance))
	}
	if alert.Strategy != "" {
		sb.WriteString(fmt.Sprintf("*Strategy:* %s\n", escapeMarkdown(alert.Strategy)))
	}
	if alert.BetsPlaced > 0 {
		sb.WriteString(fmt.Sprintf("*Session:* %d bets, %.1f%% won (%d-%d), profit %.2f\n",
			alert.BetsPlaced, alert.WinRate()*100, alert.Wins, alert.Losses, alert.TotalProfit))
	}

	if !alert.Timestamp.IsZero() {
		sb.WriteString(fmt.Sprintf("\n_%s_", alert.Timestamp.Local().Format("Jan 2, 3:04:05 PM MST")))
	}

	return sb.String()
}

func alertTitle(alert notifier.AgentAlert) string {
	switch alert.Kind {
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

func (tc *TelegramClient) sendMessage(text string) error {
	url := fmt.Sprintf("%s/bot%s/%s", tc.apiBase, tc.botToken, "sendMessage")

	payload := map[string]interface{}{
		"chat_id":    tc.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := tc.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// Close cleans up resources. Implements notifier.Notifier interface.
func (tc *TelegramClient) Close() error {
	return nil
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
