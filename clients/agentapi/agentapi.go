package agentapi

import (
	"aviatordash/config"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation names, used in logs and ApiError.Op.
const (
	OpGetConfig      = "get_config"
	OpUpdateConfig   = "update_config"
	OpGetElements    = "get_elements"
	OpUpdateElements = "update_elements"
	OpSetCredentials = "set_credentials"
	OpStartBot       = "start_bot"
	OpStopBot        = "stop_bot"
	OpGetStatus      = "get_status"
	OpGetStats       = "get_stats"
	OpStartBetting   = "start_betting"
	OpStopBetting    = "stop_betting"
	OpHealth         = "health"
	OpGetLogs        = "get_logs"
)

// AgentApiClient issues request/response calls to the agent control API.
// It never retries; callers own retry policy.
type AgentApiClient struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
}

func NewAgentApiClient(logger *zap.Logger, cfg *config.Config) *AgentApiClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Agent.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &AgentApiClient{
		logger: logger,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(cfg.Agent.APIURL, "/"),
	}
}

// GetConfig fetches the agent configuration.
func (c *AgentApiClient) GetConfig(ctx context.Context) (*BotConfig, error) {
	var cfg BotConfig
	if err := c.do(ctx, OpGetConfig, http.MethodGet, "/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UpdateConfig applies a partial configuration update and returns the
// configuration the agent ended up with.
func (c *AgentApiClient) UpdateConfig(ctx context.Context, patch ConfigPatch) (*BotConfig, error) {
	if patch.IsEmpty() {
		return nil, fmt.Errorf("config patch is empty")
	}

	var resp configResponse
	if err := c.do(ctx, OpUpdateConfig, http.MethodPut, "/config", patch, &resp); err != nil {
		return nil, err
	}
	return &resp.Config, nil
}

// GetElements fetches the page element selectors.
func (c *AgentApiClient) GetElements(ctx context.Context) (ElementMap, error) {
	var elements ElementMap
	if err := c.do(ctx, OpGetElements, http.MethodGet, "/elements", nil, &elements); err != nil {
		return nil, err
	}
	return elements, nil
}

// UpdateElements applies a partial selector update and returns the full map.
func (c *AgentApiClient) UpdateElements(ctx context.Context, patch ElementMap) (ElementMap, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("elements patch is empty")
	}

	var resp elementsResponse
	if err := c.do(ctx, OpUpdateElements, http.MethodPut, "/elements", patch, &resp); err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

// SetCredentials stores the site login on the agent.
func (c *AgentApiClient) SetCredentials(ctx context.Context, creds Credentials) (*Ack, error) {
	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	var ack Ack
	if err := c.do(ctx, OpSetCredentials, http.MethodPost, "/credentials", creds, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// StartBot asks the agent to start a session.
func (c *AgentApiClient) StartBot(ctx context.Context) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, OpStartBot, http.MethodPost, "/bot/start", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// StopBot asks the agent to stop its session.
func (c *AgentApiClient) StopBot(ctx context.Context) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, OpStopBot, http.MethodPost, "/bot/stop", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// GetStatus fetches the agent status record.
func (c *AgentApiClient) GetStatus(ctx context.Context) (*BotStatus, error) {
	var status BotStatus
	if err := c.do(ctx, OpGetStatus, http.MethodGet, "/bot/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// GetStats fetches the current session statistics.
func (c *AgentApiClient) GetStats(ctx context.Context) (*SessionStats, error) {
	var stats SessionStats
	if err := c.do(ctx, OpGetStats, http.MethodGet, "/bot/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// StartBetting starts betting with the given strategy and returns the
// strategy the agent accepted.
func (c *AgentApiClient) StartBetting(ctx context.Context, req BettingRequest) (*BettingStrategy, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.AutoCashout == 0 {
		req.AutoCashout = DefaultAutoCashout
	}

	var resp bettingResponse
	if err := c.do(ctx, OpStartBetting, http.MethodPost, "/betting/start", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Strategy, nil
}

// StopBetting stops betting.
func (c *AgentApiClient) StopBetting(ctx context.Context) (*Ack, error) {
	var ack Ack
	if err := c.do(ctx, OpStopBetting, http.MethodPost, "/betting/stop", nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Health fetches the agent liveness report.
func (c *AgentApiClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, OpHealth, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetLogs fetches the last n lines of the agent log.
func (c *AgentApiClient) GetLogs(ctx context.Context, lines int) ([]string, error) {
	if lines <= 0 {
		lines = 100
	}

	var resp logsResponse
	if err := c.do(ctx, OpGetLogs, http.MethodGet, fmt.Sprintf("/logs?lines=%d", lines), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// do performs one request and decodes a JSON response into dest.
// Expected failures come back as *ApiError.
func (c *AgentApiClient) do(ctx context.Context, op, method, path string, body, dest any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := c.logger.With(
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("requestID", requestID),
	)
	logger.Debug("agent api request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("agent api request failed",
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return &ApiError{Kind: KindNetwork, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("agent api response read failed",
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return &ApiError{Kind: KindNetwork, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode/100 != 2 {
		msg := remoteMessage(respBody, resp.StatusCode)
		logger.Warn("agent api rejected request",
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg),
			zap.Duration("took", time.Since(start)),
		)
		return &ApiError{Kind: KindRemote, Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if dest != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, dest); err != nil {
			logger.Warn("agent api response undecodable",
				zap.Int("status", resp.StatusCode),
				zap.Error(err),
			)
			return &ApiError{
				Kind:       KindRemote,
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    "undecodable response from agent",
				Err:        fmt.Errorf("decode json: %w", err),
			}
		}
	}

	logger.Debug("agent api request ok",
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
