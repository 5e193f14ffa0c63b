package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tribridge/tribridge/internal/config"
)

// SpamChecker asks a remote classifier whether a Telegram message is spam.
// Any failure is treated as "not spam" so a flaky endpoint never blocks the
// relay.
type SpamChecker struct {
	cfg    config.SpamCheckConfig
	client *http.Client
	logger *slog.Logger
}

// NewSpamChecker returns a checker bound to cfg. It is safe to call with a
// disabled config; IsSpam then always reports false.
func NewSpamChecker(cfg config.SpamCheckConfig, logger *slog.Logger) *SpamChecker {
	return &SpamChecker{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type spamCheckRequest struct {
	MessageID int64 `json:"message_id"`
	ChatID    int64 `json:"chat_id"`
	UserID    int64 `json:"user_id"`
}

type spamCheckResponse struct {
	IsSpam bool `json:"is_spam"`
}

// IsSpam waits the configured delay so the classifier has seen the message,
// then asks for a verdict.
func (s *SpamChecker) IsSpam(ctx context.Context, messageID, chatID, userID int64) bool {
	if !s.cfg.Enabled() {
		return false
	}

	select {
	case <-time.After(time.Duration(s.cfg.DelayMS) * time.Millisecond):
	case <-ctx.Done():
		return false
	}

	body, err := json.Marshal(spamCheckRequest{MessageID: messageID, ChatID: chatID, UserID: userID})
	if err != nil {
		return false
	}
	url := strings.TrimSuffix(s.cfg.BaseURL, "/") + "/check"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("spam check request failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("spam check request failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("spam check returned non-OK status", "status", fmt.Sprintf("%d", resp.StatusCode))
		return false
	}

	var verdict spamCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		s.logger.Warn("spam check response unreadable", "error", err)
		return false
	}
	if verdict.IsSpam {
		s.logger.Info("spam check flagged message", "message_id", messageID, "chat_id", chatID, "user_id", userID)
	}
	return verdict.IsSpam
}
