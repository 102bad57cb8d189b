package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"evalgo.org/metalpool/internal/rackrpc"
)

// RegisterPath is the region endpoint rack controllers announce themselves on.
const RegisterPath = "/api/v1/rackcontrollers"

// Register announces this agent to the region once.
func (a *Agent) Register(ctx context.Context) error {
	if a.advertiseURL == "" {
		return fmt.Errorf("advertise URL is required to register")
	}

	payload, err := json.Marshal(rackrpc.RegisterRequest{
		ID:     a.id,
		URL:    a.advertiseURL,
		Secret: a.secret,
		Token:  a.token,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	url := strings.TrimRight(a.regionURL, "/") + RegisterPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.userToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.userToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("region returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	a.logger.Info("registered with region", zap.String("region", a.regionURL), zap.String("url", a.advertiseURL))
	return nil
}

// keepRegistered registers at start and re-registers every 30 seconds, so
// a restarted region learns about the agent again.
func (a *Agent) keepRegistered(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if err := a.Register(ctx); err != nil {
			a.logger.Warn("registration failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
