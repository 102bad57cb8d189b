package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"evalgo.org/metalpool/agent"
	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/logging"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Start the rack controller agent",
	Long: `Start the rack controller agent. It serves power and disk erasure RPCs
for the machines of its rack and registers itself with the region.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("id", "", "rack controller id")
	agentCmd.Flags().String("listen", "", "RPC listen address")
	agentCmd.Flags().String("advertise-url", "", "URL the region uses to reach this agent")
	agentCmd.Flags().String("region-url", "", "metalpool API server URL")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("agent.id", agentCmd.Flags().Lookup("id"))                       //nolint:errcheck
	_ = viper.BindPFlag("agent.listen", agentCmd.Flags().Lookup("listen"))               //nolint:errcheck
	_ = viper.BindPFlag("agent.advertise_url", agentCmd.Flags().Lookup("advertise-url")) //nolint:errcheck
	_ = viper.BindPFlag("agent.region_url", agentCmd.Flags().Lookup("region-url"))       //nolint:errcheck
}

// agentUserToken returns the token the agent registers with. A configured
// token wins; otherwise one is signed when the region enforces auth.
func agentUserToken(c *config.Config) (string, error) {
	if c.Agent.AgentToken != "" {
		return c.Agent.AgentToken, nil
	}
	if !c.Security.AuthEnabled || c.Security.AgentTokenSecret == "" {
		return "", nil
	}
	// Generate a long-lived token (7 days); the agent restarts well within that
	token, err := auth.GenerateAgentToken(c.Security.AgentTokenSecret, c.Agent.ID, 7*24*time.Hour)
	if err != nil {
		return "", fmt.Errorf("failed to generate agent token: %w", err)
	}
	return token, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	userToken, err := agentUserToken(cfg)
	if err != nil {
		return err
	}

	a, err := agent.New(agent.Config{
		ID:            cfg.Agent.ID,
		AdvertiseURL:  cfg.Agent.AdvertiseURL,
		RegionURL:     cfg.Agent.RegionURL,
		Secret:        cfg.Agent.Secret,
		Token:         cfg.Agent.RPCToken,
		UserToken:     userToken,
		EraseDuration: cfg.Agent.EraseDuration,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	logger.Info("starting rack controller agent",
		zap.String("version", rootCmd.Version),
		zap.String("id", a.ID()),
		zap.String("region", cfg.Agent.RegionURL),
		zap.String("advertise", cfg.Agent.AdvertiseURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx, cfg.Agent.Listen); err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
