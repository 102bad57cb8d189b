package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"evalgo.org/metalpool/internal/auth"
	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/models"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage authentication tokens",
	Long:  `Generate tokens for users and rack controller agents, and hash the rack registration secret.`,
}

var generateUserTokenCmd = &cobra.Command{
	Use:   "user [username]",
	Short: "Generate a user access token",
	Long: `Generate a JWT token for a user of the API.

The token is signed with security.jwt_secret and expires after
security.jwt_expiration.

Examples:
  # Token for an operator allowed to allocate and release
  metalpool token user alice

  # Administrator token
  metalpool token user root --role admin

  # Read-only token
  metalpool token user dashboard --role viewer`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerateUserToken,
}

var generateAgentTokenCmd = &cobra.Command{
	Use:   "agent [rack-id]",
	Short: "Generate a rack controller agent token",
	Long: `Generate a JWT token for rack controller agent authentication.

The token is signed with security.agent_token_secret and carries the agent
role only. By default, tokens expire after 1 year.

Examples:
  metalpool token agent rack-01
  metalpool token agent rack-01 --expiration 720
  metalpool token agent rack-01 --secret "my-custom-secret"`,
	Args: cobra.ExactArgs(1),
	RunE: runGenerateAgentToken,
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Hash the rack registration secret for rack.secret_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var (
	tokenExpiration int64
	tokenSecret     string
	tokenRoles      []string
)

func init() {
	generateAgentTokenCmd.Flags().Int64Var(&tokenExpiration, "expiration", 8760, "Token expiration in hours (default: 8760 = 1 year)")
	generateAgentTokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Agent token secret (default: from config file)")
	generateUserTokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{models.RoleUser}, "roles (admin, user, viewer)")

	tokenCmd.AddCommand(generateUserTokenCmd)
	tokenCmd.AddCommand(generateAgentTokenCmd)
	tokenCmd.AddCommand(hashSecretCmd)
}

func parseRoles(values []string) ([]models.Role, error) {
	roles := make([]models.Role, 0, len(values))
	for _, v := range values {
		switch role := strings.ToLower(strings.TrimSpace(v)); role {
		case models.RoleAdmin, models.RoleUser, models.RoleViewer:
			roles = append(roles, role)
		default:
			return nil, fmt.Errorf("unknown role %q (want admin, user or viewer)", v)
		}
	}
	return roles, nil
}

func runGenerateUserToken(cmd *cobra.Command, args []string) error {
	roles, err := parseRoles(tokenRoles)
	if err != nil {
		return err
	}
	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is not configured")
	}

	token, err := auth.NewJWTService(cfg.Security).GenerateToken(args[0], roles)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:       %s\n", args[0])
	fmt.Fprintf(out, "Roles:      %s\n", strings.Join(roles, ", "))
	fmt.Fprintf(out, "Expiration: %s\n", cfg.Security.JWTExpiration)
	fmt.Fprintf(out, "\nToken:\n%s\n", token)
	return nil
}

// agentTokenSecret picks the signing secret: flag, then the agent secret,
// then the JWT secret.
func agentTokenSecret(flag string, c *config.Config) string {
	if flag != "" {
		return flag
	}
	if c == nil {
		return ""
	}
	if c.Security.AgentTokenSecret != "" {
		return c.Security.AgentTokenSecret
	}
	return c.Security.JWTSecret
}

func runGenerateAgentToken(cmd *cobra.Command, args []string) error {
	rackID := args[0]

	secret := agentTokenSecret(tokenSecret, cfg)
	if secret == "" {
		return fmt.Errorf(`agent_token_secret not found in config file and --secret not provided

Please either:
  1. Add to your config.yaml:
     security:
       agent_token_secret: your-secret-here

  2. Or use the --secret flag:
     metalpool token agent %s --secret "your-secret-here"`, rackID)
	}

	expiration := time.Duration(tokenExpiration) * time.Hour
	token, err := auth.GenerateAgentToken(secret, rackID, expiration)
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}

	printAgentToken(cmd.OutOrStdout(), rackID, expiration, token)
	return nil
}

func printAgentToken(out io.Writer, rackID string, expiration time.Duration, token string) {
	fmt.Fprintf(out, "Agent Token Generated Successfully\n")
	fmt.Fprintf(out, "==================================\n\n")
	fmt.Fprintf(out, "Rack controller: %s\n", rackID)
	fmt.Fprintf(out, "Expiration:      %s\n", expiration)
	fmt.Fprintf(out, "\nToken:\n%s\n\n", token)
	fmt.Fprintf(out, "Add this to the agent configuration:\n")
	fmt.Fprintf(out, "  agent:\n")
	fmt.Fprintf(out, "    agent_token: %s\n\n", token)
	fmt.Fprintf(out, "Keep this token secure! It can register rack controllers and report machine results.\n")
}
