package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInitConfig,
}

var forceInit bool

func init() {
	initConfigCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")

	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# Metalpool Configuration

server:
  host: 0.0.0.0
  port: 5240
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

storage:
  path: /var/lib/metalpool
  in_memory: false

nats:
  enabled: false
  url: nats://127.0.0.1:4222
  subject_prefix: metalpool
  lock_bucket: metalpool_locks

allocation:
  lock_backend: local
  lock_ttl: 30s
  architectures:
    - amd64/generic
    - arm64/generic

power:
  rpc_timeout: 15s
  poll_interval: 5m
  poll_workers: 8
  queue_size: 1024

lifecycle:
  enable_disk_erasing_on_release: false
  max_commissioning_results: 10
  max_installation_results: 10
  erase_timeout: 30m

rack:
  # metalpool token hash-secret <secret>
  secret_hash: ""
  health_interval: 30s
  controllers: {}

agent:
  id: rack-01
  listen: 0.0.0.0:5248
  advertise_url: http://localhost:5248
  region_url: http://localhost:5240
  secret: ""

logging:
  level: info
  format: json
  output: stdout

tracing:
  enabled: false
  service_name: metalpool

security:
  auth_enabled: false
  jwt_secret: change-me-in-production
  jwt_expiration: 24h
  agent_token_secret: change-me-in-production
  rate_limit: 100
  allowed_origins:
    - "*"

inventory:
  file: ""
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	path := "config.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Created %s\n", path)
	return nil
}
