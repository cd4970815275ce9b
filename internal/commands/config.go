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
	Use:   "init",
	Short: "Initialize configuration file",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Security.JWTSecret != "" {
		shown.Security.JWTSecret = "********"
	}

	data, err := yaml.Marshal(shown)
	if err != nil {
		return err
	}

	fmt.Println(string(data))
	return nil
}

const defaultConfig = `# graphdeploy configuration

server:
  host: 0.0.0.0
  port: 3005
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
  debug: false

database:
  driver: sqlite            # sqlite or postgres
  url: file:graphdeploy.db?_pragma=busy_timeout(5000)
  max_open_conns: 10
  max_idle_conns: 5

redis:
  url: redis://localhost:6379/0

queue:
  name: deployments
  prefix: gdq
  attempts: 3
  backoff: 2s
  concurrency: 5
  lock_duration: 5m
  max_stalled_count: 5
  completed_retention: 1h

worker:
  poll_initial: 2s
  poll_multiplier: 1.5
  poll_max: 15s
  poll_timeout: 5m

deployments:
  max_per_project: 0        # 0 means unlimited

agents:
  url: ""                   # empty uses the stub agent client
  timeout: 10s

graph:
  url: ""
  timeout: 10s

codegen:
  url: ""
  timeout: 30s

scheduler:
  interval: 1m
  stale_after: 30m

logging:
  level: info
  format: json

security:
  rate_limit: 100
  allowed_origins:
    - "*"
  auth_enabled: false
  jwt_secret: change-me-in-production
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat("config.yaml"); err == nil {
		return fmt.Errorf("config.yaml already exists")
	}

	if err := os.WriteFile("config.yaml", []byte(defaultConfig), 0o600); err != nil {
		return err
	}

	fmt.Println("✓ Created config.yaml")
	return nil
}
