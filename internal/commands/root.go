package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"evalgo.org/metalpool/internal/config"
	"evalgo.org/metalpool/internal/version"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "metalpool",
	Short: "Bare-metal machine pool manager",
	Long: `Metalpool keeps a registry of physical machines, allocates them to
users by hardware constraints, drives them through their lifecycle and
controls their power through rack controller agents.

Run "metalpool server" for the region API and "metalpool agent" on every
rack controller.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")

	// These should never fail as flags are defined above
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))   //nolint:errcheck
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format")) //nolint:errcheck

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(machinesCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, viper.GetViper())
}

// applyFlagOverrides copies explicitly set flag values over the loaded
// configuration. Keys are only set when the flag was given.
func applyFlagOverrides(c *config.Config, v *viper.Viper) {
	overrides := map[string]*string{
		"logging.level":       &c.Logging.Level,
		"logging.format":      &c.Logging.Format,
		"agent.id":            &c.Agent.ID,
		"agent.listen":        &c.Agent.Listen,
		"agent.advertise_url": &c.Agent.AdvertiseURL,
		"agent.region_url":    &c.Agent.RegionURL,
		"storage.path":        &c.Storage.Path,
		"inventory.file":      &c.Inventory.File,
	}
	for key, target := range overrides {
		if v.IsSet(key) {
			*target = v.GetString(key)
		}
	}
	if v.IsSet("server.port") {
		c.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("storage.in_memory") {
		c.Storage.InMemory = v.GetBool("storage.in_memory")
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Fprintln(cmd.OutOrStdout(), info.String())

		if cmd.Flag("verbose").Changed {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nDetails:\n")
			fmt.Fprintf(out, "  Version:    %s\n", info.Version)
			fmt.Fprintf(out, "  Git Commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "  Built:      %s\n", info.BuildTime)
			fmt.Fprintf(out, "  Go Version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "  Platform:   %s\n", info.Platform)
		}
	},
}

func init() {
	versionCmd.Flags().BoolP("verbose", "v", false, "verbose version output")
}
