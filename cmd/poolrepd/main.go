package main

import (
	"fmt"
	"os"

	"github.com/danmuck/poolrep/internal/config"
	"github.com/danmuck/poolrep/internal/daemon"
	"github.com/danmuck/poolrep/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "poolrepd",
	Short:        "serve replica pools to remote nodes",
	SilenceUsage: true,
	RunE:         runServe,
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "write a starter poolrepd.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "poolrepd.toml"
		if len(args) == 1 {
			path = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteTemplate(path, "daemon", force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "poolrepd.toml", "daemon config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace..error)")
	initCmd.Flags().Bool("force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logging.ConfigureRuntime()
	logging.ForApp("poolrepd")
	if logLevel != "" && !logging.SetLevel(logLevel) {
		return fmt.Errorf("unknown log level %q", logLevel)
	}

	fileCfg, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}
	dcfg, err := fileCfg.Daemon()
	if err != nil {
		return err
	}
	reg, err := fileCfg.Storage.OpenRegistry()
	if err != nil {
		return err
	}
	svc := daemon.New(dcfg, reg)
	if err := reg.Close(); err != nil {
		return err
	}
	log.Info().
		Str("node", dcfg.NodeID).
		Str("storage", storageLabel(fileCfg.Storage)).
		Int("max_lanes", dcfg.MaxLanes).
		Str("security_mode", string(dcfg.Transport.SecurityMode)).
		Msg("poolrepd starting")
	return svc.Run()
}

func storageLabel(s config.StorageConfig) string {
	if s.Dir != "" {
		return "file:" + s.Dir
	}
	if s.Capacity == "" {
		return "memory"
	}
	return "memory:" + s.Capacity
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "poolrepd: %v\n", err)
		os.Exit(1)
	}
}
