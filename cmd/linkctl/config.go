package main

import (
	"fmt"

	"github.com/danmuck/hostlink/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate hostlink.toml",
}

var configInitFlags struct {
	output string
	force  bool
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config template with every default spelled out",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(configInitFlags.output, configInitFlags.force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", configInitFlags.output)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load and validate a config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "valid: transport=%s socket=%s\n", cfg.Link.Transport, cfg.Link.SocketPath)
		return nil
	},
}

func init() {
	configInitCmd.Flags().StringVarP(&configInitFlags.output, "output", "o", "hostlink.toml", "output path")
	configInitCmd.Flags().BoolVar(&configInitFlags.force, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
