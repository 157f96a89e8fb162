package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"jointfusion/pkg/config"
)

var initConfigPath string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file to edit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(initConfigPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default configuration to %s\n", initConfigPath)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initConfigPath, "config", "c", "jointfusion.yaml", "Path for the new configuration file")
	rootCmd.AddCommand(initCmd)
}
