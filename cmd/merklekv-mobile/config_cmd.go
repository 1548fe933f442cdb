package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate device configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a device config, apply defaults, and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceConfig(cmd)
		if err != nil {
			return err
		}

		raw, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("render config: %w", err)
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	addDeviceFlags(configValidateCmd)
	configCmd.AddCommand(configValidateCmd)
}
