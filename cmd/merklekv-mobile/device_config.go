package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/merklekv/mobile/pkg/config"
)

// addDeviceFlags registers the flags common to every command that builds
// a device config, mirroring config.Config's fields.
func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().String("broker-host", "", "MQTT broker hostname (required)")
	cmd.Flags().Int("broker-port", 0, "MQTT broker port (defaults to 1883, or 8883 with --use-tls)")
	cmd.Flags().Bool("use-tls", false, "Connect to the broker over TLS")
	cmd.Flags().String("username", "", "MQTT username")
	cmd.Flags().String("password", "", "MQTT password")
	cmd.Flags().String("client-id", "", "Device client id (required, used in topic paths)")
	cmd.Flags().String("node-id", "", "Replica node id for LWW ordering (required)")
	cmd.Flags().String("topic-prefix", "", "MQTT topic prefix (default mkv)")
	cmd.Flags().Bool("persistence", false, "Enable the append-only storage log")
	cmd.Flags().String("storage-path", "", "Directory for the storage log and digest cache")
	cmd.Flags().String("offline-queue-path", "", "SQLite file for the offline operation queue")
}

// loadDeviceConfig builds a config.Config from (in increasing priority) a
// YAML file named by --config, then this command's flags.
func loadDeviceConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	opts := config.Config{
		BrokerHost:         v.GetString("broker-host"),
		BrokerPort:         v.GetInt("broker-port"),
		UseTLS:             v.GetBool("use-tls"),
		Username:           v.GetString("username"),
		Password:           v.GetString("password"),
		ClientID:           v.GetString("client-id"),
		NodeID:             v.GetString("node-id"),
		TopicPrefix:        v.GetString("topic-prefix"),
		PersistenceEnabled: v.GetBool("persistence"),
		StoragePath:        v.GetString("storage-path"),
		OfflineQueuePath:   v.GetString("offline-queue-path"),
	}

	return config.New(opts)
}
