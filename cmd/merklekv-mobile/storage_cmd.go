package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/merklekv/mobile/pkg/storage"
)

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Offline storage log maintenance",
}

var storageCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Replay the storage log and count tombstones past their retention window (the log file is not rewritten)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.PersistenceEnabled {
			return fmt.Errorf("storage compact: device config has persistence disabled, nothing to replay")
		}

		wal, err := storage.OpenWAL(filepath.Join(cfg.StoragePath, "storage.wal"))
		if err != nil {
			return fmt.Errorf("open storage log: %w", err)
		}
		defer wal.Close()

		engine, err := storage.New(storage.Options{
			SkewMaxFuture:      time.Duration(cfg.SkewMaxFutureMs) * time.Millisecond,
			TombstoneRetention: cfg.TombstoneRetention(),
			Log:                wal,
		})
		if err != nil {
			return fmt.Errorf("replay storage log: %w", err)
		}

		before := engine.Len()
		dropped := engine.CompactTombstones(time.Now())
		fmt.Printf("replayed %d entries (tombstones included), %d expired tombstones\n", before, dropped)
		return nil
	},
}

func init() {
	addDeviceFlags(storageCompactCmd)
	storageCmd.AddCommand(storageCompactCmd)
}
