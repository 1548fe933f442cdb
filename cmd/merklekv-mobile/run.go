package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/merklekv/mobile/pkg/client"
	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/obshttp"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect a device and serve it until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadDeviceConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		c, err := client.New(cfg)
		if err != nil {
			return fmt.Errorf("build device: %w", err)
		}
		defer c.Close()

		obsAddr, _ := cmd.Flags().GetString("obs-addr")
		obs := obshttp.NewServer(obsAddr, c.Health)
		errCh := obs.Start()
		log.Info(fmt.Sprintf("observability endpoints listening on http://%s", obsAddr))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.SyncTimeout())
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		log.Info(fmt.Sprintf("device %s connected as node %s to %s:%d", cfg.ClientID, cfg.NodeID, cfg.BrokerHost, cfg.BrokerPort))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			if err != nil {
				log.Errorf("observability server error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Errorf("observability server shutdown", err)
		}
		if err := c.Disconnect(shutdownCtx); err != nil {
			log.Errorf("disconnect", err)
		}
		return nil
	},
}

func init() {
	addDeviceFlags(runCmd)
	runCmd.Flags().String("obs-addr", "127.0.0.1:9090", "Address for the /metrics, /health, /ready, /live endpoints")
}
