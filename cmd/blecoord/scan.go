package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecoord/cache"
	"github.com/srg/blecoord/coordinator"
	"github.com/srg/blecoord/internal/adapter/goble"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan and watch the peripheral cache",
	Long: `Run the scan loop and print cache membership changes as peripherals
appear and their entries age out.`,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Stop after this long (0 runs until interrupted)")
}

var (
	addedTag   = color.New(color.FgGreen).Sprint("+")
	removedTag = color.New(color.FgRed).Sprint("-")
)

func runScan(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	radio, err := goble.New(logger, nil)
	if err != nil {
		return fmt.Errorf("failed to open BLE radio: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if scanDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}

	engine := coordinator.New(cfg, radio, logger)
	engine.Start(ctx)
	defer engine.Stop()

	for {
		select {
		case ev := <-engine.Cache().Events():
			tag := addedTag
			if ev.Type == cache.EventRemoved {
				tag = removedTag
			}
			name := ev.Advertisement.Name
			if !ev.Advertisement.HasName() {
				name = "(unnamed)"
			}
			fmt.Printf("%s %-20s %s rssi=%d\n", tag, ev.Advertisement.Identity, name, ev.Advertisement.RSSI)
		case <-ctx.Done():
			fmt.Printf("\n%d peripheral(s) in cache\n", engine.Cache().Len())
			return nil
		}
	}
}
