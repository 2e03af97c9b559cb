package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/blecoord/coordinator"
	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/adapter"
	"github.com/srg/blecoord/internal/adapter/goble"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor <address>",
	Short: "Auto-connect a peripheral and watch its session",
	Long: `Register the peripheral, enable auto-connect and print connection
state transitions, discovered services and write-readiness changes until
interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

// consoleListener prints session progress for the monitored device.
type consoleListener struct {
	ready *color.Color
}

func (l *consoleListener) OnDeviceStateChange(d *device.Device, state device.State) {
	fmt.Printf("%s state: %s\n", d.Identity(), state)
}

func (l *consoleListener) OnServicesDiscovered(d *device.Device, services []adapter.Service) {
	l.ready.Printf("%s services:\n", d.Identity())
	for _, svc := range services {
		fmt.Printf("  %s (%d characteristics)\n", svc.UUID, len(svc.Characteristics))
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
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

	engine := coordinator.New(cfg, radio, logger)
	engine.Start(ctx)
	defer engine.Stop()

	d, err := engine.Register(args[0], &consoleListener{ready: color.New(color.FgGreen)})
	if err != nil {
		return err
	}
	engine.EnableAutoConnect(d)

	for {
		select {
		case ready := <-d.Readiness():
			if ready {
				fmt.Println("write-ready")
			} else {
				fmt.Println("not write-ready")
			}
		case <-ctx.Done():
			return nil
		}
	}
}
