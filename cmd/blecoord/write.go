package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/srg/blecoord/coordinator"
	"github.com/srg/blecoord/device"
	"github.com/srg/blecoord/internal/adapter/goble"
)

var writeCmd = &cobra.Command{
	Use:   "write <address> <characteristic> <hex-payload>",
	Short: "Auto-connect and write a payload to a characteristic",
	Long: `Register the peripheral, wait until the session is write-ready, then
enqueue the payload on the ordered queue and await its outcome.`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var writeNoAck bool

func init() {
	writeCmd.Flags().BoolVar(&writeNoAck, "no-ack", false, "Write without acknowledgement")
}

func runWrite(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig(cmd)
	if err != nil {
		return err
	}

	payload, err := hex.DecodeString(args[2])
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
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

	d, err := engine.Register(args[0], nil)
	if err != nil {
		return err
	}
	engine.EnableAutoConnect(d)

	// Wait for the session to come up.
	for !d.WriteReady() {
		select {
		case <-d.Readiness():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	req := device.NewWriteRequest(args[1], payload, writeNoAck)
	d.Connection().Enqueue(req)

	if err := req.Await(ctx); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	fmt.Printf("wrote %d byte(s) to %s\n", len(payload), args[1])
	return nil
}
