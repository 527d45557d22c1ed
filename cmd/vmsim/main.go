// Command vmsim wires the paging core's subsystems together and serves
// its diagnostics endpoint, the way the teacher's cmd/memoria/main.go
// wires utils.Modulo and its HTTP server — rebuilt on
// github.com/spf13/cobra instead of a bare os.Args[1] check, since a
// single binary here has more than one thing to do (run, report stats).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/go-vmcore/vmcore/internal/config"
	"github.com/go-vmcore/vmcore/internal/debugserver"
	"github.com/go-vmcore/vmcore/internal/frame"
	"github.com/go-vmcore/vmcore/internal/loader"
	"github.com/go-vmcore/vmcore/internal/logging"
	"github.com/go-vmcore/vmcore/internal/swap"
)

func main() {
	root := &cobra.Command{
		Use:   "vmsim",
		Short: "Demand-paging virtual memory core simulator",
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the paging core and its diagnostics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVMSim(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/vmsim.json", "path to the JSON configuration file")
	return cmd
}

func runVMSim(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel, "vmsim")

	dev, err := swap.OpenFileDevice(cfg.SwapFilePath, uint(cfg.SwapSlots), cfg.PageSize)
	if err != nil {
		return fmt.Errorf("vmsim: open swap device: %w", err)
	}
	swapAlloc := swap.New(dev, uint(cfg.SwapSlots), cfg.PageSize, cfg.SwapDelay())

	pool, err := frame.NewMMapPool(cfg.FrameCount, cfg.PageSize)
	if err != nil {
		return fmt.Errorf("vmsim: build frame pool: %w", err)
	}
	policy := frame.Clock
	if cfg.ReplacementPolicy == "fifo" {
		policy = frame.FIFO
	}
	frames := frame.NewTable(pool, swapAlloc, policy)

	registry := loader.NewRegistry()

	diag := debugserver.New(cfg.DiagAddr, frames, swapAlloc, registry)
	return diag.Start()
}

func newStatsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Poll a running vmsim instance's diagnostics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStats(addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "http://localhost:9191", "base URL of the vmsim diagnostics server")
	return cmd
}
