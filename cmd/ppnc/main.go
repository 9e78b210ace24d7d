// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Command ppnc is a standalone CLI driving the engine's Reconnector,
// per SPEC_FULL.md's cmd/ppnc entry point.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/google/ppn/ppncfg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ppnc",
		Short: "Drive the PPN control-plane engine from the command line",
	}
	root.AddCommand(newConnectCmd(), newStatusCmd(), newStopCmd())
	return root
}

func newConnectCmd() *cobra.Command {
	var configPath, socketPath string
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Provision and maintain a session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(configPath, socketPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the engine JSON config (required)")
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path for status/stop")
	cmd.MarkFlagRequired("config")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report the running connect process's session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlCommand(socketPath, "status")
			if err != nil {
				return err
			}
			if !resp.Ok {
				return fmt.Errorf("cmd/ppnc: %s", resp.Message)
			}
			fmt.Println(resp.State)
			return nil
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path")
	return cmd
}

func newStopCmd() *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running connect process to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := sendControlCommand(socketPath, "stop")
			if err != nil {
				return err
			}
			if !resp.Ok {
				return fmt.Errorf("cmd/ppnc: %s", resp.Message)
			}
			fmt.Println(resp.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", defaultSocketPath(), "control socket path")
	return cmd
}

func runConnect(configPath, socketPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("cmd/ppnc: reading config: %w", err)
	}
	cfg, err := ppncfg.Load(data)
	if err != nil {
		return fmt.Errorf("cmd/ppnc: loading config: %w", err)
	}

	logf := newLogf()
	runID := uuid.New()
	logf("ppnc: starting connect, run_id=%s", runID)

	observer := stdoutObserver{logf: logf}
	r := buildReconnector(cfg, logf, observer)

	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("cmd/ppnc: listening on control socket: %w", err)
	}
	defer os.Remove(socketPath)

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() {
		stopOnce.Do(func() { close(stopCh) })
	}
	go runControlServer(ln, r, logf, requestStop)

	r.Start()
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logf("ppnc: received signal %v, stopping", sig)
	case <-stopCh:
	}

	if err := r.Stop(); err != nil {
		logf("ppnc: stop error: %v", err)
		return err
	}
	return nil
}
