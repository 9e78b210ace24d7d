// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/ppn/reconnect"
	"github.com/google/ppn/types/logger"
)

// defaultSocketPath is where the connect subcommand listens and the
// status/stop subcommands dial, analogous to the teacher's own
// LocalAPI unix socket convention.
func defaultSocketPath() string {
	if s := os.Getenv("PPNC_SOCKET"); s != "" {
		return s
	}
	return filepath.Join(os.TempDir(), "ppnc.sock")
}

// controlRequest is the one-line JSON request the status/stop
// subcommands send over the control socket.
type controlRequest struct {
	Command string `json:"command"`
}

// controlResponse is the one-line JSON reply.
type controlResponse struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	State   string `json:"state,omitempty"`
}

// runControlServer accepts connections on ln until the caller closes
// it, dispatching each request against r. It runs in
// its own goroutine; connect's main loop is unaffected by slow or
// misbehaving clients since each connection is handled independently.
func runControlServer(ln net.Listener, r *reconnect.Reconnector, logf logger.Logf, onStop func()) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go handleControlConn(conn, r, logf, onStop)
	}
}

func handleControlConn(conn net.Conn, r *reconnect.Reconnector, logf logger.Logf, onStop func()) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	var req controlRequest
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeControlResponse(conn, controlResponse{Ok: false, Message: fmt.Sprintf("bad request: %v", err)})
		return
	}

	switch req.Command {
	case "status":
		info := r.DebugInfo()
		writeControlResponse(conn, controlResponse{Ok: true, State: info.State.String()})
	case "stop":
		logf("ppnc: stop requested over control socket")
		writeControlResponse(conn, controlResponse{Ok: true, Message: "stopping"})
		onStop()
	default:
		writeControlResponse(conn, controlResponse{Ok: false, Message: "unknown command " + req.Command})
	}
}

func writeControlResponse(conn net.Conn, resp controlResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = conn.Write(b)
}

// sendControlCommand dials path, sends command, and returns the
// decoded response. Used by the status and stop subcommands.
func sendControlCommand(path, command string) (*controlResponse, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("cmd/ppnc: no running connect process at %s: %w", path, err)
	}
	defer conn.Close()

	req, err := json.Marshal(controlRequest{Command: command})
	if err != nil {
		return nil, err
	}
	req = append(req, '\n')
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cmd/ppnc: no response from control socket")
	}
	var resp controlResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
