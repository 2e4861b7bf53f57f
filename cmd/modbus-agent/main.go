// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hootrhino/modbus-cloud-agent/internal/agent"
	"github.com/hootrhino/modbus-cloud-agent/internal/control"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	token := flag.String("token", "", "registration token issued by the control plane")
	authURL := flag.String("auth-url", "https://api.example.com/auth", "authentication endpoint")
	wsURL := flag.String("ws-url", "wss://api.example.com/ws", "control channel WebSocket endpoint")
	configURL := flag.String("config-url", "https://api.example.com/config", "active config endpoint")
	ingestURL := flag.String("ingest-url", "https://api.example.com/ingest", "data ingest endpoint")
	agentStatusURL := flag.String("agent-status-url", "https://api.example.com/agents", "agent status endpoint")
	apiKey := flag.String("api-key", "", "api key header for the agent status endpoint")
	bufferDir := flag.String("buffer-dir", ".modbus-agent-buffer", "directory for the offline buffer file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	if *token == "" {
		fmt.Fprintln(os.Stderr, "modbus-agent: --token is required")
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	a, err := agent.New(agent.Config{
		RegistrationToken: *token,
		Endpoints: control.Endpoints{
			AuthURL:        *authURL,
			WSURL:          *wsURL,
			ConfigURL:      *configURL,
			IngestURL:      *ingestURL,
			AgentStatusURL: *agentStatusURL,
			APIKey:         *apiKey,
		},
		BufferDir: *bufferDir,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("modbus-agent: failed to initialize", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("modbus-agent starting", "version", version)
	a.Run(ctx)
	logger.Info("modbus-agent stopped")
	return 0
}
