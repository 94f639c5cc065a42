// Chatwire
// Copyright (C) 2026 Chatwire Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command chatwire runs the connection gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/chatwire/chatwire"
	"github.com/chatwire/chatwire/lib/config"
	"github.com/chatwire/chatwire/lib/gateway"
	"github.com/chatwire/chatwire/lib/kvstore"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("chatwire", "Chatwire connection gateway.")
	debug := app.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()

	start := app.Command("start", "Start the gateway.")
	configPath := start.Flag("config", "Path to the YAML configuration file.").
		Short('c').Default("/etc/chatwire.yaml").String()

	version := app.Command("version", "Print the version and exit.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}
	switch command {
	case start.FullCommand():
		return trace.Wrap(onStart(*configPath, *debug))
	case version.FullCommand():
		fmt.Printf("Chatwire v%v\n", chatwire.Version)
	}
	return nil
}

func onStart(configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	cfg, err := fc.GatewayConfig()
	if err != nil {
		return trace.Wrap(err)
	}
	cfg.Log = log

	ctx := context.Background()
	store, err := kvstore.NewRedisStore(ctx, fc.RedisConfig())
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Close()
	cfg.Store = store

	g, err := gateway.New(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := g.Start(ctx); err != nil {
		return trace.Wrap(err)
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	log.Info("received signal, shutting down", "signal", sig.String())
	return trace.Wrap(g.Stop(ctx))
}
