// Copyright 2024 The Nichts Authors
// SPDX-License-Identifier: MIT

// Command zbd runs the store-session daemon: it opens a content-addressed
// build store, listens for JSON-RPC requests on a Unix domain socket (or
// on systemd-activated sockets), and realizes derivations as clients
// request them.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "zbd",
		Short:         "nichts build store daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultDaemonConfig()
	var configPaths []string
	rootCommand.PersistentFlags().StringArrayVar(&configPaths, "config", nil, "`path` to a configuration file (may be repeated)")
	rootCommand.PersistentFlags().StringVar(&g.Directory, "store", g.Directory, "`path` to the store directory")
	rootCommand.PersistentFlags().StringVar(&g.Socket, "socket", g.Socket, "`path` of the store-session Unix socket")
	rootCommand.PersistentFlags().StringVar(&g.AdminAddr, "admin", g.AdminAddr, "`address` to serve the admin status endpoint on (empty disables it)")
	rootCommand.PersistentFlags().Int64Var(&g.TotalRAM, "total-ram", g.TotalRAM, "bytes of RAM to budget across concurrent builds")
	showDebug := rootCommand.PersistentFlags().Bool("debug", g.Debug, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		fromFlags := *g
		if err := g.mergeFiles(defaultConfigPaths(configPaths)); err != nil {
			return err
		}
		if err := g.mergeEnvironment(); err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("store") {
			g.Directory = fromFlags.Directory
		}
		if flags.Changed("socket") {
			g.Socket = fromFlags.Socket
		}
		if flags.Changed("admin") {
			g.AdminAddr = fromFlags.AdminAddr
		}
		if flags.Changed("total-ram") {
			g.TotalRAM = fromFlags.TotalRAM
		}
		g.Debug = g.Debug || *showDebug
		initLogging(g.Debug)
		return g.validate()
	}

	rootCommand.AddCommand(newServeCommand(g))

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// defaultConfigPaths yields the well-known system config file first,
// followed by explicit config paths (in the order given on the command
// line), so that an explicit --config always wins a field-by-field merge
// over the default location.
func defaultConfigPaths(explicit []string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		if !yield(filepath.Join(string(filepath.Separator), "etc", "nichts", "zbd.json")) {
			return
		}
		for _, p := range explicit {
			if !yield(p) {
				return
			}
		}
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "zbd: ", log.StdFlags, nil),
		})
	})
}
