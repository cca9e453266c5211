// Copyright © 2025 the task-spooler authors.
//
//  This file is part of task-spooler.
//
//  task-spooler is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  task-spooler is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

// Command tsd is the task-spooler daemon: it owns the job table for one
// host and serves tsc/tsrun over a local socket.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	log15 "gopkg.in/inconshreveable/log15.v2"

	"github.com/kylincaster/task-spooler/engine"
	"github.com/kylincaster/task-spooler/internal/coreset"
	"github.com/kylincaster/task-spooler/internal/procfs"
	"github.com/kylincaster/task-spooler/internal/safepause"
	"github.com/kylincaster/task-spooler/server"
	"github.com/kylincaster/task-spooler/store"
	"github.com/kylincaster/task-spooler/users"
)

var (
	port      string
	dbPath    string
	usersPath string
	maxSlots  int
	maxJobs   int
)

func main() {
	root := &cobra.Command{
		Use:   "tsd",
		Short: "run the task-spooler daemon for this host",
		RunE:  run,
	}
	root.Flags().StringVar(&port, "port", envOr("TS_PORT", "6599"), "TCP port to listen on (env TS_PORT)")
	root.Flags().StringVar(&dbPath, "db", defaultDBPath(), "persistence file path")
	root.Flags().StringVar(&usersPath, "users", "", "path to the users table file (defaults to a single-user table)")
	root.Flags().IntVar(&maxSlots, "slots", envOrInt("TS_SLOTS", 1), "global slot pool size (env TS_SLOTS)")
	root.Flags().IntVar(&maxJobs, "max-jobs", envOrInt("TS_MAXJOBS", 10000), "admission-control ceiling on the active list (env TS_MAXJOBS)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := log15.New()

	userTable, err := users.Load(usersPath)
	if err != nil {
		return fmt.Errorf("tsd: loading users table: %w", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("tsd: opening store: %w", err)
	}
	defer db.Close()

	cfg := engine.Config{
		MaxSlots:    maxSlots,
		MaxJobs:     maxJobs,
		MaxFinished: envOrInt("TS_MAXFINISHED", 1000),
	}

	var coreAlloc engine.CoreAllocator
	if cores, coreErr := coreset.NewAvailable(); coreErr != nil {
		logger.Warn("CPU affinity unavailable, taskset jobs will run without core pinning", "err", coreErr)
	} else {
		coreAlloc = cores
	}

	sp := &runnerSpawner{port: port}
	eng := engine.New(cfg, userTable, userTable.MaxSlots, engine.Deps{
		Log:     logger,
		Store:   db,
		Pauser:  safepause.New(),
		ProcFS:  procfs.New(),
		Cores:   coreAlloc,
		Spawner: sp,
	})
	sp.eng = eng

	if err := eng.Recover(engine.DecodeJob); err != nil {
		logger.Error("recovery failed", "err", err)
	}
	eng.Dispatch()

	srv := server.New(eng, logger)
	if err := srv.Serve(port); err != nil {
		return fmt.Errorf("tsd: %w", err)
	}
	logger.Info("listening", "addr", srv.Info.Addr, "port", srv.Info.Port, "pid", srv.Info.PID)
	return srv.Block()
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".tsd", "tsd.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
