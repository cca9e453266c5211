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

// Command tsrun is the runner process tsd spawns for every dispatched job:
// it either forks the job's command fresh, or relinks to an already-running
// pid (recovery's --relink path), and reports the outcome back to tsd.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kylincaster/task-spooler/client"
)

var (
	jobID     int64
	relinkPID int
	port      string
)

func main() {
	root := &cobra.Command{
		Use:   "tsrun -J <id> [--relink <pid>] -- <command...>",
		Short: "run a task-spooler job and report its outcome",
		Args:  cobra.ArbitraryArgs,
		RunE:  run,
	}
	root.Flags().Int64VarP(&jobID, "jobid", "J", 0, "job id being run")
	root.Flags().IntVar(&relinkPID, "relink", 0, "attach to an already-running pid instead of forking")
	root.Flags().StringVar(&port, "port", envOr("TS_PORT", "6599"), "daemon port (env TS_PORT)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	c, err := client.Dial(port)
	if err != nil {
		return err
	}
	defer c.Close()

	if relinkPID > 0 {
		return relink(c, relinkPID)
	}
	return fork(c, args)
}

// relink reports an already-running pid back to tsd (the engine itself
// decides whether that pid is found to be sleeping - PAUSE - or not -
// RUNNING), then polls until the process exits and reports its completion.
// Since tsrun wasn't the parent of a relinked process, no exit status or
// rusage is available; it reports errorlevel 0.
func relink(c *client.Client, pid int) error {
	if err := reportRunjobOK(c, pid, fmt.Sprintf("/proc/%d/fd/1", pid)); err != nil {
		return err
	}
	for alive(pid) {
		time.Sleep(200 * time.Millisecond)
	}
	return reportFinished(c, 0, 0, false, 0, 0, 0)
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// fork starts the job's command in its own process group (so pause/resume
// and kill_all can signal the whole group at once) and waits for it. The
// command arrives as a single shell command line (the engine's persisted
// record only ever carries the joined string a user typed after `submit
// --`), so it is run through sh -c rather than exec'd as argv directly.
func fork(c *client.Client, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("tsrun: no command given")
	}
	command := strings.Join(args, " ")

	outFile, err := os.CreateTemp("", fmt.Sprintf("ts-%d-", jobID))
	if err != nil {
		return fmt.Errorf("tsrun: creating output file: %w", err)
	}
	defer outFile.Close()

	execCmd := exec.Command("sh", "-c", command)
	execCmd.Stdout = outFile
	execCmd.Stderr = outFile
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := execCmd.Start(); err != nil {
		return fmt.Errorf("tsrun: starting command: %w", err)
	}

	if err := reportRunjobOK(c, execCmd.Process.Pid, outFile.Name()); err != nil {
		return err
	}

	start := time.Now()
	waitErr := execCmd.Wait()
	elapsed := time.Since(start)

	errorlevel, signal, diedBySignal := exitStatus(waitErr)
	userMS, sysMS := rusage(execCmd)

	return reportFinished(c, errorlevel, signal, diedBySignal, elapsed, userMS, sysMS)
}

func reportRunjobOK(c *client.Client, pid int, outputFile string) error {
	return c.RunjobOK(jobID, pid, outputFile)
}

func reportFinished(c *client.Client, errorlevel, signal int, diedBySignal bool, elapsed time.Duration, userMS, sysMS int64) error {
	return c.JobFinished(jobID, errorlevel, signal, diedBySignal, elapsed.Milliseconds(), userMS, sysMS)
}

func exitStatus(err error) (errorlevel, signal int, diedBySignal bool) {
	if err == nil {
		return 0, 0, false
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return 1, 0, false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return exitErr.ExitCode(), 0, false
	}
	if status.Signaled() {
		return 128 + int(status.Signal()), int(status.Signal()), true
	}
	return status.ExitStatus(), 0, false
}

func rusage(cmd *exec.Cmd) (userMS, sysMS int64) {
	if cmd.ProcessState == nil {
		return 0, 0
	}
	ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0, 0
	}
	return ru.Utime.Sec*1000 + int64(ru.Utime.Usec)/1000, ru.Stime.Sec*1000 + int64(ru.Stime.Usec)/1000
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
