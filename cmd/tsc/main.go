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

// Command tsc is the task-spooler client: it talks to a running tsd over a
// local mangos REQ/REP socket.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kylincaster/task-spooler/client"
	"github.com/kylincaster/task-spooler/engine"
)

var port string

func main() {
	root := &cobra.Command{
		Use:   "tsc",
		Short: "submit and control jobs on a task-spooler daemon",
	}
	root.PersistentFlags().StringVar(&port, "port", envOr("TS_PORT", "6599"), "daemon port (env TS_PORT)")

	root.AddCommand(
		newSubmitCmd(),
		newRemoveCmd(),
		newHoldCmd(),
		newContCmd(),
		newUrgentCmd(),
		newSwapCmd(),
		newKillAllCmd(),
		newLockCmd(),
		newUnlockCmd(),
		newClearCmd(),
		newSlotsCmd(),
		newStateCmd(),
		newWaitCmd(),
		newListCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial() (*client.Client, error) {
	return client.Dial(port)
}

func newSubmitCmd() *cobra.Command {
	var numSlots int
	var label, workdir string
	var keepFinished, storeOutput bool
	var dependOn []int64

	cmd := &cobra.Command{
		Use:   "submit -- <command...>",
		Short: "submit a new command to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			id, err := c.Submit(client.SubmitArgs{
				Command:            joinArgs(args),
				NumSlots:           numSlots,
				Label:              label,
				WorkDir:            workdir,
				ShouldKeepFinished: keepFinished,
				StoreOutput:        storeOutput,
				DependOn:           dependOn,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().IntVarP(&numSlots, "slots", "n", 1, "number of slots this job needs")
	cmd.Flags().StringVarP(&label, "label", "L", "", "human-readable label")
	cmd.Flags().StringVarP(&workdir, "chdir", "C", "", "working directory for the command")
	cmd.Flags().BoolVarP(&keepFinished, "keep", "k", false, "keep in the finished list after completion")
	cmd.Flags().BoolVarP(&storeOutput, "store-output", "o", true, "capture stdout/stderr to a file")
	cmd.Flags().Int64SliceVarP(&dependOn, "depend-on", "d", nil, "job ids this job depends on (-1 = last queued)")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	return idCmd("remove", "remove a job", func(c *client.Client, id int64) error {
		return c.Remove(id)
	})
}

func newHoldCmd() *cobra.Command {
	return idCmd("hold", "pause or lock a job", func(c *client.Client, id int64) error {
		return c.Hold(id)
	})
}

func newContCmd() *cobra.Command {
	return idCmd("cont", "resume or unlock a job", func(c *client.Client, id int64) error {
		return c.Cont(id)
	})
}

func newUrgentCmd() *cobra.Command {
	return idCmd("urgent", "move a job to the front of the queue", func(c *client.Client, id int64) error {
		return c.Urgent(id)
	})
}

func newStateCmd() *cobra.Command {
	return idCmd("state", "print a job's state", func(c *client.Client, id int64) error {
		state, err := c.State(id)
		if err != nil {
			return err
		}
		fmt.Println(state)
		return nil
	})
}

func newWaitCmd() *cobra.Command {
	return idCmd("wait", "block until a job finishes, printing its errorlevel", func(c *client.Client, id int64) error {
		errorlevel, err := c.Wait(id)
		if err != nil {
			return err
		}
		fmt.Println(errorlevel)
		return nil
	})
}

func newSwapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "swap <id-a> <id-b>",
		Short: "swap the positions of two queued jobs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return err
			}
			b, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return err
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Swap(a, b)
		},
	}
}

func newKillAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "send SIGTERM to every running job you own",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			pids, err := c.KillAll()
			if err != nil {
				return err
			}
			for _, pid := range pids {
				// Runner children lead their own process group, so -pid
				// reaches everything the job's shell started.
				if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
					if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
						fmt.Fprintf(os.Stderr, "kill %d: %v\n", pid, err)
						continue
					}
				}
				fmt.Println(pid)
			}
			return nil
		},
	}
}

func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "lock the server so only you can dispatch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.LockServer()
		},
	}
}

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "release a server lock you hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.UnlockServer()
		},
	}
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "discard your finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.ClearFinished()
		},
	}
}

func newSlotsCmd() *cobra.Command {
	var set int
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "print or change the global slot count",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			if set > 0 {
				n, err := c.SetMaxSlots(set)
				if err != nil {
					return err
				}
				fmt.Println(n)
				return nil
			}
			n, err := c.MaxSlots()
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&set, "set", "s", 0, "set the global slot count")
	return cmd
}

// newListCmd is `list` (spec.md §6/§7): line-oriented text by default, or
// the raw JSON array-of-records with --json for machine consumption.
func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list active and finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			data, err := c.List()
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Println(string(data))
				return nil
			}

			var entries []engine.ListEntry
			if err := json.Unmarshal(data, &entries); err != nil {
				return fmt.Errorf("tsc: decoding list response: %w", err)
			}
			printListTable(entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON array of records instead of a table")
	return cmd
}

func printListTable(entries []engine.ListEntry) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tState\tProc.\tUser\tLabel\tOutput\tE-Level\tTime_ms\tCommand")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.State, e.Proc, e.User, e.Label, e.Output, e.ELevel, e.TimeMS, e.Command)
	}
	w.Flush()
}

func idCmd(use, short string, fn func(*client.Client, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q: %w", args[0], err)
			}
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return fn(c, id)
		},
	}
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
