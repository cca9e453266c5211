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

// Package server wraps an engine.Engine with the mangos REP socket tsc
// talks to. The transport and codec setup (a raw-mode mangos.Socket with a
// bounded receive deadline so signals can still be noticed, encoded with a
// shared codec.BincHandle) and the Serve/Block/Stop lifecycle follow the
// teacher's Server almost exactly. The one deliberate departure: the
// teacher spawns a goroutine per request so independent queues can be
// serviced in parallel; here every request is handled inline on the single
// event-loop goroutine, because the engine's scheduling decisions must be
// serialized against each other (spec.md's single-threaded event loop
// guarantee).
package server

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-mangos/mangos"
	"github.com/go-mangos/mangos/protocol/rep"
	"github.com/go-mangos/mangos/transport/tcp"
	"github.com/ugorji/go/codec"
	log15 "gopkg.in/inconshreveable/log15.v2"

	"github.com/kylincaster/task-spooler/engine"
	"github.com/kylincaster/task-spooler/wire"
)

// InterruptPollInterval bounds how long RecvMsg blocks before the loop
// rechecks for a pending signal or Stop() call.
var InterruptPollInterval = 1 * time.Second

// Server owns the listening socket and the engine it dispatches requests
// to.
type Server struct {
	Info *Info

	eng *engine.Engine
	log log15.Logger

	ch   codec.Handle
	wire mangos.Socket

	ident *identityListener

	stop chan bool
	done chan error
	up   bool
}

// Info mirrors the teacher's ServerInfo: basic addressing metadata a client
// needs to connect and that an admin might want to print.
type Info struct {
	Addr string
	Host string
	Port string
	PID  int
}

// New builds a Server around an already-constructed engine. It does not
// start listening; call Serve for that.
func New(eng *engine.Engine, logger log15.Logger) *Server {
	if logger == nil {
		logger = log15.New()
	}
	return &Server{eng: eng, log: logger, ch: wire.Handle()}
}

// Ident exposes the identity socket path for tests and diagnostics; tsc
// derives the same path itself from --port, so nothing needs to ship it.
func (s *Server) Ident() string {
	if s.ident == nil {
		return ""
	}
	return wire.IdentitySockPath(s.Info.Port)
}

// Serve opens a mangos REP socket on port and begins handling requests in a
// background goroutine. It returns once the socket is listening; call Block
// to wait for shutdown.
func (s *Server) Serve(port string) error {
	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("server: creating socket: %w", err)
	}

	// Unbounded receive: a client sending a large NEWJOB command shouldn't
	// be silently dropped.
	if err := sock.SetOption(mangos.OptionMaxRecvSize, 0); err != nil {
		return err
	}
	// Raw mode lets us reply out of order relative to receipt, since a
	// wait_job request may sit unanswered while others are served.
	if err := sock.SetOption(mangos.OptionRaw, true); err != nil {
		return err
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, InterruptPollInterval); err != nil {
		return err
	}
	sock.AddTransport(tcp.NewTransport())

	if err := sock.Listen("tcp://localhost:" + port); err != nil {
		return fmt.Errorf("server: listening on port %s: %w", port, err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	ip := localNonLoopbackIP()

	ident, err := newIdentityListener(s.log)
	if err != nil {
		sock.Close()
		return err
	}
	if err := ident.listen(wire.IdentitySockPath(port)); err != nil {
		sock.Close()
		return err
	}
	s.ident = ident

	s.wire = sock
	s.Info = &Info{Addr: ip + ":" + port, Host: host, Port: port, PID: os.Getpid()}
	s.stop = make(chan bool, 1)
	s.done = make(chan error, 1)
	s.up = true

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go s.loop(sigs)
	return nil
}

// loop is the single-threaded event loop spec.md §5 describes: it
// serializes request handling, the lock-expiry sweep and shutdown signals
// through one select, so no two mutations of the engine's state ever race.
func (s *Server) loop(sigs chan os.Signal) {
	ticker := time.NewTicker(InterruptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigs:
			signal.Stop(sigs)
			s.shutdown()
			s.done <- fmt.Errorf("server: closed on signal %v", sig)
			return
		case <-s.stop:
			signal.Stop(sigs)
			s.shutdown()
			s.done <- nil
			return
		case <-ticker.C:
			s.eng.CheckLocker(0) // forces the 30s lock auto-expiry sweep
		default:
			m, err := s.wire.RecvMsg()
			if err != nil {
				if err != mangos.ErrRecvTimeout {
					s.log.Warn("recv failed", "err", err)
				}
				continue
			}
			if err := s.handle(m); err != nil {
				s.log.Warn("request handling failed", "err", err)
			}
		}
	}
}

// Block waits for the server to shut down (via signal or Stop) and reports
// why.
func (s *Server) Block() error {
	err := <-s.done
	s.up = false
	return err
}

// Stop triggers a graceful shutdown and waits for it to complete.
func (s *Server) Stop() error {
	if !s.up {
		return nil
	}
	s.stop <- true
	err := <-s.done
	s.up = false
	return err
}

func (s *Server) shutdown() {
	if s.wire != nil {
		s.wire.Close()
	}
	if s.ident != nil {
		s.ident.close()
	}
}

func localNonLoopbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}
