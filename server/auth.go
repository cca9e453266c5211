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

package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	log15 "gopkg.in/inconshreveable/log15.v2"

	"golang.org/x/sys/unix"

	"github.com/kylincaster/task-spooler/wire"
)

// identityListener is the side channel a client authenticates over before
// its RealUID is trusted for anything. The REQ/REP socket tsc and tsd talk
// over runs on TCP, which carries no peer credentials, so a client's
// self-reported uid on that channel can't be checked against anything - it
// has to be asked for separately, over a transport the kernel will vouch
// for. A Unix domain socket gives SO_PEERCRED, the kernel's own record of
// the connecting process's real uid; identityListener hands back a token
// binding that uid to an HMAC signature, and the server verifies the
// signature (not the client's say-so) on every subsequent wire.Request.
type identityListener struct {
	secret []byte
	ln     net.Listener
	log    log15.Logger
}

func newIdentityListener(logger log15.Logger) (*identityListener, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("server: generating identity secret: %w", err)
	}
	return &identityListener{secret: secret, log: logger}, nil
}

func (a *identityListener) listen(path string) error {
	os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o777); err != nil {
		ln.Close()
		return fmt.Errorf("server: setting identity socket permissions: %w", err)
	}
	a.ln = ln
	go a.acceptLoop()
	return nil
}

func (a *identityListener) close() {
	if a.ln != nil {
		a.ln.Close()
		os.Remove(a.ln.Addr().String())
	}
}

func (a *identityListener) acceptLoop() {
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			return
		}
		go a.handshake(conn)
	}
}

// handshake answers exactly one line, "<uid> <token>\n", derived from the
// connecting process's real kernel uid, then closes.
func (a *identityListener) handshake(conn net.Conn) {
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	uid, err := peerUID(uc)
	if err != nil {
		a.log.Warn("identity handshake: peer credential lookup failed", "err", err)
		return
	}
	fmt.Fprintf(conn, "%d %s\n", uid, a.issue(uid))
}

// peerUID reads SO_PEERCRED off uc's underlying file descriptor to get the
// kernel's record of the connecting process's real uid.
func peerUID(uc *net.UnixConn) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var uid int
	var sysErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			sysErr = err
			return
		}
		uid = int(cred.Uid)
	})
	if ctrlErr != nil {
		return 0, ctrlErr
	}
	return uid, sysErr
}

// issue mints a token binding uid to a random nonce, signed with the
// server's secret. Verification is stateless: it only needs to recompute
// the same HMAC, so the server never has to track which tokens it handed
// out or expire them.
func (a *identityListener) issue(uid int) string {
	nonce := make([]byte, 12)
	rand.Read(nonce)
	payload := strconv.Itoa(uid) + "." + base64.RawURLEncoding.EncodeToString(nonce)
	return payload + "." + a.sign(payload)
}

// verify recomputes the signature over a token's embedded uid+nonce and
// reports the uid only if it matches, so a forged or tampered token (eg. a
// client handing back someone else's uid with a made-up signature) is
// rejected rather than trusted.
func (a *identityListener) verify(token string) (int, bool) {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return 0, false
	}
	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, false
	}
	payload := parts[0] + "." + parts[1]
	want, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return 0, false
	}
	if !hmac.Equal(want, a.rawSign(payload)) {
		return 0, false
	}
	return uid, true
}

func (a *identityListener) sign(payload string) string {
	return base64.RawURLEncoding.EncodeToString(a.rawSign(payload))
}

func (a *identityListener) rawSign(payload string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
