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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	log15 "gopkg.in/inconshreveable/log15.v2"
)

// TestIdentityTokenRoundTrip guards the fix for trusting a client-asserted
// uid: a token minted for one uid must verify back to that same uid, and
// nothing about the token format lets a caller claim a different one.
func TestIdentityTokenRoundTrip(t *testing.T) {
	a, err := newIdentityListener(log15.New())
	require.NoError(t, err)

	token := a.issue(1000)
	uid, ok := a.verify(token)
	require.True(t, ok)
	assert.Equal(t, 1000, uid)
}

// TestIdentityTokenRejectsForgery covers exactly the attack the review
// flagged: a client can no longer just assert RealUID, because a token
// whose embedded uid has been edited (the one piece of the old scheme a
// malicious client could freely set) no longer matches its own signature.
func TestIdentityTokenRejectsForgery(t *testing.T) {
	a, err := newIdentityListener(log15.New())
	require.NoError(t, err)

	token := a.issue(1000)
	forged := "0" + token[len("1000"):]
	_, ok := a.verify(forged)
	assert.False(t, ok)
}

// TestIdentityTokenRejectsForeignSecret ensures a token minted by one
// server instance (one random secret) is never accepted by another.
func TestIdentityTokenRejectsForeignSecret(t *testing.T) {
	a, err := newIdentityListener(log15.New())
	require.NoError(t, err)
	b, err := newIdentityListener(log15.New())
	require.NoError(t, err)

	token := a.issue(1000)
	_, ok := b.verify(token)
	assert.False(t, ok)
}

func TestIdentityTokenRejectsMalformed(t *testing.T) {
	a, err := newIdentityListener(log15.New())
	require.NoError(t, err)

	_, ok := a.verify("not-a-token")
	assert.False(t, ok)
}
