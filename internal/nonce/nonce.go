// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

// Package nonce mints the 64-character printable-ASCII capability tokens
// exchanged across a verified tunnel (spec §4.5, §9). Unlike the original
// program's use of Python's non-cryptographic "random" module, every byte
// here comes from crypto/rand: the nonce is a secret a candidate must leak
// across the tunnel it opened, so it must be unpredictable to anyone who
// hasn't actually carried it.
package nonce

import (
	"crypto/rand"
	"fmt"
)

// Length is the fixed size of a minted token, per spec §4.5/§6.
const Length = 64

// alphabet is restricted to printable, non-whitespace ASCII so the token
// survives a raw socket round-trip with no escaping or framing.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789" +
	"!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// Collides reports whether a candidate token is already in use. The caller
// supplies this so minting stays decoupled from the registry's locking.
type Collides func(token string) bool

// Mint generates a Length-byte token from alphabet, re-rolling whenever
// collides reports the draw is already registered (spec §4.5's "collisions
// must be checked against by_token at mint time and retried if any occur").
func Mint(collides Collides) (string, error) {
	for attempt := 0; ; attempt++ {
		buf := make([]byte, Length)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}

		for i, b := range buf {
			buf[i] = alphabet[int(b)%len(alphabet)]
		}

		token := string(buf)
		if collides == nil || !collides(token) {
			return token, nil
		}

		// A 64-byte draw from a >80-symbol alphabet colliding even once is
		// astronomically unlikely; more than a handful of retries means
		// something upstream is broken, not unlucky.
		if attempt > 16 {
			return "", fmt.Errorf("could not mint a unique token after %d attempts", attempt+1)
		}
	}
}
