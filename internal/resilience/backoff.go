// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential delays with jitter.
//
// # Description
//
// Delay for attempt n is Base * Multiplier^n, capped at Cap, with
// +-Jitter randomization so simultaneous retries across services do
// not synchronize into a storm. The zero attempt gets Base.
//
// # Thread Safety
//
// Safe for concurrent use; the struct is read-only after construction.
type Backoff struct {
	// Base is the first delay. Default 2s.
	Base time.Duration

	// Cap bounds the delay. Default 5m.
	Cap time.Duration

	// Multiplier is the growth factor. Default 2.
	Multiplier float64

	// Jitter is the randomization fraction, 0 to 1. Default 0.25.
	Jitter float64
}

// DefaultBackoff returns the restart-backoff defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       2 * time.Second,
		Cap:        5 * time.Minute,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Delay returns the jittered delay for the given attempt number,
// starting at 0.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}
	if attempt < 0 {
		attempt = 0
	}

	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if d > cap || d <= 0 { // overflow guard
		d = cap
	}
	return applyJitter(d, b.Jitter)
}

// MaxDelay returns the jitterless cap.
func (b Backoff) MaxDelay() time.Duration {
	if b.Cap <= 0 {
		return 5 * time.Minute
	}
	return b.Cap
}

// applyJitter randomizes d by +-jitter fraction.
func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		return 0
	}
	return out
}
