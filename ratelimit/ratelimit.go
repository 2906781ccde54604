/* SPDX-License-Identifier: MIT */

// Package ratelimit implements a per-source-IP token bucket, the same
// algorithm as ratelimiter.Ratelimiter in the teacher lineage (there used
// to bound inbound handshake initiations), rekeyed here to bound how many
// prepareUpload calls a single sender IP may issue per window
// (spec.md §4.4).
package ratelimit

import (
	"net"
	"sync"
	"time"
)

type entry struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Limiter grants up to max events per window, per source IP, using a
// token bucket that refills continuously rather than resetting at a hard
// window boundary.
type Limiter struct {
	cost     int64 // nanoseconds of "token debt" charged per event
	maxToken int64 // == cost * max, i.e. full window's worth of burst

	gcInterval time.Duration
	stop       chan struct{}
	stopOnce   sync.Once

	mu        sync.RWMutex
	tableIPv4 map[[net.IPv4len]byte]*entry
	tableIPv6 map[[net.IPv6len]byte]*entry
}

// New returns a Limiter allowing up to max events per window, per source
// IP. Entries idle for longer than window are garbage collected.
func New(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	l := &Limiter{
		cost:       window.Nanoseconds() / int64(max),
		maxToken:   window.Nanoseconds(),
		gcInterval: window,
		stop:       make(chan struct{}),
		tableIPv4:  make(map[[net.IPv4len]byte]*entry),
		tableIPv6:  make(map[[net.IPv6len]byte]*entry),
	}
	go l.garbageCollect()
	return l
}

// Close stops the background garbage-collection loop. Safe to call more
// than once.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) garbageCollect() {
	ticker := time.NewTicker(l.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for key, e := range l.tableIPv4 {
				e.mu.Lock()
				stale := now.Sub(e.lastTime) > l.gcInterval
				e.mu.Unlock()
				if stale {
					delete(l.tableIPv4, key)
				}
			}
			for key, e := range l.tableIPv6 {
				e.mu.Lock()
				stale := now.Sub(e.lastTime) > l.gcInterval
				e.mu.Unlock()
				if stale {
					delete(l.tableIPv6, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow reports whether an event from ip may proceed, charging its cost
// against that source's bucket if so.
func (l *Limiter) Allow(ip net.IP) bool {
	var e *entry
	var key4 [net.IPv4len]byte
	var key6 [net.IPv6len]byte

	v4 := ip.To4()

	l.mu.RLock()
	if v4 != nil {
		copy(key4[:], v4)
		e = l.tableIPv4[key4]
	} else {
		copy(key6[:], ip.To16())
		e = l.tableIPv6[key6]
	}
	l.mu.RUnlock()

	if e == nil {
		e = &entry{tokens: l.maxToken - l.cost, lastTime: time.Now()}
		l.mu.Lock()
		if v4 != nil {
			l.tableIPv4[key4] = e
		} else {
			l.tableIPv6[key6] = e
		}
		l.mu.Unlock()
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.tokens += now.Sub(e.lastTime).Nanoseconds()
	e.lastTime = now
	if e.tokens > l.maxToken {
		e.tokens = l.maxToken
	}
	if e.tokens > l.cost {
		e.tokens -= l.cost
		return true
	}
	return false
}
