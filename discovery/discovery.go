/* SPDX-License-Identifier: MIT */

// Package discovery composes the three concurrent activities of
// spec.md §4.3 — periodic announcer, passive listener, v1 ingest — on
// top of a peertable.Table and an mcast.Transport. The goroutine
// lifecycle (a stop channel plus a WaitGroup, closed once by Stop)
// mirrors device.Device's own start/stop bookkeeping in the teacher
// lineage.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wylited/lsendd/logger"
	"github.com/wylited/lsendd/mcast"
	"github.com/wylited/lsendd/model"
	"github.com/wylited/lsendd/peertable"
	"github.com/wylited/lsendd/ratelimit"
)

// replyTimeout bounds both the HTTP register reply and (implicitly,
// since sends are effectively instantaneous on a LAN) the multicast
// fallback, per spec.md §5's "abandoned beyond a short timeout (2s)".
const replyTimeout = 2 * time.Second

// Transport is the subset of *mcast.Transport the engine needs. Tests
// substitute an in-memory implementation, the same way device/bind_test.go
// substitutes a DummyBind for the teacher lineage's conn.Bind.
type Transport interface {
	SendAnnouncement(payload []byte) error
	RecvDatagram() ([]byte, *net.UDPAddr, error)
	Close() error
}

var _ Transport = (*mcast.Transport)(nil)

// Engine drives announcement, listening, and reply for one local
// identity.
type Engine struct {
	self      model.DeviceRecord
	table     *peertable.Table
	transport Transport
	log       logger.Logger
	period    time.Duration

	replyLimiter *ratelimit.Limiter // nil unless reply rate limiting is enabled
	httpClient   *http.Client

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options configures an Engine.
type Options struct {
	Self            model.DeviceRecord
	Table           *peertable.Table
	Transport       Transport
	AnnouncePeriod  time.Duration
	Log             logger.Logger
	// ReannounceReplyLimited enables a reply-rate-limit per source IP
	// (spec.md §9, Open Question iii). Off by default, matching the
	// source's unlimited behaviour.
	ReannounceReplyLimited bool
}

// New constructs an Engine. Call Start to begin the announcer and
// listener goroutines.
func New(opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = logger.Nop
	}
	if opts.AnnouncePeriod <= 0 {
		opts.AnnouncePeriod = 5 * time.Minute
	}
	e := &Engine{
		self:      opts.Self,
		table:     opts.Table,
		transport: opts.Transport,
		log:       opts.Log,
		period:    opts.AnnouncePeriod,
		httpClient: &http.Client{Timeout: replyTimeout},
		stop:      make(chan struct{}),
	}
	if opts.ReannounceReplyLimited {
		e.replyLimiter = ratelimit.New(1, opts.AnnouncePeriod)
	}
	return e
}

// Start launches the announcer and listener goroutines.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.announceLoop()
	go e.listenLoop()
}

// Stop signals both goroutines to exit and waits for them. Idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	e.transport.Close()
	e.wg.Wait()
	if e.replyLimiter != nil {
		e.replyLimiter.Close()
	}
}

// AnnounceNow emits one announcement immediately, outside the periodic
// schedule; used at startup so a freshly-joined peer doesn't wait a
// full period to be seen.
func (e *Engine) AnnounceNow() {
	e.announce()
}

func (e *Engine) announceLoop() {
	defer e.wg.Done()
	e.announce()

	ticker := time.NewTicker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.announce()
		}
	}
}

func (e *Engine) announce() {
	out := e.self
	out.Announce = true
	payload, err := json.Marshal(out)
	if err != nil {
		e.log.Errorf("marshal announcement: %v", err)
		return
	}
	if err := e.transport.SendAnnouncement(payload); err != nil {
		e.log.Errorf("send announcement: %v", err)
	}
}

func (e *Engine) listenLoop() {
	defer e.wg.Done()
	for {
		payload, addr, err := e.transport.RecvDatagram()
		if err != nil {
			select {
			case <-e.stop:
				return
			default:
			}
			e.log.Errorf("recv datagram: %v", err)
			continue
		}
		e.handleDatagram(payload, addr)
	}
}

func (e *Engine) handleDatagram(payload []byte, addr *net.UDPAddr) {
	record, wasV1, err := parseRecord(payload)
	if err != nil {
		e.log.Debugf("dropping unparseable datagram from %s: %v", addr, err)
		return
	}

	if record.IsSelf(e.self.Fingerprint) {
		e.log.Debugf("discarding self-echo from %s", addr)
		return
	}

	e.table.Upsert(record, addr.IP.String())

	if !record.Announce {
		return
	}

	if e.replyLimiter != nil && !e.replyLimiter.Allow(addr.IP) {
		e.log.Debugf("reply to %s suppressed by rate limit", addr)
		return
	}

	if wasV1 {
		e.replyV1(addr)
		return
	}
	e.replyV2(record, addr)
}

// replyV2 sends a single reply to an incoming v2 announcement: a direct
// HTTP POST to the peer's register endpoint using the UDP source
// address (never a hard-coded loopback — see SPEC_FULL.md §13), and a
// multicast announcement as fallback. Both carry announce=false.
func (e *Engine) replyV2(incoming model.DeviceRecord, addr *net.UDPAddr) {
	reply := e.self.AsReply()

	url := fmt.Sprintf("%s://%s:%d/api/localsend/v2/register", reply.Protocol, addr.IP.String(), incoming.Port)
	if err := e.postRegister(url, reply); err != nil {
		e.log.Debugf("http register reply to %s failed (non-fatal): %v", url, err)
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		e.log.Errorf("marshal v2 reply: %v", err)
		return
	}
	if err := e.transport.SendAnnouncement(payload); err != nil {
		e.log.Errorf("send v2 reply: %v", err)
	}
}

// replyV1 sends the compact v1-shaped reply over multicast only; the
// original protocol has no v1 HTTP register fallback.
func (e *Engine) replyV1(addr *net.UDPAddr) {
	reply := e.self.ToV1()
	reply.Announcement = false
	payload, err := json.Marshal(reply)
	if err != nil {
		e.log.Errorf("marshal v1 reply: %v", err)
		return
	}
	if err := e.transport.SendAnnouncement(payload); err != nil {
		e.log.Errorf("send v1 reply: %v", err)
	}
}

func (e *Engine) postRegister(url string, record model.DeviceRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// parseRecord attempts a v2 parse first, falling back to v1. It returns
// the record upgraded to v2 shape plus whether the wire shape was v1 (so
// callers can shape their reply to match).
func parseRecord(payload []byte) (model.DeviceRecord, bool, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return model.DeviceRecord{}, false, err
	}

	if _, hasVersion := probe["version"]; hasVersion {
		var v2 model.DeviceRecord
		if err := json.Unmarshal(payload, &v2); err != nil {
			return model.DeviceRecord{}, false, err
		}
		if v2.Fingerprint == "" {
			return model.DeviceRecord{}, false, fmt.Errorf("v2 record missing fingerprint")
		}
		return v2, false, nil
	}

	// No "version" key: treat as v1. An absent "announcement" key reads
	// as false, which is how replyV1 itself serialises its replies.
	var v1 model.DeviceRecordV1
	if err := json.Unmarshal(payload, &v1); err != nil {
		return model.DeviceRecord{}, false, err
	}
	if v1.Fingerprint == "" {
		return model.DeviceRecord{}, false, fmt.Errorf("v1 record missing fingerprint")
	}
	return v1.ToV2(), true, nil
}
