package agi

import (
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"
)

// GuardConfig sets the thresholds of a PeerGuard.
type GuardConfig struct {
	// MaxFailures within Window blocks the peer.
	MaxFailures int
	Window      time.Duration

	// BlockFor is the first block length; it doubles per repeat offence up
	// to MaxBlockFor.
	BlockFor    time.Duration
	MaxBlockFor time.Duration
}

// DefaultGuardConfig mirrors fail2ban's usual maxretry/findtime/bantime.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures: 10,
		Window:      10 * time.Minute,
		BlockFor:    5 * time.Minute,
		MaxBlockFor: 24 * time.Hour,
	}
}

type peerRecord struct {
	failures     []time.Time
	blockedUntil time.Time
	nextBlock    time.Duration
}

func (p *peerRecord) blocked(now time.Time) bool {
	return now.Before(p.blockedUntil)
}

// PeerGuard blocks FastAGI peers that keep failing the digest challenge.
// Connections from a blocked peer are closed before a nonce is issued.
type PeerGuard struct {
	cfg    GuardConfig
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerRecord
}

// NewPeerGuard creates a guard with no recorded peers.
func NewPeerGuard(cfg GuardConfig, logger *slog.Logger) *PeerGuard {
	return &PeerGuard{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("subsystem", "guard"),
		peers:  make(map[string]*peerRecord),
	}
}

// Blocked reports whether the peer at addr ("ip:port" or "ip") is blocked.
func (g *PeerGuard) Blocked(addr string) bool {
	ip := peerIP(addr)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.peers[ip]
	return ok && rec.blocked(g.now())
}

// Fail records a failed challenge and blocks the peer once the threshold is
// reached inside the window.
func (g *PeerGuard) Fail(addr string) {
	ip := peerIP(addr)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	rec, ok := g.peers[ip]
	if !ok {
		rec = &peerRecord{nextBlock: g.cfg.BlockFor}
		g.peers[ip] = rec
	}
	if rec.blocked(now) {
		return
	}

	cutoff := now.Add(-g.cfg.Window)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) < g.cfg.MaxFailures {
		return
	}

	rec.blockedUntil = now.Add(rec.nextBlock)
	rec.failures = nil
	g.logger.Warn("agi peer blocked after repeated digest failures",
		"ip", ip,
		"block_duration", rec.nextBlock.String(),
	)

	rec.nextBlock *= 2
	if rec.nextBlock > g.cfg.MaxBlockFor {
		rec.nextBlock = g.cfg.MaxBlockFor
	}
}

// Succeed clears the failure count. The backoff step is kept so a repeat
// offender is blocked longer next time.
func (g *PeerGuard) Succeed(addr string) {
	ip := peerIP(addr)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.peers[ip]; ok {
		rec.failures = nil
	}
}

// Sweep drops records with no active block and no recent failures.
func (g *PeerGuard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)
	for ip, rec := range g.peers {
		if rec.blocked(now) {
			continue
		}
		recent := false
		for _, t := range rec.failures {
			if t.After(cutoff) {
				recent = true
				break
			}
		}
		if !recent {
			delete(g.peers, ip)
		}
	}
}

// BlockedPeer is a currently blocked address.
type BlockedPeer struct {
	IP        string    `json:"ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedPeers returns the blocked peers sorted by IP.
func (g *PeerGuard) BlockedPeers() []BlockedPeer {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var out []BlockedPeer
	for ip, rec := range g.peers {
		if rec.blocked(now) {
			out = append(out, BlockedPeer{IP: ip, ExpiresAt: rec.blockedUntil})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// Unblock lifts a block by hand. It returns false if ip was not blocked.
func (g *PeerGuard) Unblock(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.peers[ip]
	if !ok || !rec.blocked(g.now()) {
		return false
	}
	rec.blockedUntil = time.Time{}
	rec.failures = nil
	g.logger.Info("agi peer unblocked", "ip", ip)
	return true
}

// peerIP strips the port from addr.
func peerIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		if net.ParseIP(addr) != nil {
			return addr
		}
		return ""
	}
	return host
}
