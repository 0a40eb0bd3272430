package mux

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dMux/mux/common"
	"github.com/ValentinKolb/dMux/mux/wire"
	"github.com/google/uuid"
)

// peer is the liveness bookkeeping of a remote node. Only the dispatch goroutine
// mutates it.
type peer struct {
	index    int
	addr     net.Addr
	session  uuid.UUID
	lastSeen time.Time

	pingNonce  uint64
	pingSent   time.Time // zero once the pong arrived
	lastPing   time.Time
	unanswered int
}

// handleLiveness processes connection and heartbeat messages. It returns true if the
// datagram was consumed. Every datagram counts as a sign of life of its sender.
func (n *node) handleLiveness(h *wire.Header, payload []byte, from net.Addr, now time.Time) bool {
	sender := int(h.Node)
	if p, ok := n.peers.Load(sender); ok {
		p.lastSeen = now
		p.unanswered = 0
	}

	switch h.Type {
	case wire.MsgTHello:
		if n.index == 0 {
			n.onHello(sender, payload, from, now)
		}
		return true
	case wire.MsgTWelcome:
		if n.index != 0 {
			n.onWelcome(payload, now)
		}
		return true
	case wire.MsgTPing:
		n.sendTo(n.header(wire.MsgTPong, 0, h.Seq), nil, from)
		return true
	case wire.MsgTPong:
		if p, ok := n.peers.Load(sender); ok && h.Seq == p.pingNonce && !p.pingSent.IsZero() {
			n.metrics.onRTT(now.Sub(p.pingSent))
			p.pingSent = time.Time{}
		}
		return true
	}
	return false
}

// onHello registers a slave on the master. HELLO is always answered so a lost
// WELCOME is recovered by the next HELLO.
func (n *node) onHello(sender int, payload []byte, from net.Addr, now time.Time) {
	session, err := uuid.FromBytes(payload)
	if err != nil {
		Logger.Debugf("node 0: malformed hello from node %d: %v", sender, err)
		return
	}

	p, loaded := n.peers.LoadOrStore(sender, &peer{index: sender, addr: from, session: session, lastSeen: now})
	if loaded {
		if p.session != session {
			Logger.Warningf("node 0: slave %d restarted (session %s -> %s)", sender, p.session, session)
			p.session = session
		}
		if p.addr.String() != from.String() {
			Logger.Infof("node 0: slave %d moved from %s to %s", sender, p.addr, from)
			p.addr = from
		}
	} else {
		Logger.Infof("node 0: slave %d joined from %s", sender, from)
	}

	n.sendTo(n.header(wire.MsgTWelcome, 0, 0), n.session[:], from)

	if n.peers.Size() == n.config.NumSlaves {
		n.setConnected()
	}
}

// onWelcome completes the handshake on a slave
func (n *node) onWelcome(payload []byte, now time.Time) {
	session, _ := uuid.FromBytes(payload)
	p, loaded := n.peers.LoadOrStore(0, &peer{index: 0, addr: n.master, session: session, lastSeen: now})
	if loaded && p.session != session {
		Logger.Warningf("node %d: master restarted (session %s -> %s)", n.index, p.session, session)
		p.session = session
	}
	n.setConnected()
}

// tickLiveness sends HELLOs until connected, pings silent peers and enforces the
// connect timeout
func (n *node) tickLiveness(now time.Time) {
	n.mu.Lock()
	connected, deadline, failed := n.connected, n.connectDeadline, n.err != nil
	n.mu.Unlock()
	if failed {
		return
	}

	if !connected {
		if !deadline.IsZero() && now.After(deadline) {
			n.fail(fmt.Errorf("%w after %s", common.ErrConnectTimeout, n.config.ConnectTimeout))
			return
		}
		if n.index != 0 && now.Sub(n.lastHello) >= n.config.PingTimeout {
			n.lastHello = now
			n.sendToMaster(n.header(wire.MsgTHello, 0, 0), n.session[:])
		}
		if n.index != 0 {
			return
		}
	}

	var unreachable *peer
	n.peers.Range(func(_ int, p *peer) bool {
		if now.Sub(p.lastSeen) < n.config.PingTimeout || now.Sub(p.lastPing) < n.config.PingTimeout {
			return true
		}
		p.unanswered++
		if p.unanswered > n.config.MaxPingRetries {
			unreachable = p
			return false
		}
		p.pingNonce++
		p.pingSent = now
		p.lastPing = now
		n.sendTo(n.header(wire.MsgTPing, 0, p.pingNonce), nil, p.addr)
		return true
	})

	if unreachable != nil {
		n.fail(fmt.Errorf("%w: node %d did not answer %d pings", common.ErrPeerUnreachable, unreachable.index, n.config.MaxPingRetries))
	}
}
