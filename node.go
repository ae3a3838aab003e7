package igmp

import (
	"context"
	"net/netip"
	"time"
)

// Datagram is an IGMP payload received from Src on interface IfID.
type Datagram struct {
	Payload []byte
	Src     netip.Addr
	IfID    int
}

type call struct {
	fn   func(*Engine) error
	errc chan error
}

// Node owns an Engine and drives it from a single goroutine: received
// datagrams, API calls and timer deadlines are all handled by Run, one
// at a time.
type Node struct {
	engine  *Engine
	clock   func() time.Time
	inbound chan Datagram
	calls   chan call
	done    chan struct{}
}

// NewNode wraps engine, which must not be used directly afterwards. The
// engine's clock should have been started from time.Now().
func NewNode(engine *Engine) *Node {
	return &Node{
		engine:  engine,
		clock:   time.Now,
		inbound: make(chan Datagram, 64),
		calls:   make(chan call),
		done:    make(chan struct{}),
	}
}

// Inbound is where transports deliver received datagrams.
func (n *Node) Inbound() chan<- Datagram { return n.inbound }

// Stats may be read while Run is active.
func (n *Node) Stats() *Stats { return n.engine.Stats() }

// Run processes events until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		n.engine.Tick(n.clock())
		n.arm(timer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-n.inbound:
			n.engine.Tick(n.clock())
			n.engine.HandleDatagram(d.Payload, d.Src, d.IfID)
		case c := <-n.calls:
			n.engine.Tick(n.clock())
			c.errc <- c.fn(n.engine)
		case <-timer.C:
		}
	}
}

func (n *Node) arm(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	next, ok := n.engine.NextDeadline()
	if !ok {
		t.Reset(time.Hour)
		return
	}
	t.Reset(max(0, next.Sub(n.clock())))
}

// Do runs fn on the engine goroutine and returns its error.
func (n *Node) Do(ctx context.Context, fn func(*Engine) error) error {
	c := call{fn: fn, errc: make(chan error, 1)}
	select {
	case n.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrEngineNotRunning
	}
	select {
	case err := <-c.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) SetInterest(ctx context.Context, ifID int, group netip.Addr, mode FilterMode, sources []netip.Addr) error {
	return n.Do(ctx, func(e *Engine) error {
		return e.SetInterest(ifID, group, mode, sources)
	})
}

func (n *Node) Membership(ctx context.Context, ifID int, group netip.Addr) (m Membership, ok bool, err error) {
	err = n.Do(ctx, func(e *Engine) error {
		m, ok = e.Membership(ifID, group)
		return nil
	})
	return m, ok, err
}

func (n *Node) Groups(ctx context.Context, ifID int) (groups []Membership, err error) {
	err = n.Do(ctx, func(e *Engine) error {
		groups = e.Groups(ifID)
		return nil
	})
	return groups, err
}
