package gateway

import "fmt"

// publishedNetwork applies transforms to the tunnel interface and owns
// the published virtual network handle.  Transforms that arrive while
// negotiating are buffered until the connection is ready for them.
// All methods run on the loop goroutine.
type publishedNetwork struct {
	tun TunnelInterface
	pub NetworkPublisher

	pending TransformSet // received, not yet applied
	applied TransformSet // applied to the tunnel interface
	child   *ChildConfig
	handle  AgentHandle
}

func newPublishedNetwork(tun TunnelInterface, pub NetworkPublisher) *publishedNetwork {
	return &publishedNetwork{tun: tun, pub: pub}
}

// buffer stores a transform until applyPending.
func (p *publishedNetwork) buffer(dir Direction, t Transform) {
	p.pending.Set(dir, t)
}

// setChild records the negotiated child configuration.
func (p *publishedNetwork) setChild(cfg ChildConfig) {
	c := cfg.Clone()
	p.child = &c
}

// apply installs t on the tunnel interface.
func (p *publishedNetwork) apply(dir Direction, t Transform) error {
	if err := p.tun.ApplyTransform(dir, t); err != nil {
		return fmt.Errorf("apply %s transform %#x: %w", dir, t.SPI(), err)
	}
	p.applied.Set(dir, t)
	return nil
}

// applyPending installs every buffered transform.
func (p *publishedNetwork) applyPending() error {
	for _, dir := range []Direction{DirectionIn, DirectionOut} {
		t := p.pending.Get(dir)
		if t == nil {
			continue
		}
		p.pending.Set(dir, nil)
		if err := p.apply(dir, t); err != nil {
			return err
		}
	}
	return nil
}

// publish creates the network agent once both directions are applied.
// It reports whether a new handle was created.
func (p *publishedNetwork) publish() (bool, error) {
	if p.handle != 0 || !p.applied.Complete() || p.child == nil {
		return false, nil
	}
	h, err := p.pub.CreateNetworkAgent(p.applied, p.child.Clone())
	if err != nil {
		return false, fmt.Errorf("publish network: %w", err)
	}
	p.handle = h
	return true, nil
}

// updateChild replaces the child configuration and pushes it to the
// published network when the publisher supports in-place updates.
func (p *publishedNetwork) updateChild(cfg ChildConfig) error {
	p.setChild(cfg)
	if p.handle == 0 {
		return nil
	}
	if u, ok := p.pub.(AgentUpdater); ok {
		return u.UpdateNetworkAgent(p.handle, cfg.Clone())
	}
	return nil
}

// published reports whether a handle exists.
func (p *publishedNetwork) published() bool { return p.handle != 0 }

// retract destroys the handle and forgets the session's transforms.
// It reports whether a handle was destroyed.
func (p *publishedNetwork) retract() (bool, error) {
	had := p.handle != 0
	var err error
	if had {
		err = p.pub.Destroy(p.handle)
		p.handle = 0
	}
	p.pending = TransformSet{}
	p.applied = TransformSet{}
	p.child = nil
	return had, err
}

// close retracts and releases the tunnel interface.
func (p *publishedNetwork) close() error {
	_, rerr := p.retract()
	cerr := p.tun.Close()
	if rerr != nil {
		return rerr
	}
	return cerr
}
