package stream

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
	"github.com/tomaslejdung/kvmview/pkg/peer"
)

// SupportsLocalCapture reports whether a capture source is configured and
// the plugin did not refuse local capture
func (b *RealtimeBackend) SupportsLocalCapture() bool {
	if b.capturer == nil {
		return false
	}
	f := b.RemoteFeatures()
	return f == nil || f.Webcam == nil || *f.Webcam
}

// CaptureEnabled reports whether the local capture is attached
func (b *RealtimeBackend) CaptureEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.captureEnabled
}

// ToggleCapture attaches or detaches the local capture on the live session.
// On failure the previous state is kept and a *CaptureError is returned.
func (b *RealtimeBackend) ToggleCapture(ctx context.Context, enable bool) (bool, error) {
	b.mu.Lock()
	if b.toggling {
		enabled := b.captureEnabled
		b.mu.Unlock()
		return enabled, ErrCaptureBusy
	}
	if enable == b.captureEnabled {
		b.captureWanted = enable
		b.mu.Unlock()
		return enable, nil
	}
	b.toggling = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.toggling = false
		b.mu.Unlock()
	}()

	if enable && !b.SupportsLocalCapture() {
		return false, ErrCaptureUnsupported
	}

	var (
		s *session
		h PluginHandle
		p Peer
	)
	b.q.do(func() {
		if s = b.sess; s != nil {
			h, p = s.handle, s.peer
		}
	})
	if s == nil || h == nil || p == nil {
		return !enable, ErrHandleNotReady
	}

	if enable {
		return b.enableCapture(ctx, s, h, p)
	}
	return b.disableCapture(ctx, s, h, p)
}

func (b *RealtimeBackend) enableCapture(ctx context.Context, s *session, h PluginHandle, p Peer) (bool, error) {
	c, err := b.capturer.Acquire(ctx)
	if err != nil {
		return false, &CaptureError{Op: "acquire", Err: err}
	}
	tracks := c.Tracks()
	if len(tracks) == 0 {
		c.Close()
		return false, &CaptureError{Op: "acquire", Err: ErrNoCaptureTracks}
	}
	if err := p.AddLocalTracks(tracks); err != nil {
		c.Close()
		return false, &CaptureError{Op: "attach", Err: err}
	}
	if err := b.renegotiate(ctx, s, h, p, true); err != nil {
		if rerr := p.RemoveLocalTracks(); rerr != nil {
			b.log.Debugf("Rollback failed: %v", rerr)
		}
		c.Close()
		return false, &CaptureError{Op: "negotiate", Err: err}
	}

	committed := false
	b.q.do(func() {
		if b.sess != s || s.peer != p {
			return
		}
		s.capture = c
		b.mu.Lock()
		b.captureEnabled = true
		b.captureWanted = true
		b.mu.Unlock()
		committed = true
	})
	if !committed {
		c.Close()
		return false, &CaptureError{Op: "attach", Err: ErrSessionClosed}
	}
	b.log.Info("Local capture attached")
	return true, nil
}

func (b *RealtimeBackend) disableCapture(ctx context.Context, s *session, h PluginHandle, p Peer) (bool, error) {
	var c peer.Capture
	b.q.do(func() {
		if b.sess == s && s.peer == p && s.capture != nil {
			c = s.capture
		}
	})
	if c == nil {
		// Session went away and took the capture with it
		b.mu.Lock()
		b.captureWanted = false
		b.mu.Unlock()
		return false, nil
	}

	if err := p.RemoveLocalTracks(); err != nil {
		return true, &CaptureError{Op: "release", Err: err}
	}
	if err := b.renegotiate(ctx, s, h, p, false); err != nil {
		if aerr := p.AddLocalTracks(c.Tracks()); aerr != nil {
			b.log.Warnf("Rollback failed: %v", aerr)
		}
		return true, &CaptureError{Op: "negotiate", Err: err}
	}

	b.q.do(func() {
		b.mu.Lock()
		b.captureWanted = false
		b.mu.Unlock()
		if b.sess == s {
			b.releaseCapture(s)
		}
	})
	b.log.Info("Local capture released")
	return false, nil
}

// renegotiate sends a configure request with a fresh offer and applies the
// answer the plugin returns. On failure the offer is rolled back so the
// peer is stable again.
func (b *RealtimeBackend) renegotiate(ctx context.Context, s *session, h PluginHandle, p Peer, video bool) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	defer cancel()
	defer func() {
		if err == nil {
			return
		}
		if rerr := p.Rollback(); rerr != nil {
			b.log.Debugf("Offer rollback failed: %v", rerr)
		}
	}()

	offer, err := p.Offer(ctx)
	if err != nil {
		return err
	}

	answers := make(chan webrtc.SessionDescription, 1)
	registered := false
	b.q.do(func() {
		if b.sess == s {
			s.pendingAnswer = answers
			registered = true
		}
	})
	if !registered {
		return ErrSessionClosed
	}
	defer b.q.post(func() {
		if s.pendingAnswer == answers {
			s.pendingAnswer = nil
		}
	})

	if err := h.Send(ctx, map[string]any{"request": "configure", "video": video}, &offer); err != nil {
		return err
	}

	select {
	case answer := <-answers:
		return p.SetAnswer(answer)
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for configure answer: %w", ctx.Err())
	}
}

// maybeAutoCapture restores the wanted capture once the stream started
func (b *RealtimeBackend) maybeAutoCapture(s *session) {
	b.mu.Lock()
	want := b.captureWanted && !b.captureEnabled && !b.toggling
	b.mu.Unlock()
	if !want || !b.SupportsLocalCapture() || s.peer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, b.requestTimeout)
		defer cancel()
		if _, err := b.ToggleCapture(ctx, true); err != nil {
			b.log.Warnf("Failed to enable local capture: %v", err)
		}
	}()
}
