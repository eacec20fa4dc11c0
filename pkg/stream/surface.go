package stream

import (
	"sync"

	"github.com/tomaslejdung/kvmview/pkg/geometry"
)

// Surface is the display sink shared by all backends. One backend owns it at
// a time; bound tracks belong to the owner.
type Surface struct {
	mu       sync.Mutex
	owner    any
	tracks   map[string]string // kind -> track id
	attached bool              // media handle exists
	view     geometry.Size
}

// NewSurface creates a surface with the given viewport
func NewSurface(view geometry.Size) *Surface {
	return &Surface{
		tracks: make(map[string]string),
		view:   view,
	}
}

// Acquire makes owner the exclusive user. Acquiring twice is a no-op.
func (s *Surface) Acquire(owner any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil && s.owner != owner {
		return ErrSurfaceBusy
	}
	s.owner = owner
	return nil
}

// Release drops every track and the media handle if owner holds the surface
func (s *Surface) Release(owner any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.owner = nil
	s.tracks = make(map[string]string)
	s.attached = false
}

// Bind attaches a track, replacing any track of the same kind
func (s *Surface) Bind(owner any, kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return ErrSurfaceBusy
	}
	s.tracks[kind] = id
	s.attached = true
	return nil
}

// Unbind detaches a track. Unknown tracks are ignored. The media handle is
// dropped with the last track so no stale frame survives a reconnect.
func (s *Surface) Unbind(owner any, kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner || s.tracks[kind] != id {
		return
	}
	delete(s.tracks, kind)
	if len(s.tracks) == 0 {
		s.attached = false
	}
}

// UnbindAll detaches every track owned by owner
func (s *Surface) UnbindAll(owner any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != owner {
		return
	}
	s.tracks = make(map[string]string)
	s.attached = false
}

// Track returns the bound track id of a kind
func (s *Surface) Track(kind string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tracks[kind]
	return id, ok
}

// TrackCount returns the number of bound tracks
func (s *Surface) TrackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Attached reports whether a media handle exists
func (s *Surface) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Owner returns the current owner or nil
func (s *Surface) Owner() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// SetViewport updates the rendered box size
func (s *Surface) SetViewport(view geometry.Size) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
}

// Viewport returns the rendered box size
func (s *Surface) Viewport() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}
