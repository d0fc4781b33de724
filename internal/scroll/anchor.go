// Package scroll keeps a chat viewport stable while messages arrive.
package scroll

import "sync"

// State is the anchoring mode of the viewport.
type State int

const (
	// Pinned follows the newest message.
	Pinned State = iota
	// Free keeps the absolute offset while the user reads older messages.
	Free
)

func (s State) String() string {
	if s == Pinned {
		return "pinned"
	}
	return "free"
}

// Viewport describes the scroll position in content units.
type Viewport struct {
	Offset        float64
	Height        float64
	ContentHeight float64
}

// DistanceToBottom returns how far the bottom edge of the viewport is from the
// end of the content.
func (v Viewport) DistanceToBottom() float64 {
	d := v.ContentHeight - v.Height - v.Offset
	if d < 0 {
		return 0
	}
	return d
}

func (v Viewport) bottom() float64 {
	off := v.ContentHeight - v.Height
	if off < 0 {
		return 0
	}
	return off
}

// Option configures an Anchor.
type Option func(*Anchor)

// OnStateChange registers a callback fired after every state transition. It
// runs without the anchor lock held.
func OnStateChange(fn func(State)) Option {
	return func(a *Anchor) { a.onChange = fn }
}

// WithViewport sets the initial viewport.
func WithViewport(v Viewport) Option {
	return func(a *Anchor) { a.vp = v }
}

// Anchor is the pinned/free state machine for one message list.
type Anchor struct {
	mu        sync.Mutex
	threshold float64
	state     State
	vp        Viewport
	onChange  func(State)
}

// New creates an anchor that starts pinned. threshold is the distance from
// the bottom within which the viewport counts as at the bottom.
func New(threshold float64, opts ...Option) *Anchor {
	if threshold < 0 {
		threshold = 0
	}
	a := &Anchor{threshold: threshold, state: Pinned}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnScroll records a user scroll and updates the state.
func (a *Anchor) OnScroll(v Viewport) State {
	a.mu.Lock()
	a.vp = v
	next := Free
	if v.DistanceToBottom() <= a.threshold {
		next = Pinned
	}
	changed := next != a.state
	a.state = next
	cb := a.onChange
	a.mu.Unlock()

	if changed && cb != nil {
		cb(next)
	}
	return next
}

// NotifyNewContent grows the content by height at the bottom. A pinned
// viewport advances to show the newest message; a free one keeps its offset.
func (a *Anchor) NotifyNewContent(height float64) Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vp.ContentHeight += height
	if a.state == Pinned {
		a.vp.Offset = a.vp.bottom()
	}
	return a.vp
}

// NotifyPrepended grows the content by height at the top. The offset shifts
// by the same amount so the visible messages stay in place.
func (a *Anchor) NotifyPrepended(height float64) Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vp.ContentHeight += height
	a.vp.Offset += height
	return a.vp
}

// Resize changes the viewport height, keeping a pinned viewport at the bottom.
func (a *Anchor) Resize(height float64) Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vp.Height = height
	if a.state == Pinned {
		a.vp.Offset = a.vp.bottom()
	}
	return a.vp
}

// State returns the current state.
func (a *Anchor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Viewport returns the current viewport.
func (a *Anchor) Viewport() Viewport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vp
}
