package scroll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartsPinned(t *testing.T) {
	a := New(40)
	assert.Equal(t, Pinned, a.State())
}

func TestScrollPastThresholdFreesAndReturnPins(t *testing.T) {
	var seen []State
	a := New(40, OnStateChange(func(s State) { seen = append(seen, s) }))

	assert.Equal(t, Pinned, a.OnScroll(Viewport{Offset: 570, Height: 400, ContentHeight: 1000}))
	assert.Equal(t, Free, a.OnScroll(Viewport{Offset: 500, Height: 400, ContentHeight: 1000}))
	assert.Equal(t, Free, a.OnScroll(Viewport{Offset: 300, Height: 400, ContentHeight: 1000}))
	assert.Equal(t, Pinned, a.OnScroll(Viewport{Offset: 565, Height: 400, ContentHeight: 1000}))

	assert.Equal(t, []State{Free, Pinned}, seen)
}

func TestPinnedFollowsNewContent(t *testing.T) {
	a := New(40, WithViewport(Viewport{Offset: 600, Height: 400, ContentHeight: 1000}))
	for k := 1; k <= 5; k++ {
		v := a.NotifyNewContent(30)
		require.Equal(t, v.ContentHeight-v.Height, v.Offset)
		assert.Zero(t, v.DistanceToBottom())
	}
	assert.Equal(t, Pinned, a.State())
}

func TestFreeKeepsOffsetOnNewContent(t *testing.T) {
	a := New(40)
	a.OnScroll(Viewport{Offset: 120, Height: 400, ContentHeight: 1000})
	for k := 1; k <= 5; k++ {
		v := a.NotifyNewContent(30)
		require.Equal(t, 120.0, v.Offset)
	}
	assert.Equal(t, 1150.0, a.Viewport().ContentHeight)
	assert.Equal(t, Free, a.State())
}

func TestPrependPreservesAnchorInBothStates(t *testing.T) {
	free := New(40)
	free.OnScroll(Viewport{Offset: 120, Height: 400, ContentHeight: 1000})
	v := free.NotifyPrepended(250)
	assert.Equal(t, 370.0, v.Offset)
	assert.Equal(t, 1250.0, v.ContentHeight)

	pinned := New(40, WithViewport(Viewport{Offset: 600, Height: 400, ContentHeight: 1000}))
	v = pinned.NotifyPrepended(250)
	assert.Equal(t, 850.0, v.Offset)
	assert.Zero(t, v.DistanceToBottom())
	assert.Equal(t, Pinned, pinned.State())
}

func TestShortContentStaysAtTop(t *testing.T) {
	a := New(40, WithViewport(Viewport{Height: 400, ContentHeight: 100}))
	v := a.NotifyNewContent(50)
	assert.Zero(t, v.Offset)
}

func TestResizeKeepsPinnedAtBottom(t *testing.T) {
	a := New(40, WithViewport(Viewport{Offset: 600, Height: 400, ContentHeight: 1000}))
	v := a.Resize(300)
	assert.Equal(t, 700.0, v.Offset)
}
