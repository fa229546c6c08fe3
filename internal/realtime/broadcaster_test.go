package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id string

	mu      sync.Mutex
	closed  bool
	full    bool
	frames  [][]byte
	onClose []func()
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSubscriber) Send(data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.full {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSubscriber) OnClose(fn func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		fn()
		return
	}
	f.onClose = append(f.onClose, fn)
	f.mu.Unlock()
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	hooks := f.onClose
	f.onClose = nil
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// markClosed flips the state without running hooks, like a socket that died
// before its read loop noticed.
func (f *fakeSubscriber) markClosed() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSubscriber) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, frame := range f.frames {
		out[i] = string(frame)
	}
	return out
}

func TestBroadcaster_PublishIsolatedPerSheet(t *testing.T) {
	b := NewBroadcaster(nil)
	a := newFakeSubscriber("a")
	c := newFakeSubscriber("c")
	b.Subscribe("S1", a)
	b.Subscribe("S2", c)

	n, err := b.Publish("S1", map[string]string{"type": "sheet_update"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"type":"sheet_update"}`}, a.received())
	assert.Empty(t, c.received())
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	n, err := b.Publish("nobody", map[string]string{"type": "sheet_update"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, b.SheetIDs())
}

func TestBroadcaster_DisconnectRemovesEmptySheet(t *testing.T) {
	b := NewBroadcaster(nil)
	c := newFakeSubscriber("c")
	b.Subscribe("S1", c)
	require.Equal(t, 1, b.Subscribers("S1"))

	c.Close()

	assert.Zero(t, b.Subscribers("S1"))
	assert.NotContains(t, b.SheetIDs(), "S1")
}

func TestBroadcaster_DisconnectKeepsOtherSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	c := newFakeSubscriber("c")
	d := newFakeSubscriber("d")
	b.Subscribe("S1", c)
	b.Subscribe("S1", d)

	c.Close()

	assert.Equal(t, 1, b.Subscribers("S1"))
	n, err := b.Publish("S1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{`{"n":1}`}, d.received())
	assert.Empty(t, c.received())
}

func TestBroadcaster_SkipsClosedSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	dead := newFakeSubscriber("dead")
	live := newFakeSubscriber("live")
	b.Subscribe("S1", dead)
	b.Subscribe("S1", live)
	dead.markClosed()

	n, err := b.Publish("S1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, dead.received())
	assert.Len(t, live.received(), 1)
}

func TestBroadcaster_FullBufferDropsFrame(t *testing.T) {
	b := NewBroadcaster(nil)
	slow := newFakeSubscriber("slow")
	slow.full = true
	fast := newFakeSubscriber("fast")
	b.Subscribe("S1", slow)
	b.Subscribe("S1", fast)

	n, err := b.Publish("S1", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, fast.received(), 1)
	// Still subscribed; only this frame was missed.
	assert.Equal(t, 2, b.Subscribers("S1"))
}

func TestBroadcaster_PreservesPublishOrder(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := newFakeSubscriber("sub")
	b.Subscribe("S1", sub)

	for i := 0; i < 50; i++ {
		_, err := b.Publish("S1", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	frames := sub.received()
	require.Len(t, frames, 50)
	for i, frame := range frames {
		var msg map[string]int
		require.NoError(t, json.Unmarshal([]byte(frame), &msg))
		assert.Equal(t, i, msg["seq"])
	}
}

func TestBroadcaster_UnsubscribeIsIdempotent(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := newFakeSubscriber("sub")
	other := newFakeSubscriber("other")
	unsubscribe := b.Subscribe("S1", sub)
	b.Subscribe("S1", other)

	unsubscribe()
	unsubscribe()
	sub.Close()

	assert.Equal(t, 1, b.Subscribers("S1"))
}

func TestBroadcaster_SubscribeAlreadyClosed(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := newFakeSubscriber("sub")
	sub.Close()

	b.Subscribe("S1", sub)

	assert.Zero(t, b.Subscribers("S1"))
}

func TestBroadcaster_EncodeError(t *testing.T) {
	b := NewBroadcaster(nil)
	sub := newFakeSubscriber("sub")
	b.Subscribe("S1", sub)

	_, err := b.Publish("S1", map[string]any{"bad": make(chan int)})
	require.Error(t, err)
	assert.Empty(t, sub.received())
}

func TestBroadcaster_CloseEmptiesMapping(t *testing.T) {
	b := NewBroadcaster(nil)
	subs := []*fakeSubscriber{newFakeSubscriber("a"), newFakeSubscriber("b"), newFakeSubscriber("c")}
	b.Subscribe("S1", subs[0])
	b.Subscribe("S1", subs[1])
	b.Subscribe("S2", subs[2])
	assert.Equal(t, []string{"S1", "S2"}, b.SheetIDs())

	b.Close()

	assert.Empty(t, b.SheetIDs())
	for _, sub := range subs {
		assert.False(t, sub.Open())
	}
}

func TestBroadcaster_ConcurrentSubscribeAndPublish(t *testing.T) {
	b := NewBroadcaster(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := newFakeSubscriber(string(rune('a' + i)))
		go func() {
			defer wg.Done()
			b.Subscribe("S1", sub)
			sub.Close()
		}()
		go func() {
			defer wg.Done()
			_, _ = b.Publish("S1", map[string]int{"n": 1})
		}()
	}
	wg.Wait()

	assert.Zero(t, b.Subscribers("S1"))
}
