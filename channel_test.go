//go:build linux

package netreactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recordingPoller remembers every interest mask pushed down to the backend.
type recordingPoller struct {
	Poller
	updates []uint32
	removed int
}

func (p *recordingPoller) UpdateChannel(ch *Channel) bool {
	p.updates = append(p.updates, ch.Events())
	return p.Poller.UpdateChannel(ch)
}

func (p *recordingPoller) RemoveChannel(ch *Channel) {
	p.removed++
	p.Poller.RemoveChannel(ch)
}

// newLocalLoop creates a loop owned by the test goroutine; it is never run.
func newLocalLoop(t *testing.T, kind PollerKind) *EventLoop {
	loop, err := NewEventLoop(EventLoopConfig{Name: t.Name(), Poller: kind})
	require.NoError(t, err)
	t.Cleanup(loop.Close)
	return loop
}

type fakeOwner struct {
	isAlive bool
}

func (o *fakeOwner) alive() bool {
	return o.isAlive
}

func TestChannelInterestMask(t *testing.T) {
	loop := newLocalLoop(t, EpollPoller)
	rec := &recordingPoller{Poller: loop.poller}
	loop.poller = rec

	a, b := socketPair(t)
	defer closeFd(a)
	defer closeFd(b)

	ch := NewChannel(loop, a)
	assert.True(t, ch.IsNoneEvent())
	ch.EnableReading()
	ch.EnableWriting()
	assert.True(t, ch.IsReading())
	assert.True(t, ch.IsWriting())
	ch.DisableWriting()
	assert.False(t, ch.IsWriting())
	ch.DisableAll()
	assert.True(t, ch.IsNoneEvent())
	assert.Equal(t, []uint32{EventRead, EventRead | EventWrite, EventRead, EventNone}, rec.updates)

	// a channel without interest is still tracked until removed
	assert.True(t, loop.hasChannel(ch))
	ch.Remove()
	assert.False(t, loop.hasChannel(ch))
	assert.Equal(t, 1, rec.removed)
}

func TestChannelRemoveRequiresNoInterest(t *testing.T) {
	loop := newLocalLoop(t, EpollPoller)
	a, b := socketPair(t)
	defer closeFd(a)
	defer closeFd(b)

	ch := NewChannel(loop, a)
	ch.EnableReading()
	if strictInvariants {
		assert.Panics(t, ch.Remove)
	} else {
		ch.Remove()
		assert.True(t, loop.hasChannel(ch))
	}
	ch.DisableAll()
	ch.Remove()
	assert.False(t, loop.hasChannel(ch))
}

func TestChannelDispatch(t *testing.T) {
	loop := newLocalLoop(t, EpollPoller)
	ch := NewChannel(loop, 100)
	ch.DoNotLogHup()
	var got []string
	ch.SetReadCallback(func(time.Time) { got = append(got, "read") })
	ch.SetWriteCallback(func() { got = append(got, "write") })
	ch.SetCloseCallback(func() { got = append(got, "close") })
	ch.SetErrorCallback(func() { got = append(got, "error") })

	cases := []struct {
		revents uint32
		want    []string
	}{
		{pollIn, []string{"read"}},
		{pollPri, []string{"read"}},
		{pollRdHup, []string{"read"}},
		{pollOut, []string{"write"}},
		{pollHup, []string{"close"}},
		{pollHup | pollIn, []string{"read"}},
		{pollErr, []string{"error"}},
		{pollNval, []string{"error"}},
		{pollErr | pollIn | pollOut, []string{"error", "read", "write"}},
		{pollHup | pollOut, []string{"close", "write"}},
	}
	for _, c := range cases {
		got = nil
		ch.setRevents(c.revents)
		ch.handleEvent(time.Now())
		assert.Equal(t, c.want, got, ch.ReventsString())
	}
}

func TestChannelTieDropsEventsOfDeadOwner(t *testing.T) {
	loop := newLocalLoop(t, EpollPoller)
	ch := NewChannel(loop, 100)
	reads := 0
	ch.SetReadCallback(func(time.Time) { reads++ })
	owner := &fakeOwner{isAlive: true}
	ch.Tie(owner)

	ch.setRevents(pollIn)
	ch.handleEvent(time.Now())
	assert.Equal(t, 1, reads)

	owner.isAlive = false
	ch.handleEvent(time.Now())
	assert.Equal(t, 1, reads)
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "7: IN PRI OUT ", eventsToString(7, EventRead|EventWrite))
	assert.Equal(t, "3: HUP ERR ", eventsToString(3, pollHup|pollErr))
}

func testPollerBackend(t *testing.T, kind PollerKind) {
	loop := newLocalLoop(t, kind)
	base := loop.poller.ChannelCount()

	a, b := socketPair(t)
	defer closeFd(a)
	defer closeFd(b)

	ch := NewChannel(loop, a)
	ch.EnableReading()
	assert.Equal(t, base+1, loop.poller.ChannelCount())

	_, active := loop.poller.Poll(0, nil)
	assert.Empty(t, active)

	_, err := unix.Write(b, []byte("ping"))
	require.NoError(t, err)
	_, active = loop.poller.Poll(100, nil)
	require.Len(t, active, 1)
	assert.Same(t, ch, active[0])
	assert.NotZero(t, ch.Revents()&pollIn)

	// suspended: data is pending but no interest
	ch.DisableReading()
	_, active = loop.poller.Poll(0, nil)
	assert.Empty(t, active)
	assert.True(t, loop.poller.HasChannel(ch))

	ch.EnableWriting()
	_, active = loop.poller.Poll(100, nil)
	require.Len(t, active, 1)
	assert.NotZero(t, ch.Revents()&pollOut)
	assert.Zero(t, ch.Revents()&pollIn)

	ch.EnableReading()
	_, active = loop.poller.Poll(100, nil)
	require.Len(t, active, 1)
	assert.Equal(t, pollIn|pollOut, ch.Revents()&(pollIn|pollOut))

	ch.DisableAll()
	ch.Remove()
	assert.Equal(t, base, loop.poller.ChannelCount())
	assert.False(t, loop.poller.HasChannel(ch))

	// a second channel on a fresh fd after removal
	ch2 := NewChannel(loop, b)
	ch2.EnableWriting()
	_, active = loop.poller.Poll(100, nil)
	require.Len(t, active, 1)
	assert.Same(t, ch2, active[0])
	ch2.DisableAll()
	ch2.Remove()
	assert.Equal(t, base, loop.poller.ChannelCount())
}

func TestEpollPoller(t *testing.T) {
	testPollerBackend(t, EpollPoller)
}

func TestPollPoller(t *testing.T) {
	testPollerBackend(t, PollPoller)
}

func TestSelectPoller(t *testing.T) {
	testPollerBackend(t, SelectPoller)
}

func TestPollPollerRemoveKeepsIndexes(t *testing.T) {
	loop := newLocalLoop(t, PollPoller)
	var channels []*Channel
	for i := 0; i < 3; i++ {
		a, b := socketPair(t)
		defer closeFd(a)
		defer closeFd(b)
		ch := NewChannel(loop, a)
		ch.EnableWriting()
		channels = append(channels, ch)
	}
	// remove the first one; the last slot moves into its place
	channels[0].DisableAll()
	channels[0].Remove()
	_, active := loop.poller.Poll(100, nil)
	assert.ElementsMatch(t, channels[1:], active)
	for _, ch := range channels[1:] {
		ch.DisableAll()
		ch.Remove()
	}
	assert.Equal(t, 1, loop.poller.ChannelCount())
}

func TestParsePollerKind(t *testing.T) {
	kind, err := ParsePollerKind("")
	require.NoError(t, err)
	assert.Equal(t, EpollPoller, kind)
	kind, err = ParsePollerKind("SELECT")
	require.NoError(t, err)
	assert.Equal(t, SelectPoller, kind)
	_, err = ParsePollerKind("kqueue")
	assert.ErrorIs(t, err, errUnknownPoller)
}

func TestEpollPollerCloseTwice(t *testing.T) {
	poller, err := openEpollPoller(0)
	require.NoError(t, err)
	assert.NoError(t, poller.Close())
	assert.ErrorIs(t, poller.Close(), ErrPollerClosed)
}
