package netreactor

import (
	"strings"
	"time"
)

// Poller is an I/O multiplexing backend. A poller belongs to exactly one loop
// and every method must be called on that loop's thread.
type Poller interface {
	// Poll blocks up to timeoutMs and appends ready channels, with revents set,
	// to active. It returns the time the wait returned.
	Poll(timeoutMs int, active []*Channel) (time.Time, []*Channel)
	// UpdateChannel registers or modifies interest for the channel. A channel
	// with no interest is unregistered from the kernel but stays tracked.
	UpdateChannel(ch *Channel) bool
	// RemoveChannel drops all bookkeeping for the channel.
	RemoveChannel(ch *Channel)
	HasChannel(ch *Channel) bool
	ChannelCount() int
	Close() error
}

type PollerKind string

const (
	EpollPoller  PollerKind = "epoll"
	PollPoller   PollerKind = "poll"
	SelectPoller PollerKind = "select"
)

func ParsePollerKind(s string) (PollerKind, error) {
	switch kind := PollerKind(strings.ToLower(s)); kind {
	case "", EpollPoller:
		return EpollPoller, nil
	case PollPoller, SelectPoller:
		return kind, nil
	}
	return "", errUnknownPoller
}

func newPoller(kind PollerKind, eventsBufferSize int) (Poller, error) {
	switch kind {
	case "", EpollPoller:
		return openEpollPoller(eventsBufferSize)
	case PollPoller:
		return newPollPoller(), nil
	case SelectPoller:
		return newSelectPoller(), nil
	}
	return nil, errUnknownPoller
}

// channelMap is the fd bookkeeping shared by all backends.
type channelMap map[int]*Channel

func (m channelMap) has(ch *Channel) bool {
	found, ok := m[ch.fd]
	return ok && found == ch
}
