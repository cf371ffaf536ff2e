//go:build linux

package netreactor

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// pollPoller keeps a dense pollfd slice; Channel.index is the slot. A channel
// without interest keeps its slot with a negated fd so the kernel skips it.
type pollPoller struct {
	pollFds  []unix.PollFd
	channels channelMap
}

func newPollPoller() *pollPoller {
	return &pollPoller{channels: make(channelMap)}
}

func (p *pollPoller) Close() error {
	return nil
}

func (p *pollPoller) Poll(timeoutMs int, active []*Channel) (time.Time, []*Channel) {
	numEvents, err := unix.Poll(p.pollFds, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active
		}
		log.Fatal().Msgf("error occurs in poll: %v", os.NewSyscallError("poll", err))
	}
	for i := 0; i < len(p.pollFds) && numEvents > 0; i++ {
		pfd := p.pollFds[i]
		if pfd.Revents == 0 {
			continue
		}
		numEvents--
		ch, ok := p.channels[int(pfd.Fd)]
		if !invariant(ok, "[%d] poll reported an unknown fd", pfd.Fd) {
			continue
		}
		ch.setRevents(uint32(uint16(pfd.Revents)))
		active = append(active, ch)
	}
	return now, active
}

func (p *pollPoller) UpdateChannel(ch *Channel) bool {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] poll update events: %s", ch.fd, ch.EventsString())
	}
	if ch.index < 0 {
		if !invariant(p.channels[ch.fd] == nil, "[%d] fd is already registered in poll", ch.fd) {
			return false
		}
		p.pollFds = append(p.pollFds, unix.PollFd{Fd: int32(ch.fd), Events: int16(ch.events)})
		ch.index = len(p.pollFds) - 1
		ch.state = stateAdded
		if ch.IsNoneEvent() {
			p.pollFds[ch.index].Fd = int32(-ch.fd - 1)
			ch.state = stateDeleted
		}
		p.channels[ch.fd] = ch
		return true
	}
	if !invariant(p.channels.has(ch) && ch.index < len(p.pollFds), "[%d] channel does not match poll bookkeeping", ch.fd) {
		return false
	}
	pfd := &p.pollFds[ch.index]
	pfd.Events = int16(ch.events)
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = int32(-ch.fd - 1)
		ch.state = stateDeleted
	} else {
		pfd.Fd = int32(ch.fd)
		ch.state = stateAdded
	}
	return true
}

func (p *pollPoller) RemoveChannel(ch *Channel) {
	if !p.channels.has(ch) || !ch.IsNoneEvent() || ch.index < 0 || ch.index >= len(p.pollFds) {
		return
	}
	idx := ch.index
	delete(p.channels, ch.fd)
	last := len(p.pollFds) - 1
	if idx != last {
		moved := p.pollFds[last]
		p.pollFds[idx] = moved
		movedFd := int(moved.Fd)
		if movedFd < 0 {
			movedFd = -movedFd - 1
		}
		p.channels[movedFd].index = idx
	}
	p.pollFds = p.pollFds[:last]
	ch.index = -1
	ch.state = stateNew
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	return p.channels.has(ch)
}

func (p *pollPoller) ChannelCount() int {
	return len(p.channels)
}
