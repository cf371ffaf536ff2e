//go:build linux

package netreactor

import (
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// fdSetSize mirrors FD_SETSIZE: select cannot watch descriptors above it.
const fdSetSize = 1024

// selectPoller is the bitmap backend. Read, write and exception sets are
// rebuilt from the tracked channels on every call.
type selectPoller struct {
	channels channelMap
	fds      []int
}

func newSelectPoller() *selectPoller {
	return &selectPoller{channels: make(channelMap)}
}

func (p *selectPoller) Close() error {
	return nil
}

func (p *selectPoller) Poll(timeoutMs int, active []*Channel) (time.Time, []*Channel) {
	var readFds, writeFds, exceptFds unix.FdSet
	maxFd := -1
	for _, fd := range p.fds {
		ch := p.channels[fd]
		if ch.IsNoneEvent() {
			continue
		}
		if ch.events&pollIn != 0 {
			readFds.Set(fd)
		}
		if ch.events&pollPri != 0 {
			exceptFds.Set(fd)
		}
		if ch.events&pollOut != 0 {
			writeFds.Set(fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}
	var timeout *unix.Timeval
	if timeoutMs >= 0 {
		tv := unix.NsecToTimeval(int64(timeoutMs) * int64(time.Millisecond))
		timeout = &tv
	}
	numEvents, err := unix.Select(maxFd+1, &readFds, &writeFds, &exceptFds, timeout)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active
		}
		log.Fatal().Msgf("error occurs in select: %v", os.NewSyscallError("select", err))
	}
	if numEvents <= 0 {
		return now, active
	}
	for _, fd := range p.fds {
		ch := p.channels[fd]
		if ch.IsNoneEvent() {
			continue
		}
		var revents uint32
		if readFds.IsSet(fd) {
			revents |= pollIn
		}
		if exceptFds.IsSet(fd) {
			revents |= pollPri
		}
		if writeFds.IsSet(fd) {
			revents |= pollOut
		}
		if revents != 0 {
			ch.setRevents(revents)
			active = append(active, ch)
		}
	}
	return now, active
}

func (p *selectPoller) UpdateChannel(ch *Channel) bool {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] select update events: %s", ch.fd, ch.EventsString())
	}
	if !invariant(ch.fd >= 0 && ch.fd < fdSetSize, "[%d] fd is out of select range: %v", ch.fd, ErrFdOutOfRange) {
		return false
	}
	if ch.state == stateNew {
		if !invariant(p.channels[ch.fd] == nil, "[%d] fd is already registered in select", ch.fd) {
			return false
		}
		p.channels[ch.fd] = ch
		idx := sort.SearchInts(p.fds, ch.fd)
		p.fds = append(p.fds, 0)
		copy(p.fds[idx+1:], p.fds[idx:])
		p.fds[idx] = ch.fd
	} else if !invariant(p.channels.has(ch), "[%d] channel does not match select bookkeeping", ch.fd) {
		return false
	}
	if ch.IsNoneEvent() {
		ch.state = stateDeleted
	} else {
		ch.state = stateAdded
	}
	return true
}

func (p *selectPoller) RemoveChannel(ch *Channel) {
	if !p.channels.has(ch) || !ch.IsNoneEvent() {
		return
	}
	delete(p.channels, ch.fd)
	idx := sort.SearchInts(p.fds, ch.fd)
	if idx < len(p.fds) && p.fds[idx] == ch.fd {
		p.fds = append(p.fds[:idx], p.fds[idx+1:]...)
	}
	ch.state = stateNew
}

func (p *selectPoller) HasChannel(ch *Channel) bool {
	return p.channels.has(ch)
}

func (p *selectPoller) ChannelCount() int {
	return len(p.channels)
}
