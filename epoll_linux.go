//go:build linux

package netreactor

import (
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const defEventsBufferSize = 16

type epollPoller struct {
	fd       int
	events   []unix.EpollEvent
	channels channelMap
}

func openEpollPoller(eventsBufferSize int) (*epollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if eventsBufferSize < defEventsBufferSize {
		eventsBufferSize = defEventsBufferSize
	}
	return &epollPoller{
		fd:       fd,
		events:   make([]unix.EpollEvent, eventsBufferSize),
		channels: make(channelMap),
	}, nil
}

func (p *epollPoller) Close() error {
	if p.fd < 0 {
		return ErrPollerClosed
	}
	fd := p.fd
	p.fd = -1
	return os.NewSyscallError("close", unix.Close(fd))
}

func (p *epollPoller) Poll(timeoutMs int, active []*Channel) (time.Time, []*Channel) {
	evCount, err := epollWait(p.fd, p.events, timeoutMs)
	now := time.Now()
	if err != nil {
		if err == unix.EINTR {
			return now, active
		}
		log.Fatal().Msgf("error occurs in epoll: %v", os.NewSyscallError("epoll_pwait", err))
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		ch, ok := p.channels[int(event.Fd)]
		if !invariant(ok, "[%d] epoll reported an unknown fd", event.Fd) {
			continue
		}
		ch.setRevents(event.Events)
		active = append(active, ch)
	}
	if evCount == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return now, active
}

func (p *epollPoller) UpdateChannel(ch *Channel) bool {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] epoll update events: %s", ch.fd, ch.EventsString())
	}
	switch ch.state {
	case stateNew, stateDeleted:
		if ch.state == stateNew {
			if !invariant(p.channels[ch.fd] == nil, "[%d] fd is already registered in epoll", ch.fd) {
				return false
			}
			p.channels[ch.fd] = ch
		} else if !invariant(p.channels.has(ch), "[%d] suspended channel does not match epoll bookkeeping", ch.fd) {
			return false
		}
		ch.state = stateAdded
		return p.ctl(unix.EPOLL_CTL_ADD, ch)
	default:
		if !invariant(p.channels.has(ch) && ch.state == stateAdded, "[%d] channel does not match epoll bookkeeping", ch.fd) {
			return false
		}
		if ch.IsNoneEvent() {
			if p.ctl(unix.EPOLL_CTL_DEL, ch) {
				ch.state = stateDeleted
				return true
			}
			return false
		}
		return p.ctl(unix.EPOLL_CTL_MOD, ch)
	}
}

func (p *epollPoller) RemoveChannel(ch *Channel) {
	if !p.channels.has(ch) || !ch.IsNoneEvent() {
		return
	}
	if ch.state != stateAdded && ch.state != stateDeleted {
		return
	}
	delete(p.channels, ch.fd)
	if ch.state == stateAdded {
		p.ctl(unix.EPOLL_CTL_DEL, ch)
	}
	ch.state = stateNew
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	return p.channels.has(ch)
}

func (p *epollPoller) ChannelCount() int {
	return len(p.channels)
}

func (p *epollPoller) ctl(op int, ch *Channel) bool {
	var event *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		event = &unix.EpollEvent{Fd: int32(ch.fd), Events: ch.events}
	}
	err := unix.EpollCtl(p.fd, op, ch.fd, event)
	if err != nil {
		log.Error().Msgf("[%d] epoll_ctl op=%d on epoll fd %d: %v", ch.fd, op, p.fd, err)
		return false
	}
	return true
}

func epollWait(epollFd int, events []unix.EpollEvent, msec int) (count int, err error) {
	var eventCount uintptr
	var eventsPointer = unsafe.Pointer(&events[0])
	if msec == 0 {
		eventCount, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), 0, 0, 0)
	} else {
		eventCount, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	if err != nil {
		return 0, err
	}
	return int(eventCount), nil
}
