package netreactor

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Event bits use poll(2) values. On Linux epoll shares them, so the epoll
// backend passes masks through untouched.
const (
	EventNone  uint32 = 0
	EventRead  uint32 = unix.POLLIN | unix.POLLPRI
	EventWrite uint32 = unix.POLLOUT

	pollIn    uint32 = unix.POLLIN
	pollPri   uint32 = unix.POLLPRI
	pollOut   uint32 = unix.POLLOUT
	pollErr   uint32 = unix.POLLERR
	pollHup   uint32 = unix.POLLHUP
	pollNval  uint32 = unix.POLLNVAL
	pollRdHup uint32 = unix.POLLRDHUP
)

// channel bookkeeping inside a poller
const (
	stateNew = iota
	stateAdded
	stateDeleted
)

// liveness is implemented by whatever owns a channel's callbacks. A channel
// tied to a dead owner drops its events.
type liveness interface {
	alive() bool
}

type ReadEventCallback func(receiveTime time.Time)
type EventCallback func()

// Channel binds one descriptor to its interest mask and callbacks. It does
// not own the descriptor and must only be touched on its loop.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	state   int
	index   int
	logHup  bool

	tie         liveness
	tied        bool
	addedToLoop bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		state:  stateNew,
		index:  -1,
		logHup: true,
	}
}

func (c *Channel) Fd() int                { return c.fd }
func (c *Channel) Events() uint32         { return c.events }
func (c *Channel) Revents() uint32        { return c.revents }
func (c *Channel) OwnerLoop() *EventLoop  { return c.loop }
func (c *Channel) IsNoneEvent() bool      { return c.events == EventNone }
func (c *Channel) IsWriting() bool        { return c.events&EventWrite != 0 }
func (c *Channel) IsReading() bool        { return c.events&EventRead != 0 }
func (c *Channel) DoNotLogHup()           { c.logHup = false }
func (c *Channel) setRevents(revt uint32) { c.revents = revt }

func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb EventCallback)    { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb EventCallback)    { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb EventCallback)    { c.errorCallback = cb }

// Tie makes dispatch conditional on owner still being alive.
func (c *Channel) Tie(owner liveness) {
	c.tie = owner
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= EventRead
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= EventRead
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWrite
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWrite
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove detaches the channel from its loop. The interest mask must already be
// cleared; the descriptor stays open.
func (c *Channel) Remove() {
	if !invariant(c.IsNoneEvent(), "[%d] channel removed with interest %s", c.fd, c.EventsString()) {
		return
	}
	if !c.addedToLoop {
		return
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

func (c *Channel) handleEvent(receiveTime time.Time) {
	if c.tied {
		if c.tie == nil || !c.tie.alive() {
			if log.Debug().Enabled() {
				log.Debug().Msgf("[%d] owner is gone, drop events: %s", c.fd, c.ReventsString())
			}
			return
		}
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] revents: %s", c.fd, c.ReventsString())
	}
	if c.revents&pollHup != 0 && c.revents&pollIn == 0 {
		if c.logHup {
			log.Warn().Msgf("[%d] channel got POLLHUP", c.fd)
		}
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&pollNval != 0 {
		log.Warn().Msgf("[%d] channel got POLLNVAL", c.fd)
	}
	if c.revents&(pollErr|pollNval) != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(pollIn|pollPri|pollRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&pollOut != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func (c *Channel) ReventsString() string {
	return eventsToString(c.fd, c.revents)
}

func (c *Channel) EventsString() string {
	return eventsToString(c.fd, c.events)
}

func eventsToString(fd int, ev uint32) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(fd))
	sb.WriteString(": ")
	names := []struct {
		bit  uint32
		name string
	}{
		{pollIn, "IN "}, {pollPri, "PRI "}, {pollOut, "OUT "}, {pollHup, "HUP "},
		{pollRdHup, "RDHUP "}, {pollErr, "ERR "}, {pollNval, "NVAL "},
	}
	for _, n := range names {
		if ev&n.bit != 0 {
			sb.WriteString(n.name)
		}
	}
	return sb.String()
}
