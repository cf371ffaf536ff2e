//go:build linux

package netreactor

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const pollTimeMs = 100

type EventLoopConfig struct {
	Name            string
	Poller          PollerKind
	EventBufferSize int
}

// loops maps a kernel thread id to the loop living on it.
var loops = struct {
	sync.Mutex
	byThread map[int]*EventLoop
}{byThread: make(map[int]*EventLoop)}

// EventLoop is a reactor bound to one OS thread. Channels, connections and
// buffers attached to it are touched only from that thread; other goroutines
// talk to it through RunInLoop and QueueInLoop.
type EventLoop struct {
	Name                   string
	threadID               int
	looping                *atomic.Bool
	quit                   *atomic.Bool
	closed                 *atomic.Bool
	unpinned               *atomic.Bool
	callingPendingFunctors *atomic.Bool
	iteration              *atomic.Int64
	eventHandling          bool

	poller               Poller
	pollReturnTime       time.Time
	activeChannels       []*Channel
	currentActiveChannel *Channel

	wakeupFd      int
	wakeupChannel *Channel
	// extraBuf is the readv overflow area shared by every connection on the loop.
	extraBuf []byte

	// mu guards pendingFunctors and orders wakeup writes against Close.
	mu              sync.Mutex
	pendingFunctors *queue.Queue
}

// NewEventLoop creates a loop owned by the calling goroutine. The goroutine is
// locked to its OS thread until Close; a thread can own at most one loop.
func NewEventLoop(config EventLoopConfig) (*EventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	runtime.LockOSThread()
	tid := unix.Gettid()

	loops.Lock()
	defer loops.Unlock()
	if _, ok := loops.byThread[tid]; ok {
		runtime.UnlockOSThread()
		log.Error().Msgf("another event loop exists in thread %d", tid)
		return nil, ErrLoopExists
	}
	poller, err := newPoller(config.Poller, config.EventBufferSize)
	if err != nil {
		runtime.UnlockOSThread()
		log.Error().Msgf("can't open poller: %+v", err)
		return nil, err
	}
	wakeupFd, err := createWakeupFd()
	if err != nil {
		_ = poller.Close()
		runtime.UnlockOSThread()
		log.Error().Msgf("can't create wakeup fd: %+v", err)
		return nil, err
	}
	el := &EventLoop{
		Name:                   config.Name,
		threadID:               tid,
		looping:                atomic.NewBool(false),
		quit:                   atomic.NewBool(false),
		closed:                 atomic.NewBool(false),
		unpinned:               atomic.NewBool(false),
		callingPendingFunctors: atomic.NewBool(false),
		iteration:              atomic.NewInt64(0),
		poller:                 poller,
		wakeupFd:               wakeupFd,
		extraBuf:               make([]byte, extraBufSize),
		pendingFunctors:        queue.New(),
	}
	loops.byThread[tid] = el

	el.wakeupChannel = NewChannel(el, wakeupFd)
	el.wakeupChannel.SetReadCallback(el.handleWakeup)
	el.wakeupChannel.EnableReading()
	return el, nil
}

// EventLoopOfCurrentThread returns the loop owned by the calling goroutine, if any.
func EventLoopOfCurrentThread() *EventLoop {
	loops.Lock()
	defer loops.Unlock()
	return loops.byThread[unix.Gettid()]
}

// Loop runs until Quit. It must be called on the owning goroutine.
func (el *EventLoop) Loop() {
	if !el.checkInLoopThread("Loop") {
		return
	}
	if !invariant(!el.looping.Load(), "event loop %s is already looping", el.Name) {
		return
	}
	el.looping.Store(true)
	log.Info().Msgf("event loop %s start looping in thread %d", el.Name, el.threadID)

	for !el.quit.Load() {
		el.activeChannels = el.activeChannels[:0]
		el.pollReturnTime, el.activeChannels = el.poller.Poll(pollTimeMs, el.activeChannels)
		el.iteration.Inc()
		el.eventHandling = true
		for _, ch := range el.activeChannels {
			el.currentActiveChannel = ch
			ch.handleEvent(el.pollReturnTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false
		el.doPendingFunctors()
	}

	el.looping.Store(false)
	log.Info().Msgf("event loop %s stop looping", el.Name)
}

// Quit asks the loop to exit after its current iteration. A Quit issued
// before Loop starts is honoured: Loop returns without polling at all.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.wakeup()
	}
}

// RunInLoop runs fn inline on the loop thread, otherwise queues it.
func (el *EventLoop) RunInLoop(fn func()) {
	if el.IsInLoopThread() {
		fn()
	} else {
		el.QueueInLoop(fn)
	}
}

// QueueInLoop appends fn to the pending tasks. Safe from any goroutine. Once
// the loop is closed fn is dropped.
func (el *EventLoop) QueueInLoop(fn func()) {
	el.queueInLoop(fn)
}

func (el *EventLoop) queueInLoop(fn func()) bool {
	el.mu.Lock()
	if el.closed.Load() {
		el.mu.Unlock()
		log.Warn().Msgf("event loop %s is closed, drop task", el.Name)
		return false
	}
	el.pendingFunctors.Add(fn)
	el.mu.Unlock()

	if !el.IsInLoopThread() || el.callingPendingFunctors.Load() {
		el.wakeup()
	}
	return true
}

// RunInLoopSync runs fn on the loop and waits for it. Calling it from a
// foreign goroutine blocks until the loop drains its queue; tasks still queued
// when the loop stops run during Close. On a closed loop fn is not run and
// RunInLoopSync returns at once.
func (el *EventLoop) RunInLoopSync(fn func()) {
	if el.IsInLoopThread() {
		fn()
		return
	}
	done := make(chan struct{})
	if !el.queueInLoop(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// IsClosed reports whether Close has run.
func (el *EventLoop) IsClosed() bool {
	return el.closed.Load()
}

func (el *EventLoop) QueueSize() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.pendingFunctors.Length()
}

func (el *EventLoop) Iteration() int64 {
	return el.iteration.Load()
}

func (el *EventLoop) PollReturnTime() time.Time {
	return el.pollReturnTime
}

func (el *EventLoop) IsLooping() bool {
	return el.looping.Load()
}

// ChannelCount reports the channels registered by users of the loop; the
// internal wakeup channel is not counted.
func (el *EventLoop) ChannelCount() int {
	var n int
	el.RunInLoopSync(func() {
		n = el.poller.ChannelCount() - 1
	})
	return n
}

// IsInLoopThread is false for everyone once Close has released the thread.
func (el *EventLoop) IsInLoopThread() bool {
	return !el.unpinned.Load() && unix.Gettid() == el.threadID
}

func (el *EventLoop) AssertInLoopThread() {
	el.checkInLoopThread("AssertInLoopThread")
}

func (el *EventLoop) checkInLoopThread(op string) bool {
	return invariant(el.IsInLoopThread(), "%s: event loop %s belongs to thread %d, called from thread %d", op, el.Name, el.threadID, unix.Gettid())
}

func (el *EventLoop) updateChannel(ch *Channel) {
	if !invariant(ch.OwnerLoop() == el, "[%d] channel belongs to another loop", ch.fd) {
		return
	}
	if !el.checkInLoopThread("updateChannel") {
		return
	}
	el.poller.UpdateChannel(ch)
}

func (el *EventLoop) removeChannel(ch *Channel) {
	if !invariant(ch.OwnerLoop() == el, "[%d] channel belongs to another loop", ch.fd) {
		return
	}
	if !el.checkInLoopThread("removeChannel") {
		return
	}
	if el.eventHandling && el.currentActiveChannel != ch {
		for _, active := range el.activeChannels {
			if !invariant(active != ch, "[%d] channel removed while pending dispatch", ch.fd) {
				return
			}
		}
	}
	el.poller.RemoveChannel(ch)
}

func (el *EventLoop) hasChannel(ch *Channel) bool {
	if !el.checkInLoopThread("hasChannel") {
		return false
	}
	return el.poller.HasChannel(ch)
}

func (el *EventLoop) wakeup() {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.closed.Load() {
		return
	}
	if err := writeWakeupFd(el.wakeupFd); err != nil {
		log.Error().Msgf("event loop %s wakeup: %v", el.Name, err)
	}
}

func (el *EventLoop) handleWakeup(time.Time) {
	if err := readWakeupFd(el.wakeupFd); err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Error().Msgf("event loop %s handle wakeup: %v", el.Name, err)
	}
}

func (el *EventLoop) doPendingFunctors() {
	el.callingPendingFunctors.Store(true)
	defer el.callingPendingFunctors.Store(false)

	el.mu.Lock()
	if el.pendingFunctors.Length() == 0 {
		el.mu.Unlock()
		return
	}
	functors := el.pendingFunctors
	el.pendingFunctors = queue.New()
	el.mu.Unlock()

	for functors.Length() > 0 {
		functors.Remove().(func())()
	}
}

// Close runs the tasks still queued, releases the backend and the wakeup fd
// and unpins the thread. The loop must not be looping.
func (el *EventLoop) Close() {
	if el.unpinned.Load() {
		return
	}
	if !el.checkInLoopThread("Close") {
		return
	}
	if !invariant(!el.looping.Load(), "event loop %s closed while looping", el.Name) {
		return
	}
	el.mu.Lock()
	if el.closed.Swap(true) {
		el.mu.Unlock()
		return
	}
	functors := el.pendingFunctors
	el.pendingFunctors = queue.New()
	el.mu.Unlock()
	// no wakeup can be in flight once closed is set under mu
	for functors.Length() > 0 {
		functors.Remove().(func())()
	}

	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	if err := unix.Close(el.wakeupFd); err != nil {
		log.Error().Msgf("event loop %s close wakeup fd: %v", el.Name, err)
	}
	if err := el.poller.Close(); err != nil {
		log.Error().Msgf("got error while closing poller: %+v", err)
	}
	loops.Lock()
	delete(loops.byThread, el.threadID)
	loops.Unlock()
	el.unpinned.Store(true)
	runtime.UnlockOSThread()
	log.Debug().Msgf("event loop %s closed", el.Name)
}
