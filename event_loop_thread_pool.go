//go:build linux

package netreactor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// EventLoopThreadPool owns the worker loops that connections are spread over.
// NextLoop and LoopForHash may only be called on the base loop.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	config     EventLoopConfig
	started    bool
	numThreads int
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
	}
}

func (p *EventLoopThreadPool) SetThreadNum(numThreads int) {
	p.numThreads = numThreads
}

// SetLoopConfig sets the template used for worker loops; Name is suffixed
// with the worker index.
func (p *EventLoopThreadPool) SetLoopConfig(config EventLoopConfig) {
	p.config = config
}

func (p *EventLoopThreadPool) Started() bool {
	return p.started
}

func (p *EventLoopThreadPool) Name() string {
	return p.name
}

// Start spawns the worker loops and blocks until all of them are ready.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) error {
	if !invariant(!p.started, "event loop thread pool %s already started", p.name) {
		return nil
	}
	if !p.baseLoop.checkInLoopThread("EventLoopThreadPool.Start") {
		return nil
	}
	p.started = true

	threads := make([]*EventLoopThread, p.numThreads)
	loops := make([]*EventLoop, p.numThreads)
	errs := make([]error, p.numThreads)
	latch := &sync.WaitGroup{}
	latch.Add(p.numThreads)
	for i := 0; i < p.numThreads; i++ {
		config := p.config
		config.Name = fmt.Sprintf("%s%d", p.name, i)
		threads[i] = NewEventLoopThread(config, cb)
		go func(i int) {
			defer latch.Done()
			loops[i], errs[i] = threads[i].StartLoop()
		}(i)
	}
	latch.Wait()

	for i, err := range errs {
		if err != nil {
			log.Error().Msgf("can't start event loop %s%d: %+v", p.name, i, err)
			for j, t := range threads {
				if errs[j] == nil {
					t.StopLoop()
				}
			}
			return err
		}
	}
	p.threads = threads
	p.loops = loops
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
	return nil
}

// NextLoop picks worker loops round-robin; with no workers it is the base loop.
func (p *EventLoopThreadPool) NextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	invariant(p.started, "event loop thread pool %s is not started", p.name)
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

// LoopForHash always maps the same hash code to the same loop.
func (p *EventLoopThreadPool) LoopForHash(hashCode uint64) *EventLoop {
	p.baseLoop.AssertInLoopThread()
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[hashCode%uint64(len(p.loops))]
	}
	return loop
}

func (p *EventLoopThreadPool) AllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.StopLoop()
	}
	p.threads = nil
	p.loops = nil
}
