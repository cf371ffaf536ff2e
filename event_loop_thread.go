//go:build linux

package netreactor

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type ThreadInitCallback func(loop *EventLoop)

// EventLoopThread runs one EventLoop on a dedicated, thread-locked goroutine.
type EventLoopThread struct {
	config   EventLoopConfig
	callback ThreadInitCallback
	mu       sync.Mutex
	loop     *EventLoop
	done     chan struct{}
}

func NewEventLoopThread(config EventLoopConfig, cb ThreadInitCallback) *EventLoopThread {
	return &EventLoopThread{
		config:   config,
		callback: cb,
	}
}

// StartLoop spawns the goroutine and returns once its loop is ready to accept
// tasks.
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	ready := make(chan error, 1)
	t.done = make(chan struct{})
	go t.threadFunc(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t.Loop(), nil
}

func (t *EventLoopThread) Loop() *EventLoop {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loop
}

// StopLoop quits the loop and waits for its goroutine to exit.
func (t *EventLoopThread) StopLoop() {
	if t.done == nil {
		return
	}
	if loop := t.Loop(); loop != nil {
		loop.Quit()
	}
	<-t.done
}

func (t *EventLoopThread) threadFunc(ready chan<- error) {
	defer close(t.done)
	loop, err := NewEventLoop(t.config)
	if err != nil {
		ready <- err
		return
	}
	if t.callback != nil {
		t.callback(loop)
	}
	t.mu.Lock()
	t.loop = loop
	t.mu.Unlock()
	ready <- nil

	loop.Loop()
	loop.Close()
	log.Debug().Msgf("event loop thread %s exited", t.config.Name)
}
