package netreactor

import "errors"

var ErrLoopExists = errors.New("another event loop exists in this thread")
var ErrPollerClosed = errors.New("poller closed")
var ErrFdOutOfRange = errors.New("fd out of range for poller")
var errUnknownPoller = errors.New("unknown poller kind")
