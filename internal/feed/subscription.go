package feed

import (
	"context"
	"sync"

	"github.com/user/deskstream/internal/types"
)

// subscription is the shared EventSubscription of both transports. The pump
// goroutine owns ch and closes it on exit.
type subscription struct {
	ch     chan *types.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	err    error
	closer func() error
	once   sync.Once
}

func newSubscription(ctx context.Context) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	return &subscription{
		ch:     make(chan *types.StreamEvent, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *subscription) Events() <-chan *types.StreamEvent { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.closer != nil {
			err = s.closer()
		}
		<-s.done
	})
	return err
}

// fail records a transport error unless the subscription is already closing.
func (s *subscription) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// send delivers ev unless the subscription is closing.
func (s *subscription) send(ev *types.StreamEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// finish must be deferred by the pump goroutine.
func (s *subscription) finish() {
	close(s.ch)
	close(s.done)
}
