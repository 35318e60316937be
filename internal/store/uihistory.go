package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sessionforge/assistant-core/internal/shared/types"
)

// ErrNoUITransport indicates the broker has nowhere to send requests.
var ErrNoUITransport = errors.New("no ui transport registered")

// RequestFunc delivers a history request to the UI transport. It must not
// block; the response arrives later via Resolve.
type RequestFunc func(sessionID string)

// HistoryBroker implements UIHistoryProvider as a request/response exchange
// over an arbitrary UI transport.
//
// Requests are single-flight per session id: concurrent saves for the same
// session share one pending future instead of piling up requests on a shared
// pending map.
type HistoryBroker struct {
	send RequestFunc

	mu      sync.Mutex
	pending map[string]*historyCall
}

type historyCall struct {
	done     chan struct{}
	messages []types.SessionMessage
}

// NewHistoryBroker creates a broker that delivers requests via send.
func NewHistoryBroker(send RequestFunc) *HistoryBroker {
	return &HistoryBroker{
		send:    send,
		pending: make(map[string]*historyCall),
	}
}

// RequestHistory asks the UI for its copy of a session's message history and
// waits for Resolve or context expiry. Callers bound the wait with a context
// timeout; expiry is the degraded "use our own copy" path, not a failure of
// the broker.
func (b *HistoryBroker) RequestHistory(ctx context.Context, sessionID string) ([]types.SessionMessage, error) {
	if b.send == nil {
		return nil, ErrNoUITransport
	}

	b.mu.Lock()
	call, inflight := b.pending[sessionID]
	if !inflight {
		call = &historyCall{done: make(chan struct{})}
		b.pending[sessionID] = call
	}
	b.mu.Unlock()

	if !inflight {
		b.send(sessionID)
	}

	select {
	case <-call.done:
		return call.messages, nil
	case <-ctx.Done():
		// Leave the call pending: a late Resolve completes it for any
		// other waiter, and the next request reuses it.
		return nil, ctx.Err()
	}
}

// Resolve completes the pending request for a session. Responses for
// sessions without a pending request are dropped.
func (b *HistoryBroker) Resolve(sessionID string, messages []types.SessionMessage) {
	b.mu.Lock()
	call, ok := b.pending[sessionID]
	if ok {
		delete(b.pending, sessionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	call.messages = messages
	close(call.done)
}
