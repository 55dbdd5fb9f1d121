// Package live pushes committed session snapshots to subscribed
// clients. Each session gets one feed goroutine owning its subscriber
// set; a registry goroutine owns the feed map. All coordination happens
// over typed message channels.
package live

import (
	"context"

	"github.com/vetohub/veto-backend/internal/session"
)

type Msg interface{ isFeedMsg() }

type Join struct {
	ClientID string
	Outbox   chan session.View // where this client receives snapshots
}

func (Join) isFeedMsg() {}

type Leave struct{ ClientID string }

func (Leave) isFeedMsg() {}

// Publish carries a freshly committed view into the feed.
type Publish struct{ View session.View }

func (Publish) isFeedMsg() {}

type Shutdown struct{}

func (Shutdown) isFeedMsg() {}

// GetStats reflects internal state without data races; test-only.
type GetStats struct{ Reply chan Stats }

func (GetStats) isFeedMsg() {}

type Stats struct {
	NumClients  int
	LastVersion int
}

// Feed is the per-session broadcast actor.
type Feed struct {
	inbox   chan Msg
	last    session.View
	hasLast bool
	clients map[string]chan session.View
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewFeed(parent context.Context) *Feed {
	ctx, cancel := context.WithCancel(parent)
	f := &Feed{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan session.View),
		ctx:     ctx,
		cancel:  cancel,
	}
	go f.loop()
	return f
}

func (f *Feed) Inbox() chan<- Msg { return f.inbox }

func (f *Feed) loop() {
	for {
		select {
		case <-f.ctx.Done():
			f.shutdown()
			return

		case m := <-f.inbox:
			switch msg := m.(type) {
			case Join:
				f.clients[msg.ClientID] = msg.Outbox
				if f.hasLast {
					// Replay must not stall the loop on a full outbox.
					select {
					case msg.Outbox <- f.last:
					default:
						close(msg.Outbox)
						delete(f.clients, msg.ClientID)
					}
				}

			case Leave:
				delete(f.clients, msg.ClientID)

			case Publish:
				// Drop snapshots older than what we already sent.
				if f.hasLast && msg.View.Version <= f.last.Version {
					break
				}
				f.last = msg.View
				f.hasLast = true
				f.broadcast(msg.View)

			case GetStats:
				msg.Reply <- Stats{NumClients: len(f.clients), LastVersion: f.last.Version}

			case Shutdown:
				f.shutdown()
				return
			}
		}
	}
}

func (f *Feed) shutdown() {
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
	f.cancel()
}

func (f *Feed) broadcast(v session.View) {
	for id, ch := range f.clients {
		select {
		case ch <- v:
		default:
			// Client is slow or full; drop them.
			close(ch)
			delete(f.clients, id)
		}
	}
}
