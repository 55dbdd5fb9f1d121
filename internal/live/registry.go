package live

import (
	"context"

	"github.com/vetohub/veto-backend/internal/session"
)

type regMsg interface{ isRegMsg() }

type ensureFeed struct {
	SessionID string
	Reply     chan *Feed
}

func (ensureFeed) isRegMsg() {}

type getFeed struct {
	SessionID string
	Reply     chan *Feed
}

func (getFeed) isRegMsg() {}

type removeFeed struct{ SessionID string }

func (removeFeed) isRegMsg() {}

type publishView struct{ View session.View }

func (publishView) isRegMsg() {}

type shutdownAll struct{}

func (shutdownAll) isRegMsg() {}

// Registry owns one Feed per session with live subscribers.
type Registry struct {
	inbox  chan regMsg
	feeds  map[string]*Feed
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(parent context.Context) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:  make(chan regMsg, 64),
		feeds:  make(map[string]*Feed),
		ctx:    ctx,
		cancel: cancel,
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case ensureFeed:
				f := r.feeds[msg.SessionID]
				if f == nil {
					f = NewFeed(r.ctx)
					r.feeds[msg.SessionID] = f
				}
				msg.Reply <- f

			case getFeed:
				msg.Reply <- r.feeds[msg.SessionID] // may be nil

			case removeFeed:
				if f := r.feeds[msg.SessionID]; f != nil {
					f.Inbox() <- Shutdown{}
					delete(r.feeds, msg.SessionID)
				}

			case publishView:
				f := r.feeds[msg.View.ID]
				if f == nil {
					break
				}
				f.Inbox() <- Publish{View: msg.View}
				// Nothing follows a terminal snapshot; retire the feed
				// once it has gone out.
				if msg.View.Status.Terminal() {
					f.Inbox() <- Shutdown{}
					delete(r.feeds, msg.View.ID)
				}

			case shutdownAll:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Registry) shutdown() {
	for id, f := range r.feeds {
		f.Inbox() <- Shutdown{}
		delete(r.feeds, id)
	}
	r.cancel()
}

// Ensure returns the feed for a session, creating it if needed.
func (r *Registry) Ensure(sessionID string) *Feed {
	reply := make(chan *Feed, 1)
	r.inbox <- ensureFeed{SessionID: sessionID, Reply: reply}
	return <-reply
}

// Get returns the feed for a session, or nil.
func (r *Registry) Get(sessionID string) *Feed {
	reply := make(chan *Feed, 1)
	r.inbox <- getFeed{SessionID: sessionID, Reply: reply}
	return <-reply
}

// Remove shuts down and forgets a session's feed.
func (r *Registry) Remove(sessionID string) {
	r.inbox <- removeFeed{SessionID: sessionID}
}

// Broadcast routes a committed view to its session's feed, if any.
// Plugs into session.Options.Publish.
func (r *Registry) Broadcast(v session.View) {
	r.inbox <- publishView{View: v}
}

// Close shuts down every feed.
func (r *Registry) Close() {
	r.inbox <- shutdownAll{}
}
