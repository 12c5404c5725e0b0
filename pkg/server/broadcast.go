package server

import (
	"context"
	"log/slog"

	"github.com/aretw0/tessera/pkg/core"
	"github.com/aretw0/tessera/pkg/dispatch"
	"github.com/aretw0/tessera/pkg/protocol"
)

// Event is one callback before it is numbered.
type Event struct {
	Kind    string
	Target  string
	TaskIDs []core.TaskID
	UserID  string
	Data    any
}

// Broadcaster numbers the callbacks of one source and fans them out to the
// subscribed sessions. It belongs to its owner's dispatcher: subscribing and
// emitting on the same dispatcher is what makes a snapshot taken alongside
// Subscribe consistent with the index it returns.
type Broadcaster struct {
	source string
	d      *dispatch.Dispatcher
	logger *slog.Logger

	next uint64
	subs []*Session
}

// NewBroadcaster returns a broadcaster owned by d.
func NewBroadcaster(source string, d *dispatch.Dispatcher, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{source: source, d: d, logger: logger}
}

// Source returns the callback source name.
func (b *Broadcaster) Source() string {
	return b.source
}

// Subscribe adds s and returns the index of the next callback it will
// receive. Subscribing twice is a no-op.
func (b *Broadcaster) Subscribe(ctx context.Context, s *Session) (uint64, error) {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return 0, err
	}
	if !b.has(s) {
		b.subs = append(b.subs, s)
		s.track(b)
	}
	return b.next, nil
}

// Unsubscribe removes s.
func (b *Broadcaster) Unsubscribe(ctx context.Context, s *Session) error {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return err
	}
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			s.untrack(b)
			return nil
		}
	}
	return nil
}

// Clear removes every subscriber.
func (b *Broadcaster) Clear(ctx context.Context) error {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return err
	}
	for _, s := range b.subs {
		s.untrack(b)
	}
	b.subs = nil
	return nil
}

func (b *Broadcaster) has(s *Session) bool {
	for _, sub := range b.subs {
		if sub == s {
			return true
		}
	}
	return false
}

// Subscribers returns the number of subscribed sessions.
func (b *Broadcaster) Subscribers() int {
	return len(b.subs)
}

// Emit numbers ev and delivers it to every subscriber. The index advances
// even when nobody listens.
func (b *Broadcaster) Emit(ctx context.Context, ev Event) error {
	if err := b.d.VerifyAccess(ctx); err != nil {
		return err
	}
	data, err := protocol.Encode(ev.Data)
	if err != nil {
		return err
	}
	cb := protocol.Callback{
		Source:  b.source,
		Index:   b.next,
		Kind:    ev.Kind,
		Target:  ev.Target,
		TaskIDs: ev.TaskIDs,
		UserID:  ev.UserID,
		Data:    data,
	}
	b.next++
	for _, s := range b.subs {
		s.deliver(cb)
	}
	b.logger.Debug("callback emitted", "source", b.source, "index", cb.Index, "kind", cb.Kind, "subscribers", len(b.subs))
	return nil
}

func tasks(ids ...core.TaskID) []core.TaskID {
	var out []core.TaskID
	for _, id := range ids {
		if id != (core.TaskID{}) {
			out = append(out, id)
		}
	}
	return out
}
