// Package lifecycle exposes a client's replicated events as a
// lifecycle.Source.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tessera/pkg/client"
	"github.com/aretw0/tessera/pkg/core"
)

// Event is one change observed by the client. It implements
// lifecycle.Event.
type Event struct {
	Source string
	Kind   string
	UserID string
	Detail string
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Source, e.Kind)
	if e.UserID != "" {
		fmt.Fprintf(&b, " by %s", e.UserID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Option selects extra mirrors to watch.
type Option func(*source)

// WithDataBase also reports the types and tables changes of an entered
// data base.
func WithDataBase(db *client.DataBase) Option {
	return func(s *source) { s.dbs = append(s.dbs, db) }
}

type source struct {
	c   *client.Context
	dbs []*client.DataBase
	out chan lifecycle.Event

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
}

// NewSource creates a lifecycle.Source that emits every user, data base and
// domain event c applies.
func NewSource(c *client.Context, opts ...Option) lifecycle.Source {
	s := &source{
		c:    c,
		out:  make(chan lifecycle.Event),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *source) Events() <-chan lifecycle.Event {
	return s.out
}

// push runs on client dispatchers and must not block them.
func (s *source) push(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *source) Start(ctx context.Context) error {
	unsubs := []func(){
		s.c.Users().Subscribe(func(_ context.Context, e client.UserEvent) {
			s.push(Event{Source: "users", Kind: e.Kind, UserID: e.Authentication.UserID})
		}),
		s.c.DataBases().Subscribe(func(_ context.Context, e client.DataBaseEvent) {
			s.push(Event{Source: "databases", Kind: e.Kind, UserID: e.UserID, Detail: e.Info.Name})
		}),
		s.c.Domains().Subscribe(func(_ context.Context, e core.DomainEvent) {
			s.push(Event{Source: "domains", Kind: string(e.Kind), UserID: e.UserID, Detail: fmt.Sprintf("%s %s %s", e.Info.DataBase, e.Info.Kind, e.Info.Path)})
		}),
	}
	for _, db := range s.dbs {
		types, err := db.Types()
		if err != nil {
			stop(unsubs)
			return err
		}
		tables, err := db.Tables()
		if err != nil {
			stop(unsubs)
			return err
		}
		unsubs = append(unsubs,
			types.Subscribe("", s.items(db.Name()+"/types")),
			tables.Subscribe("", s.items(db.Name()+"/tables")),
		)
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		defer stop(unsubs)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			for _, e := range batch {
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

func (s *source) items(name string) func(context.Context, core.ItemsEvent) {
	return func(_ context.Context, e core.ItemsEvent) {
		paths := make([]string, len(e.Items))
		for i, it := range e.Items {
			paths[i] = it.Path
		}
		s.push(Event{Source: name, Kind: string(e.Kind), UserID: e.UserID, Detail: strings.Join(paths, ", ")})
	}
}

func stop(unsubs []func()) {
	for _, fn := range unsubs {
		fn()
	}
}
