package broker

import (
	"context"
	"errors"

	pkglog "division-chat/internal/log"
)

var ErrHubStopped = errors.New("hub stopped")

type membership struct {
	group string
	sub   *Subscriber
}

type delivery struct {
	group string
	ev    Event
}

type sizeQuery struct {
	group string
	reply chan int
}

// Hub is the in-process group registry. Run owns groups and memberships;
// every other method talks to it over channels.
type Hub struct {
	groups      map[string]map[*Subscriber]struct{}
	memberships map[*Subscriber]map[string]struct{}

	join    chan membership
	leave   chan membership
	publish chan delivery
	size    chan sizeQuery

	stop chan struct{}
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		groups:      make(map[string]map[*Subscriber]struct{}),
		memberships: make(map[*Subscriber]map[string]struct{}),
		join:        make(chan membership),
		leave:       make(chan membership),
		publish:     make(chan delivery, 256),
		size:        make(chan sizeQuery),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case m := <-h.join:
			h.add(m.group, m.sub)

		case m := <-h.leave:
			h.remove(m.group, m.sub)

		case d := <-h.publish:
			h.deliver(d.group, d.ev)

		case q := <-h.size:
			q.reply <- len(h.groups[q.group])

		case <-h.stop:
			for sub := range h.memberships {
				h.evict(sub)
			}
			return
		}
	}
}

// Stop closes every subscriber inbox and ends Run.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

func (h *Hub) Join(ctx context.Context, group string, sub *Subscriber) error {
	return h.send(ctx, h.join, membership{group: group, sub: sub})
}

func (h *Hub) Leave(ctx context.Context, group string, sub *Subscriber) error {
	return h.send(ctx, h.leave, membership{group: group, sub: sub})
}

func (h *Hub) Publish(ctx context.Context, group string, ev Event) error {
	select {
	case h.publish <- delivery{group: group, ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// GroupSize reports how many subscribers are in group.
func (h *Hub) GroupSize(ctx context.Context, group string) (int, error) {
	q := sizeQuery{group: group, reply: make(chan int, 1)}
	select {
	case h.size <- q:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done:
		return 0, ErrHubStopped
	}
	return <-q.reply, nil
}

func (h *Hub) send(ctx context.Context, ch chan membership, m membership) error {
	select {
	case ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

func (h *Hub) add(group string, sub *Subscriber) {
	if sub.closed {
		return
	}
	members, ok := h.groups[group]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.groups[group] = members
	}
	members[sub] = struct{}{}

	joined, ok := h.memberships[sub]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[sub] = joined
	}
	joined[group] = struct{}{}
}

func (h *Hub) remove(group string, sub *Subscriber) {
	if members, ok := h.groups[group]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if joined, ok := h.memberships[sub]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(h.memberships, sub)
		}
	}
}

func (h *Hub) deliver(group string, ev Event) {
	for sub := range h.groups[group] {
		select {
		case sub.events <- ev:
		default:
			l := pkglog.L()
			l.Warn().Str(pkglog.FieldGroup, group).Str("subscriber", sub.ID).Msg("subscriber inbox full, evicting")
			h.evict(sub)
		}
	}
}

// evict drops sub from every group and closes its inbox.
func (h *Hub) evict(sub *Subscriber) {
	for group := range h.memberships[sub] {
		if members, ok := h.groups[group]; ok {
			delete(members, sub)
			if len(members) == 0 {
				delete(h.groups, group)
			}
		}
	}
	delete(h.memberships, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}
