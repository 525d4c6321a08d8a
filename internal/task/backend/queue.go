package backend

import (
	"context"
	"fmt"

	"cadence/internal/eventbus"
	"cadence/internal/queue"
	"cadence/pkg/logx"
)

// Queue serializes units onto the durable queue for a worker process.
type Queue struct {
	store queue.Store
	log   logx.Logger
	bus   eventbus.Bus
}

func (*Queue) Mode() Mode { return ModeQueue }

func (q *Queue) Dispatch(ctx context.Context, u Unit) (*Handle, error) {
	m := &queue.Message{ID: u.ID, Type: u.Type, Args: u.Args, Tag: u.Tag, MaxAttempts: u.MaxAttempts}
	if err := q.store.Enqueue(ctx, m); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", u.Type, err)
	}
	u.ID = m.ID
	h := newHandle(u, ModeQueue)
	h.finish(StateEnqueued, nil)
	q.bus.Publish(eventbus.Event{Type: eventbus.QueueEnqueued, Data: m.ID})
	q.log.Debug("unit enqueued", logx.String("type", u.Type), logx.String("id", m.ID), logx.String("tag", u.Tag))
	return h, nil
}
