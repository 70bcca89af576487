// Package workgroup runs a set of long-lived workers under one context,
// collecting the first error and cancelling the rest.
package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type Group struct {
	ctx   context.Context
	group *errgroup.Group
}

// WithContext derives a Group whose workers share ctx's cancellation.
func WithContext(ctx context.Context) *Group {
	group, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, group: group}
}

// Work schedules fn as a worker. The worker receives the group's context and
// should return promptly once it is cancelled.
func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until all workers return and yields the first error, if any.
func (g *Group) Wait() error {
	return g.group.Wait()
}
