package pagemanager

import (
	"context"

	"github.com/sushant-115/pagestore/core/write_engine/changeset"
)

// Context carries the state of one operation through the page manager.
// Pages fetched or allocated with a Context are registered in its
// Changeset; a nil Changeset hands lock ownership to the caller.
type Context struct {
	Ctx       context.Context
	Changeset *changeset.Changeset

	// set by PageManager.Checkpoint, consumed by Rollback
	checkpoint *checkpoint
}

func NewContext(ctx context.Context, cs *changeset.Changeset) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Context{Ctx: ctx, Changeset: cs}
}

func (c *Context) stdContext() context.Context {
	if c == nil || c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

func (c *Context) cset() *changeset.Changeset {
	if c == nil {
		return nil
	}
	return c.Changeset
}
