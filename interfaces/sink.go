package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomqr/types"
)

// ObjectSink receives objects pushed to the move listener or delivered by
// C-GET sub-operations.
type ObjectSink interface {
	Accept(ctx context.Context, obj types.IncomingObject) error
}

// ObjectSinkFunc adapts a function to ObjectSink.
type ObjectSinkFunc func(ctx context.Context, obj types.IncomingObject) error

func (f ObjectSinkFunc) Accept(ctx context.Context, obj types.IncomingObject) error {
	return f(ctx, obj)
}
