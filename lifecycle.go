package stageflow

import "context"

// Closer is implemented by stages that hold resources such as files or
// database handles. MultiStage.Close calls it once per loaded stage.
type Closer interface {
	Close(ctx context.Context) error
}

// Resettable is implemented by stages that keep state between invocations,
// e.g. a tracker carrying identities from one frame to the next.
// MultiStage.Reset calls it before the pipeline is reused for a new sequence.
type Resettable interface {
	Reset(ctx context.Context) error
}
