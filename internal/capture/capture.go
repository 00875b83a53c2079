// Package capture abstracts the camera behind a single hook. The engine
// calls it once per tick; how a frame actually gets taken (gphoto2,
// libcamera-still, a test stub) is this package's problem.
package capture

import (
	"context"

	"lapse/internal/timelapse"
)

// Capturer takes one frame for rec. Errors are transient from the
// engine's point of view: the tick is logged and the job keeps going.
type Capturer interface {
	Capture(ctx context.Context, rec *timelapse.Record) error
}

// Func adapts a plain function to the Capturer interface.
type Func func(ctx context.Context, rec *timelapse.Record) error

func (f Func) Capture(ctx context.Context, rec *timelapse.Record) error {
	return f(ctx, rec)
}
