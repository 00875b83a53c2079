package notify

import (
	"context"
	"errors"
	"fmt"

	"lapse/internal/engine"
	"lapse/internal/timelapse"
	"lapse/pkg/logx"
)

// Watch forwards scheduler events from the bus into the pipeline until
// ctx is cancelled. Run it under the app supervisor. Only engine topics
// are forwarded; the pipeline's own notifier.* events are ignored, so
// watching the same bus the service publishes on cannot loop.
func (s *Service) Watch(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m, ok := messageFor(ev.Type, ev.Data)
			if !ok {
				continue
			}
			err := s.Notify(ctx, m)
			switch {
			case err == nil:
			case errors.Is(err, ErrDisabled), errors.Is(err, ErrStopped):
				// Quiet: expected while the pipeline is off.
			default:
				s.log.Debug("forward to pipeline failed",
					logx.String("event", m.Event), logx.Err(err))
			}
		}
	}
}

func messageFor(topic string, data any) (Message, bool) {
	switch topic {
	case engine.TopicStateChanged:
		sc, ok := data.(engine.StateChange)
		if !ok {
			return Message{}, false
		}
		p := 3
		if sc.To == timelapse.Finished.String() {
			p = 5
		}
		return Message{
			Event:    topic,
			Text:     fmt.Sprintf("%s: %s -> %s", sc.Name, sc.From, sc.To),
			Priority: p,
			Data:     sc,
		}, true
	case engine.TopicCaptureFailed:
		cf, ok := data.(engine.CaptureFailure)
		if !ok {
			return Message{}, false
		}
		return Message{
			Event:    topic,
			Text:     fmt.Sprintf("%s: capture of frame %d failed: %s", cf.Name, cf.Frame, cf.Err),
			Priority: 7,
			Data:     cf,
		}, true
	}
	return Message{}, false
}
