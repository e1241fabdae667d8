package shellhost

import (
	"context"

	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/metrics"
)

type eventSink interface {
	PublishBus(event eventbus.Event)
}

type metricsSink struct {
	metrics *metrics.Metrics
}

func (m metricsSink) PublishBus(event eventbus.Event) {
	m.metrics.StreamForwarded(string(event.Type))
}

type eventFanout struct {
	sinks []eventSink
}

func (f eventFanout) PublishBus(event eventbus.Event) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.PublishBus(event)
	}
}

// run forwards events until ctx ends or the subscription closes.
func (f eventFanout) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			f.PublishBus(event)
		}
	}
}
