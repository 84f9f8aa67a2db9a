// Package notify delivers admitted signals to every configured sink from a
// single dispatcher goroutine.
package notify

import (
	"context"
	"time"

	"github.com/rewired-gh/sigwatch/internal/logger"
	"github.com/rewired-gh/sigwatch/internal/metrics"
	"github.com/rewired-gh/sigwatch/internal/models"
)

// Sink is a notification boundary. Publish is called at most once per signal;
// retrying is the sink's own business.
type Sink interface {
	Name() string
	Publish(ctx context.Context, sig models.Signal) error
}

const defaultPublishTimeout = 30 * time.Second

// Dispatcher fans signals out to sinks.
type Dispatcher struct {
	sinks   []Sink
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, metrics: m, timeout: defaultPublishTimeout}
}

// Run publishes every signal received on signals until the channel is closed
// or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, signals <-chan models.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			d.Dispatch(ctx, sig)
		}
	}
}

// Dispatch publishes one signal to each sink in order. A failing sink does
// not prevent delivery to the others.
func (d *Dispatcher) Dispatch(ctx context.Context, sig models.Signal) {
	for _, sink := range d.sinks {
		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Publish(pctx, sig)
		cancel()
		if err != nil {
			logger.Error("Failed to publish signal %s for %s to %s: %v", sig.ID, sig.Instrument, sink.Name(), err)
			if d.metrics != nil {
				d.metrics.PublishErrors.WithLabelValues(sink.Name()).Inc()
			}
			continue
		}
		logger.Debug("Published signal %s for %s to %s", sig.ID, sig.Instrument, sink.Name())
	}
}
