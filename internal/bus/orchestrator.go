package bus

import (
	"context"
	"sync"
	"time"

	"github.com/oriys/agentbus/internal/logging"
	"github.com/oriys/agentbus/internal/tracing"
	"golang.org/x/sync/errgroup"
)

// idlePollInterval is how long a consumer's loop sleeps after an idle
// poll before trying again.
const idlePollInterval = 50 * time.Millisecond

// Orchestrator supervises one long-running poll loop per registered
// consumer and gives them a clean, idempotent start/stop lifecycle.
type Orchestrator struct {
	mu        sync.Mutex
	consumers []Consumer
	cancel    context.CancelFunc
	group     *errgroup.Group
	running   bool
}

// NewOrchestrator wires a fixed set of consumers for the orchestrator to
// supervise.
func NewOrchestrator(consumers ...Consumer) *Orchestrator {
	return &Orchestrator{consumers: consumers}
}

// Start spawns one goroutine per consumer. Idempotent: calling Start while
// already running is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true
	o.group = &errgroup.Group{}
	for _, c := range o.consumers {
		c := c
		o.group.Go(func() error {
			o.run(loopCtx, c)
			return nil
		})
	}
}

func (o *Orchestrator) run(ctx context.Context, c Consumer) {
	logging.Op().Info("consumer loop started", "consumer", c.Name())
	for {
		if ctx.Err() != nil {
			logging.Op().Info("consumer loop stopped", "consumer", c.Name())
			return
		}

		// Stop cancels ctx; the poll itself runs on a context that
		// cancellation does not reach, so it is never interrupted mid-call.
		spanCtx, span := tracing.StartConsumerSpan(context.WithoutCancel(ctx), c.Name())
		didWork, err := c.PollOnce(spanCtx)
		if err != nil {
			// A failing poll_once must not tear down the loop — the base
			// consumer template already maps expected failures to nack;
			// anything surfacing here is a store-level error worth
			// logging and retrying on the next tick.
			tracing.SetSpanError(span, err)
			span.End()
			logging.Op().Error("consumer poll failed", "consumer", c.Name(), "error", err)
			continue
		}
		tracing.SetSpanOK(span)
		span.End()
		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			logging.Op().Info("consumer loop stopped", "consumer", c.Name())
			return
		case <-time.After(idlePollInterval):
		}
	}
}

// Stop requests cooperative cancellation of every loop and waits for each
// to settle. A loop mid-PollOnce finishes that call before unwinding, so
// ack/ledger atomicity is preserved. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel := o.cancel
	group := o.group
	o.running = false
	o.mu.Unlock()

	cancel()
	group.Wait()
}
