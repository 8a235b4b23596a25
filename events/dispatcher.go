package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/flowcluster/flow"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/guseggert/flowcluster/store"
	"go.uber.org/zap"
)

// Handler consumes flow lifecycle events.
type Handler interface {
	HandleEvent(ctx context.Context, ev flow.Event)
}

// Loader reads back persisted flows.
type Loader interface {
	LoadExecutableFlow(ctx context.Context, execID int) (*flow.Flow, error)
}

// seenEvents bounds how many (type, execution) pairs are remembered for deduplication.
const seenEvents = 4096

// Dispatcher hands every event to the handler on its own goroutine, so a flow waiting
// for its cluster never delays notifications of other flows.
// An execution starts and finishes once, so repeated deliveries of the same event type
// for an execution are dropped.
type Dispatcher struct {
	handler Handler
	loader  Loader
	log     *zap.SugaredLogger
	seen    *lru.Cache[string, struct{}]

	ctx context.Context
	wg  sync.WaitGroup
}

// NewDispatcher builds a dispatcher whose handlers run with ctx.
// If loader is not nil, finish events are completed with the flow state persisted when the flow started.
func NewDispatcher(ctx context.Context, handler Handler, loader Loader, log *zap.SugaredLogger) *Dispatcher {
	// only fails for a non-positive size
	seen, _ := lru.New[string, struct{}](seenEvents)
	return &Dispatcher{
		handler: handler,
		loader:  loader,
		log:     log.Named("dispatcher"),
		seen:    seen,
		ctx:     ctx,
	}
}

func dedupKey(ev flow.Event) string {
	return fmt.Sprintf("%s/%d", ev.Type, ev.Flow.ExecutionID)
}

// Dispatch handles ev asynchronously. It returns false if the event was a duplicate and dropped.
func (d *Dispatcher) Dispatch(ev flow.Event) bool {
	if ev.Flow != nil {
		if seen, _ := d.seen.ContainsOrAdd(dedupKey(ev), struct{}{}); seen {
			d.log.Warnw("dropping duplicate event", "id", ev.ID, "type", ev.Type, "flow", ev.Flow.String())
			return false
		}
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.handler.HandleEvent(d.ctx, d.prepare(d.ctx, ev))
	}()
	return true
}

// Wait blocks until every dispatched event has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// prepare swaps the flow of a finish event for the persisted one, overlaid with the final status.
// Finish notifications only need to carry the execution id and status.
func (d *Dispatcher) prepare(ctx context.Context, ev flow.Event) flow.Event {
	if ev.Type != flow.EventFlowFinished || d.loader == nil {
		return ev
	}
	stored, err := d.loader.LoadExecutableFlow(ctx, ev.Flow.ExecutionID)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Debugf("no persisted state for flow %s, using the event as is", ev.Flow)
		return ev
	}
	if err != nil {
		d.log.Warnf("loading persisted flow %s: %s", ev.Flow, err)
		return ev
	}
	stored.Status = ev.Flow.Status
	stored.UpdateTime = ev.Time
	for k, v := range ev.Flow.ClusterProps {
		if !stored.ClusterProps.Has(k) {
			stored.SetClusterProp(k, v)
		}
	}
	ev.Flow = stored
	return ev
}

// DecodeEvent parses and validates a JSON event notification.
func DecodeEvent(b []byte) (flow.Event, error) {
	var ev flow.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Flow == nil {
		return ev, errors.New("event has no flow")
	}
	switch ev.Type {
	case flow.EventFlowStarted, flow.EventFlowFinished:
	default:
		return ev, fmt.Errorf("unsupported event type %q", ev.Type)
	}
	if ev.Type == flow.EventFlowFinished && !ev.Flow.Status.IsFinished() {
		return ev, fmt.Errorf("finish event with non-final status %q", ev.Flow.Status)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	return ev, nil
}
