package shellcache

import (
	"context"
	"net/http"
	"sync"
)

// ExtendableEvent is the context object handed to every event handler.
// Tasks registered with WaitUntil extend the event's lifetime past the
// handler's return: they keep running after the response has been sent,
// and Worker.Wait blocks until all of them finish. The task context is
// detached from the triggering request, since the request context ends
// when the response is written.
type ExtendableEvent struct {
	ctx context.Context
	wg  *sync.WaitGroup
}

// WaitUntil runs task in the background and registers it with the worker.
// The task's outcome is never joined with the event's result.
func (e *ExtendableEvent) WaitUntil(task func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task(e.ctx)
	}()
}

// FetchEvent is the event context for one intercepted request.
type FetchEvent struct {
	ExtendableEvent
	Request *http.Request
}

func (w *Worker) newEvent() *ExtendableEvent {
	return &ExtendableEvent{ctx: context.Background(), wg: &w.tasks}
}

func (w *Worker) newFetchEvent(r *http.Request) *FetchEvent {
	return &FetchEvent{ExtendableEvent: *w.newEvent(), Request: r}
}
