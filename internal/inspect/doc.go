// Package inspect fetches inspected elements from a backend over a bridge
// and caches them per render pass.
//
// Reads never block. Inspect returns the cached element, the stored
// failure, or a *SuspendedError whose Wakeable settles when the request
// finishes. The caller retries the read after that:
//
//	for {
//		el, err := cache.Inspect(element, nil)
//		var s *inspect.SuspendedError
//		if errors.As(err, &s) {
//			<-s.Wakeable.Done()
//			continue
//		}
//		return el, err
//	}
//
// Await runs exactly that loop with a context.
//
// Each request races its correlated response against the bridge shutdown
// event, an optional pause event and a timeout. The first to fire settles
// the request; every listener and the timer are removed at that point.
package inspect
