package trade

import "sync"

// reqIDMap maps order ids to gateway request ids for cancellation.
// Entries for terminal orders are dropped as status events arrive.
type reqIDMap struct {
	mu sync.Mutex
	m  map[string]int64
}

func newReqIDMap() *reqIDMap {
	return &reqIDMap{m: make(map[string]int64)}
}

func (r *reqIDMap) put(orderID string, reqID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[orderID] = reqID
}

func (r *reqIDMap) take(orderID string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reqID, ok := r.m[orderID]
	if ok {
		delete(r.m, orderID)
	}
	return reqID, ok
}

func (r *reqIDMap) drop(orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, orderID)
}
