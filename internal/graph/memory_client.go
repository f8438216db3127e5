package graph

import (
	"context"
	"sync"
)

// ExecutedQuery captures a cypher statement and parameters executed against the graph.
type ExecutedQuery struct {
	Query  string
	Params map[string]any
	Write  bool
}

// Handler answers a query on behalf of a MemoryClient.
type Handler func(q ExecutedQuery) (Result, error)

// MemoryClient is a recording Client for repository tests. Results come from
// the queued results first, then from the handler, then default to empty.
type MemoryClient struct {
	mu           sync.Mutex
	calls        []ExecutedQuery
	queued       []queuedResult
	handler      Handler
	connectivity error
}

type queuedResult struct {
	res Result
	err error
}

// NewMemoryClient instantiates an empty recording client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{}
}

// WithHandler installs a function answering every query not served from the queue.
func (m *MemoryClient) WithHandler(h Handler) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	return m
}

// WithConnectivityError forces VerifyConnectivity to return the supplied error.
func (m *MemoryClient) WithConnectivityError(err error) *MemoryClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectivity = err
	return m
}

// Push queues a result for the next query, read or write.
func (m *MemoryClient) Push(res Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, queuedResult{res: res})
}

// PushError queues an error for the next query.
func (m *MemoryClient) PushError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, queuedResult{err: err})
}

func (m *MemoryClient) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return m.execute(ctx, ExecutedQuery{Query: cypher, Params: cloneMap(params), Write: true})
}

func (m *MemoryClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return m.execute(ctx, ExecutedQuery{Query: cypher, Params: cloneMap(params)})
}

func (m *MemoryClient) execute(ctx context.Context, q ExecutedQuery) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, q)
	if len(m.queued) > 0 {
		next := m.queued[0]
		m.queued = m.queued[1:]
		m.mu.Unlock()
		return next.res, next.err
	}
	h := m.handler
	m.mu.Unlock()

	if h == nil {
		return Result{}, nil
	}
	return h(q)
}

func (m *MemoryClient) VerifyConnectivity(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectivity
}

func (m *MemoryClient) Close(context.Context) error {
	return nil
}

// Calls returns a snapshot of executed queries in order.
func (m *MemoryClient) Calls() []ExecutedQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutedQuery(nil), m.calls...)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
