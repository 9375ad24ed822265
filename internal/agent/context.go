package agent

import "sync"

// Context is the shared execution context threaded through a pipeline run.
// Each completed step folds its result in under its agent key; members of
// the same execution group write concurrently, so access is synchronized.
type Context struct {
	mu            sync.RWMutex
	correlationID string
	pipeline      string
	results       map[string]any
}

// NewContext creates a run context for one orchestration run.
func NewContext(pipeline, correlationID string) *Context {
	return &Context{
		correlationID: correlationID,
		pipeline:      pipeline,
		results:       make(map[string]any),
	}
}

// CorrelationID returns the run's correlation id.
func (c *Context) CorrelationID() string { return c.correlationID }

// Pipeline returns the executing pipeline's name.
func (c *Context) Pipeline() string { return c.pipeline }

// SetResult stores a step result under its agent key.
func (c *Context) SetResult(agentKey string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[agentKey] = result
}

// Result returns the stored result for an agent key.
func (c *Context) Result(agentKey string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[agentKey]
	return result, ok
}

// Results returns a copy of every stored result.
func (c *Context) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}
