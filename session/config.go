package session

// DefaultContinuePrompt is the fixed user message a Continue turn sends.
const DefaultContinuePrompt = "continue"

const defaultConcurrencyLimit = 16

// Config holds runtime parameters shared by every conversation the engine
// creates. Per-conversation settings live in convo.Config.
type Config struct {
	// ConcurrencyLimit bounds the turn queue per conversation. Ask calls
	// beyond the limit block at admission instead of queueing, so overload
	// degrades into backpressure rather than unbounded memory growth.
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`
	// ContinuePrompt overrides the text a Continue turn sends.
	ContinuePrompt string `json:"continue_prompt,omitempty"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: defaultConcurrencyLimit,
		ContinuePrompt:   DefaultContinuePrompt,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.ConcurrencyLimit > 0 {
		c.ConcurrencyLimit = source.ConcurrencyLimit
	}
	if source.ContinuePrompt != "" {
		c.ContinuePrompt = source.ContinuePrompt
	}
}
