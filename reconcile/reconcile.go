// Package reconcile turns a sequence of raw, possibly-overlapping text
// snapshots from a streaming backend into a single monotonically-growing
// transcript. Push transports are adversarial in practice: they replay
// partial frames, restart generation mid-turn, and append trailing
// role-switch markers that must never reach the user. The reconciler decides
// growth vs. restart with a plain prefix test and truncates at configured
// stop tokens, so adapters need no backend-specific state of their own.
//
// A Reconciler belongs to the single turn that created it. It performs no
// I/O, is not safe for concurrent use, and is discarded when the turn ends.
package reconcile

import "strings"

// DefaultSeparator joins segments in the rendered transcript.
const DefaultSeparator = "\n\n"

// Reconciler accumulates streamed text observations into ordered segments.
// Each segment is one contiguous model utterance; a non-prefix observation
// starts a new segment rather than rewriting an old one.
type Reconciler struct {
	separator  string
	stopTokens []string

	segments []string
	cursor   int
	stopped  bool
	final    bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSeparator overrides the string joining segments in Text.
func WithSeparator(sep string) Option {
	return func(r *Reconciler) { r.separator = sep }
}

// WithStopTokens sets the substrings that end the visible answer. Text from
// the first occurrence onward is stripped from the current segment.
func WithStopTokens(tokens ...string) Option {
	return func(r *Reconciler) { r.stopTokens = tokens }
}

// New creates a Reconciler with an empty first segment.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		separator: DefaultSeparator,
		segments:  []string{""},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe feeds the next raw snapshot. It reports true when a stop token was
// hit, signalling the transport to cancel further reads for this turn.
// Observations after a stop token or after Final are ignored.
//
// Policy: an observation identical to the current segment is a no-op; one
// that extends the current segment replaces it; anything else opens a new
// segment. A snapshot shorter than the recorded segment but not a prefix is
// a restart, never a retraction — backends are append-only within a segment.
func (r *Reconciler) Observe(text string) bool {
	if r.stopped || r.final {
		return r.stopped
	}

	current := r.segments[r.cursor]
	switch {
	case text == "" || text == current:
		return false
	case current != "" && strings.HasPrefix(text, current):
		r.segments[r.cursor] = text
	case current != "":
		r.segments = append(r.segments, text)
		r.cursor++
	default:
		r.segments[r.cursor] = text
	}

	for _, token := range r.stopTokens {
		if token == "" {
			continue
		}
		if i := strings.Index(r.segments[r.cursor], token); i >= 0 {
			r.segments[r.cursor] = r.segments[r.cursor][:i]
			r.stopped = true
			return true
		}
	}
	return false
}

// Final marks end-of-stream. The transport calls it exactly once, whether
// the stream completed, was cancelled, or was cut off at a stop token.
func (r *Reconciler) Final() {
	r.final = true
}

// Text renders the transcript accumulated so far: all segments up to and
// including the cursor, joined by the separator.
func (r *Reconciler) Text() string {
	parts := make([]string, 0, r.cursor+1)
	for _, s := range r.segments[:r.cursor+1] {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, r.separator)
}

// Segments returns a copy of the accumulated segments.
func (r *Reconciler) Segments() []string {
	out := make([]string, r.cursor+1)
	copy(out, r.segments[:r.cursor+1])
	return out
}

// Cursor returns the index of the segment currently receiving growth.
func (r *Reconciler) Cursor() int {
	return r.cursor
}

// StopTriggered reports whether a stop token ended the visible answer.
func (r *Reconciler) StopTriggered() bool {
	return r.stopped
}
