package types

// StreamDelta is a single incremental piece of a streaming response as parsed
// from one provider wire chunk.
type StreamDelta struct {
	Text string
	// Done marks the provider's end-of-stream event.
	Done bool
	// InputTokens/OutputTokens are populated when the provider reports usage
	// on its terminal chunk; zero otherwise.
	InputTokens  int
	OutputTokens int
}

// StreamEvent is what stream consumers receive, one event per token delta,
// terminated by exactly one event with Done=true or Err set.
type StreamEvent struct {
	Delta string
	Done  bool
	Err   error
	// Response carries the accumulated canonical response on the Done event.
	Response *CanonicalResponse
}
