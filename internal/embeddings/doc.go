// Package embeddings turns text into vectors for the retrieval store.
//
// Two providers are supported: OpenAI (through langchaingo) and a
// text-embeddings-inference server. NewProvider builds the configured one
// and wraps it with instrumentation and a client-side rate limit.
package embeddings
