// Package embeddings turns chunk and query text into vectors.
//
// Providers (FastEmbed local ONNX models, a TEI server, an OpenAI-compatible
// API through langchaingo, and a deterministic hashing embedder for tests)
// sit behind the Provider interface. Gateway adds what ingestion needs on
// top: sub-batching, bounded concurrency, rate limiting, per-sub-batch
// retries of transient failures, and dimension checks.
package embeddings
