// Package memory is the long-term memory of the research assistant.
//
// The memory system stores traces: immutable, timestamped, owner-scoped
// fragments of text tagged with a role (an utterance, a paper summary, a
// critique, promoted knowledge). Traces are namespaced by owner and
// optionally by scope (a research idea).
//
// Architecture:
//   - Index: vector index backend that embeds text and answers k-NN queries
//     (chromem-go, in memory or persisted to disk)
//   - Embedder: text-to-vector conversion (hash embedder offline, ONNX
//     MiniLM locally, Gemini embeddings in production)
//   - Store: the only component that knows the trace shape; adds traces,
//     runs thresholded, deduplicated, scoped search and time-windowed reads
//
// Consumers:
//   - consolidation reads the window of traces newer than a user's
//     watermark and writes implicit_knowledge traces back
//   - adversarial searches paper_critique traces for counter-evidence
//   - dialogue grounds chat turns on search results and records each turn
//
// The store is append-only. Writers never mutate or delete existing
// traces, so readers never observe a half-written one.
package memory
