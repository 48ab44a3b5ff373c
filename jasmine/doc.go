// Package jasmine implements a Discord chat bot backed by a locally
// hosted Ollama instance.
//
// Jasmine listens for guild messages, classifies them into commands,
// and answers through three model paths: chat completion (with a
// one-sentence search variant), vision-model image description, and
// image generation. Replies are delivered strictly in order through
// two in-process dispatch queues - one for chat and search turns, one
// for image descriptions - each drained by a single worker with a
// fixed cooldown between tasks.
//
// Each guild gets its own persisted key/value fact memory, stored as
// one pretty-printed JSON file per guild. Facts enter the store
// through explicit remember commands and through a best-effort
// extraction pass that mines every finished chat turn for new or
// changed knowledge, evicting superseded facts as it goes. The merged
// fact set (a shared "default" store overlaid with the guild's own)
// is folded into every prompt.
//
// Key components of the package include:
//
//   - Jasmine: the main struct encapsulating the bot's core
//     functionality.
//   - Discord: gateway integration, message handling, and the
//     paginated fact listing UI.
//   - Ollama: the model gateway, including GPU/CPU resource options
//     and request throttling.
//   - MemoryStore: per-guild fact persistence with similarity-based
//     conflict handling.
//   - MemoryExtractor: the post-chat fact extraction pipeline.
//   - DispatchQueue: bounded FIFO task queues for reply delivery.
//   - API: a read-only diagnostics HTTP server.
//
// An audit trail of classified messages and fact mutations is kept in
// SQLite for after-the-fact inspection.
package jasmine
