package jasmine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lmittmann/tint"
)

// MemoryExtractor mines completed chat turns for new or changed facts
// and folds them into the guild's memory. It runs after the chat reply
// has been delivered and is strictly best-effort: every failure is
// logged and swallowed so it can never affect the response path.
type MemoryExtractor struct {
	store   *MemoryStore
	gateway *Ollama
	logger  *slog.Logger
}

func NewMemoryExtractor(
	store *MemoryStore,
	gateway *Ollama,
	logger *slog.Logger,
) *MemoryExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryExtractor{
		store:   store,
		gateway: gateway,
		logger:  logger.With(loggerNameKey, "extraction"),
	}
}

// parseExtractionResponse interprets the model's extraction answer:
// the literal NONE token (or an empty answer) yields no facts, and
// anything else is split on | into individual fact strings.
func parseExtractionResponse(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, extractionNoneToken) {
		return nil
	}
	parts := strings.Split(text, "|")
	facts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || strings.EqualFold(p, extractionNoneToken) {
			continue
		}
		facts = append(facts, p)
	}
	return facts
}

// Run performs one extraction pass for a finished chat turn. For each
// fact the model reports, any stored fact it conflicts with is evicted
// first, then the new fact is appended under a fresh ID.
func (e *MemoryExtractor) Run(
	ctx context.Context,
	guildID string,
	userMessage string,
	botReply string,
) {
	logger := e.logger
	if ctxLogger, ok := ContextLogger(ctx); ok {
		logger = ctxLogger.With(loggerNameKey, "extraction")
	}
	defer func() {
		if rc := recover(); rc != nil {
			logger.ErrorContext(
				ctx,
				"panic during memory extraction",
				"guild_id", guildID,
				"panic", rc,
			)
		}
	}()

	existing, err := e.store.ListedFacts(guildID)
	if err != nil {
		logger.ErrorContext(
			ctx,
			"error reading facts for extraction",
			"guild_id", guildID,
			tint.Err(err),
		)
		return
	}

	response, err := e.gateway.ExtractFacts(
		ctx,
		existing,
		userMessage,
		botReply,
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"memory extraction call failed",
			"guild_id", guildID,
			tint.Err(err),
		)
		return
	}

	facts := parseExtractionResponse(response)
	if len(facts) == 0 {
		logger.DebugContext(
			ctx,
			"no new facts extracted",
			"guild_id", guildID,
		)
		return
	}

	for _, fact := range facts {
		evictedID, err := e.store.EvictConflicting(ctx, guildID, fact)
		if err != nil {
			logger.ErrorContext(
				ctx,
				"error evicting conflicting fact",
				"guild_id", guildID,
				"fact", fact,
				tint.Err(err),
			)
			continue
		}
		if evictedID > 0 {
			logger.InfoContext(
				ctx,
				"evicted superseded fact",
				"guild_id", guildID,
				"fact_id", evictedID,
			)
		}
		if _, err = e.store.Add(ctx, guildID, fact); err != nil {
			logger.ErrorContext(
				ctx,
				"error storing extracted fact",
				"guild_id", guildID,
				"fact", fact,
				tint.Err(err),
			)
		}
	}
}
