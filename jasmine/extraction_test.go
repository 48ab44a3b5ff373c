package jasmine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtractionResponse(t *testing.T) {
	assert.Nil(t, parseExtractionResponse("NONE"))
	assert.Nil(t, parseExtractionResponse("none"))
	assert.Nil(t, parseExtractionResponse("  NONE  "))
	assert.Nil(t, parseExtractionResponse(""))

	assert.Equal(
		t,
		[]string{"Bob's favorite color is blue"},
		parseExtractionResponse("Bob's favorite color is blue"),
	)
	assert.Equal(
		t,
		[]string{"Alice has a cat", "Bob plays guitar"},
		parseExtractionResponse("Alice has a cat | Bob plays guitar"),
	)
	assert.Equal(
		t,
		[]string{"Alice has a cat"},
		parseExtractionResponse("Alice has a cat | | NONE"),
	)
}

// newExtractionFixture wires a MemoryExtractor to a stub chat endpoint
// that always answers with the given text.
func newExtractionFixture(
	t *testing.T,
	modelAnswer string,
) (*MemoryExtractor, *MemoryStore) {
	t.Helper()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				resp := api.ChatResponse{
					Message: api.Message{
						Role:    "assistant",
						Content: modelAnswer,
					},
					Done: true,
				}
				require.NoError(t, json.NewEncoder(w).Encode(resp))
			},
		),
	)
	t.Cleanup(server.Close)

	store := newTestMemoryStore(t)
	gateway := newTestOllama(t, server.URL)
	return NewMemoryExtractor(store, gateway, nil), store
}

func TestMemoryExtractorNoneIsANoOp(t *testing.T) {
	ctx := context.Background()
	extractor, store := newExtractionFixture(t, "NONE")

	_, err := store.Add(ctx, "guild1", "existing fact")
	require.NoError(t, err)

	extractor.Run(ctx, "guild1", "hello", "hi there")

	facts, err := store.Read("guild1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "existing fact"}, facts)
}

func TestMemoryExtractorAddsNewFact(t *testing.T) {
	ctx := context.Background()
	extractor, store := newExtractionFixture(
		t,
		"Bob's favorite color is blue",
	)

	extractor.Run(ctx, "guild1", "my favorite color is blue", "noted!")

	facts, err := store.Read("guild1")
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]string{"1": "Bob's favorite color is blue"},
		facts,
	)
}

func TestMemoryExtractorEvictsConflicts(t *testing.T) {
	ctx := context.Background()
	extractor, store := newExtractionFixture(t, "Alice likes dogs")

	for range 4 {
		_, err := store.Add(ctx, "guild1", "reserved entry")
		require.NoError(t, err)
	}
	_, err := store.Add(ctx, "guild1", "Alice likes cats and reading")
	require.NoError(t, err)

	extractor.Run(ctx, "guild1", "alice likes dogs now", "got it")

	facts, err := store.Read("guild1")
	require.NoError(t, err)

	// the conflicting fact was evicted before the replacement was
	// appended
	assert.Equal(t, "Alice likes dogs", facts["5"])
	assert.Len(t, facts, 5)
	for _, content := range facts {
		assert.NotEqual(t, "Alice likes cats and reading", content)
	}
}

func TestMemoryExtractorSurvivesGatewayFailure(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		),
	)
	t.Cleanup(server.Close)

	store := newTestMemoryStore(t)
	extractor := NewMemoryExtractor(store, newTestOllama(t, server.URL), nil)

	_, err := store.Add(ctx, "guild1", "existing fact")
	require.NoError(t, err)

	// must not panic or mutate the store
	extractor.Run(ctx, "guild1", "hello", "hi")

	facts, err := store.Read("guild1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "existing fact"}, facts)
}
