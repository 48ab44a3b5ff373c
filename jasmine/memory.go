package jasmine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// defaultStoreID is the store whose facts are overlaid onto every
	// guild's facts when building prompt context.
	defaultStoreID = "default"

	// listedFactMinID is the lowest fact ID shown in user-visible
	// listings. IDs below this hold seeded server context.
	listedFactMinID = 2

	// removableFactMinID is the lowest fact ID users (or conflict
	// eviction) may delete. Requests to remove anything below this are
	// reported as not found.
	removableFactMinID = 5

	// tokenOverlapThreshold is the number of shared significant tokens
	// at which two facts are considered to describe the same thing.
	tokenOverlapThreshold = 2
)

var errFactNotFound = errors.New("fact not found")

// factStopWords are tokens ignored when comparing facts for overlap.
var factStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "and": {}, "or": {}, "to": {}, "of": {}, "in": {},
	"on": {}, "at": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"it": {}, "its": {}, "has": {}, "have": {}, "had": {}, "be": {},
	"been": {}, "my": {}, "your": {}, "their": {}, "his": {}, "her": {},
}

// FactAuditor records fact mutations. Implementations must not fail
// memory operations: errors are logged, not returned.
type FactAuditor interface {
	RecordFactChange(
		ctx context.Context,
		guildID string,
		action string,
		factID int,
		content string,
	)
}

// Fact is a single stored guild fact.
type Fact struct {
	ID      int    `json:"id"`
	Content string `json:"content"`
}

// MemoryStore persists per-guild fact memory as one JSON file per
// guild under its data directory, plus one file for the "default"
// store shared by all guilds. Fact IDs are positive integers stored as
// string keys, assigned as one greater than the current maximum.
// Operations on a given store are serialized; different stores may be
// written concurrently.
type MemoryStore struct {
	dataDir string
	logger  *slog.Logger
	auditor FactAuditor

	mu     sync.Mutex
	stores map[string]*sync.Mutex
}

// NewMemoryStore returns a MemoryStore writing guild memory files
// under dataDir.
func NewMemoryStore(
	dataDir string,
	logger *slog.Logger,
	auditor FactAuditor,
) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		dataDir: dataDir,
		logger:  logger.With(loggerNameKey, "memory"),
		auditor: auditor,
		stores:  map[string]*sync.Mutex{},
	}
}

func (m *MemoryStore) storeMutex(guildID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.stores[guildID]
	if !ok {
		mu = &sync.Mutex{}
		m.stores[guildID] = mu
	}
	return mu
}

func (m *MemoryStore) storePath(guildID string) string {
	return filepath.Join(m.dataDir, fmt.Sprintf("%s.json", guildID))
}

// readLocked loads a store's facts from disk. Callers must hold the
// store mutex. A missing file yields an empty map.
func (m *MemoryStore) readLocked(guildID string) (map[string]string, error) {
	data, err := os.ReadFile(m.storePath(guildID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading guild memory: %w", err)
	}
	facts := map[string]string{}
	if len(data) > 0 {
		if err = json.Unmarshal(data, &facts); err != nil {
			return nil, fmt.Errorf("parsing guild memory: %w", err)
		}
	}
	return facts, nil
}

// writeLocked persists a store's facts. Callers must hold the store
// mutex. The file is pretty-printed so it stays hand-editable.
func (m *MemoryStore) writeLocked(
	guildID string,
	facts map[string]string,
) error {
	data, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding guild memory: %w", err)
	}
	if err = os.WriteFile(m.storePath(guildID), data, 0o644); err != nil {
		return fmt.Errorf("writing guild memory: %w", err)
	}
	return nil
}

// Read returns all facts stored for the given guild (or the "default"
// store).
func (m *MemoryStore) Read(guildID string) (map[string]string, error) {
	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()
	return m.readLocked(guildID)
}

// ReadMerged overlays the guild's facts onto the "default" store's
// facts. Guild facts win on ID collision.
func (m *MemoryStore) ReadMerged(guildID string) (map[string]string, error) {
	merged, err := m.Read(defaultStoreID)
	if err != nil {
		return nil, err
	}
	if guildID == defaultStoreID {
		return merged, nil
	}
	guildFacts, err := m.Read(guildID)
	if err != nil {
		return nil, err
	}
	for k, v := range guildFacts {
		merged[k] = v
	}
	return merged, nil
}

// MergedFactValues returns the merged fact texts for a guild joined by
// commas in ascending ID order, for embedding in model prompts.
func (m *MemoryStore) MergedFactValues(guildID string) (string, error) {
	facts, err := m.ReadMerged(guildID)
	if err != nil {
		return "", err
	}
	values := make([]string, 0, len(facts))
	for _, id := range sortedFactIDs(facts) {
		values = append(values, facts[strconv.Itoa(id)])
	}
	return strings.Join(values, ","), nil
}

// EnsureSeeded creates the guild's memory file with a single seed fact
// naming the server, if and only if no memory file exists yet. An
// existing file is never touched, even if its contents differ.
func (m *MemoryStore) EnsureSeeded(
	ctx context.Context,
	guildID string,
	guildName string,
) error {
	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()

	if _, err := os.Stat(m.storePath(guildID)); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking guild memory: %w", err)
	}

	facts := map[string]string{
		"1": fmt.Sprintf("You are in the server called %s.", guildName),
	}
	if err := m.writeLocked(guildID, facts); err != nil {
		return err
	}
	m.logger.InfoContext(
		ctx,
		"seeded guild memory",
		"guild_id", guildID,
		"guild_name", guildName,
	)
	if m.auditor != nil {
		m.auditor.RecordFactChange(ctx, guildID, "seed", 1, facts["1"])
	}
	return nil
}

// nextFactID returns one greater than the highest existing fact ID, or
// 1 for an empty store. Non-numeric keys are ignored.
func nextFactID(facts map[string]string) int {
	maxID := 0
	for k := range facts {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}

// Add appends a new fact and returns its assigned ID.
func (m *MemoryStore) Add(
	ctx context.Context,
	guildID string,
	fact string,
) (int, error) {
	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()
	return m.addLocked(ctx, guildID, fact)
}

func (m *MemoryStore) addLocked(
	ctx context.Context,
	guildID string,
	fact string,
) (int, error) {
	facts, err := m.readLocked(guildID)
	if err != nil {
		return 0, err
	}
	id := nextFactID(facts)
	facts[strconv.Itoa(id)] = fact
	if err = m.writeLocked(guildID, facts); err != nil {
		return 0, err
	}
	m.logger.InfoContext(
		ctx,
		"added fact",
		"guild_id", guildID,
		"fact_id", id,
		"fact", fact,
	)
	if m.auditor != nil {
		m.auditor.RecordFactChange(ctx, guildID, "add", id, fact)
	}
	return id, nil
}

// Remove deletes the fact with the given ID. IDs below
// removableFactMinID are reserved, and reported as not found without
// touching the store, as is any ID with no stored fact. On success the
// removed fact text is returned.
func (m *MemoryStore) Remove(
	ctx context.Context,
	guildID string,
	id int,
) (string, error) {
	if id < removableFactMinID {
		return "", errFactNotFound
	}

	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()

	facts, err := m.readLocked(guildID)
	if err != nil {
		return "", err
	}
	key := strconv.Itoa(id)
	content, ok := facts[key]
	if !ok {
		return "", errFactNotFound
	}
	delete(facts, key)
	if err = m.writeLocked(guildID, facts); err != nil {
		return "", err
	}
	m.logger.InfoContext(
		ctx,
		"removed fact",
		"guild_id", guildID,
		"fact_id", id,
	)
	if m.auditor != nil {
		m.auditor.RecordFactChange(ctx, guildID, "remove", id, content)
	}
	return content, nil
}

// significantTokens lowercases and tokenizes a fact, dropping stop
// words and tokens shorter than three characters.
func significantTokens(s string) []string {
	fields := strings.FieldsFunc(
		strings.ToLower(s),
		func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		},
	)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := factStopWords[f]; stop {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// tokenOverlap counts the distinct significant tokens shared by two
// fact strings.
func tokenOverlap(a, b string) int {
	seen := map[string]struct{}{}
	for _, t := range significantTokens(a) {
		seen[t] = struct{}{}
	}
	shared := 0
	counted := map[string]struct{}{}
	for _, t := range significantTokens(b) {
		if _, dup := counted[t]; dup {
			continue
		}
		if _, ok := seen[t]; ok {
			shared++
			counted[t] = struct{}{}
		}
	}
	return shared
}

// factsSimilar reports whether two facts appear to describe the same
// thing: they share at least tokenOverlapThreshold significant tokens,
// or one contains the other.
func factsSimilar(a, b string) bool {
	la := strings.ToLower(strings.TrimSpace(a))
	lb := strings.ToLower(strings.TrimSpace(b))
	if la == "" || lb == "" {
		return false
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		return true
	}
	return tokenOverlap(a, b) >= tokenOverlapThreshold
}

// parseFactIDPrefix matches fact text formatted as "id: text".
func parseFactIDPrefix(s string) (int, bool) {
	idPart, _, found := strings.Cut(s, ":")
	if !found {
		return 0, false
	}
	id, err := strconv.Atoi(strings.TrimSpace(idPart))
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// UpdateBySimilarity rewrites the stored fact matching oldText to
// newText. oldText formatted as "id: text" addresses that ID directly;
// otherwise every stored fact is compared to oldText and the first
// similar one (in ascending ID order) is overwritten. When nothing
// matches, newText is added under a new ID. Returns the ID written and
// whether an existing fact was matched.
func (m *MemoryStore) UpdateBySimilarity(
	ctx context.Context,
	guildID string,
	oldText string,
	newText string,
) (int, bool, error) {
	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()

	facts, err := m.readLocked(guildID)
	if err != nil {
		return 0, false, err
	}

	update := func(id int) (int, bool, error) {
		facts[strconv.Itoa(id)] = newText
		if err = m.writeLocked(guildID, facts); err != nil {
			return 0, false, err
		}
		m.logger.InfoContext(
			ctx,
			"updated fact",
			"guild_id", guildID,
			"fact_id", id,
			"fact", newText,
		)
		if m.auditor != nil {
			m.auditor.RecordFactChange(ctx, guildID, "update", id, newText)
		}
		return id, true, nil
	}

	if id, ok := parseFactIDPrefix(oldText); ok {
		if _, exists := facts[strconv.Itoa(id)]; exists {
			return update(id)
		}
	}

	for _, id := range sortedFactIDs(facts) {
		if !factsSimilar(facts[strconv.Itoa(id)], oldText) {
			continue
		}
		return update(id)
	}

	id, err := m.addLocked(ctx, guildID, newText)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// EvictConflicting deletes the first stored fact (ascending ID order,
// reserved IDs skipped) similar to the given text. Returns the evicted
// ID, or zero when nothing conflicted.
func (m *MemoryStore) EvictConflicting(
	ctx context.Context,
	guildID string,
	text string,
) (int, error) {
	mu := m.storeMutex(guildID)
	mu.Lock()
	defer mu.Unlock()

	facts, err := m.readLocked(guildID)
	if err != nil {
		return 0, err
	}
	for _, id := range sortedFactIDs(facts) {
		if id < removableFactMinID {
			continue
		}
		key := strconv.Itoa(id)
		if !factsSimilar(facts[key], text) {
			continue
		}
		content := facts[key]
		delete(facts, key)
		if err = m.writeLocked(guildID, facts); err != nil {
			return 0, err
		}
		m.logger.InfoContext(
			ctx,
			"evicted conflicting fact",
			"guild_id", guildID,
			"fact_id", id,
			"evicted", content,
			"replacement", text,
		)
		if m.auditor != nil {
			m.auditor.RecordFactChange(ctx, guildID, "evict", id, content)
		}
		return id, nil
	}
	return 0, nil
}

// ListedFacts returns the guild's user-visible facts (ID >=
// listedFactMinID) sorted by ascending ID.
func (m *MemoryStore) ListedFacts(guildID string) ([]Fact, error) {
	facts, err := m.Read(guildID)
	if err != nil {
		return nil, err
	}
	listed := make([]Fact, 0, len(facts))
	for _, id := range sortedFactIDs(facts) {
		if id < listedFactMinID {
			continue
		}
		listed = append(listed, Fact{ID: id, Content: facts[strconv.Itoa(id)]})
	}
	return listed, nil
}

func sortedFactIDs(facts map[string]string) []int {
	ids := make([]int, 0, len(facts))
	for k := range facts {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
