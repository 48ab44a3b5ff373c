package jasmine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFacts(n int) []Fact {
	facts := make([]Fact, 0, n)
	for i := 0; i < n; i++ {
		facts = append(
			facts,
			Fact{ID: i + 2, Content: fmt.Sprintf("fact number %d", i+2)},
		)
	}
	return facts
}

func TestFactListEmbedPaging(t *testing.T) {
	facts := testFacts(25)

	embed := factListEmbed(facts, 0, factListItemsPerPage)
	assert.Equal(t, "Page 1 of 3", embed.Footer.Text)
	lines := strings.Split(embed.Description, "\n")
	require.Len(t, lines, 10)
	assert.Equal(t, "2: fact number 2", lines[0])
	assert.Equal(t, "11: fact number 11", lines[9])

	embed = factListEmbed(facts, 2, factListItemsPerPage)
	assert.Equal(t, "Page 3 of 3", embed.Footer.Text)
	lines = strings.Split(embed.Description, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "22: fact number 22", lines[0])
}

func TestFactListEmbedEmpty(t *testing.T) {
	embed := factListEmbed(nil, 0, factListItemsPerPage)
	assert.Equal(t, "Page 1 of 1", embed.Footer.Text)
	assert.Empty(t, embed.Description)
}

func factListButtons(t *testing.T, components []discordgo.MessageComponent) (
	previous discordgo.Button,
	next discordgo.Button,
) {
	t.Helper()
	require.Len(t, components, 1)
	row, ok := components[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, row.Components, 2)

	previous, ok = row.Components[0].(discordgo.Button)
	require.True(t, ok)
	next, ok = row.Components[1].(discordgo.Button)
	require.True(t, ok)
	return previous, next
}

func TestFactListComponents(t *testing.T) {
	// first page of three: only Next enabled
	previous, next := factListButtons(
		t,
		factListComponents(25, 0, factListItemsPerPage),
	)
	assert.True(t, previous.Disabled)
	assert.False(t, next.Disabled)

	// middle page: both enabled
	previous, next = factListButtons(
		t,
		factListComponents(25, 1, factListItemsPerPage),
	)
	assert.False(t, previous.Disabled)
	assert.False(t, next.Disabled)

	// last page: only Previous enabled
	previous, next = factListButtons(
		t,
		factListComponents(25, 2, factListItemsPerPage),
	)
	assert.False(t, previous.Disabled)
	assert.True(t, next.Disabled)

	// single page: both disabled
	previous, next = factListButtons(
		t,
		factListComponents(5, 0, factListItemsPerPage),
	)
	assert.True(t, previous.Disabled)
	assert.True(t, next.Disabled)
}
