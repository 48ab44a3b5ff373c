package jasmine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiscord(t *testing.T) (*Discord, *stubSession) {
	t.Helper()
	cfg := DefaultConfig()
	d := newDiscord(cfg.Discord, nil)
	session := newStubSession()
	d.session = session
	return d, session
}

func TestReplyToEmptyContent(t *testing.T) {
	d, session := newTestDiscord(t)

	d.replyTo(context.Background(), "channel1", nil, "")

	replies := session.replyMessages()
	require.Len(t, replies, 1)
	assert.Equal(
		t,
		"There was an error generating a response. Please try again.",
		replies[0],
	)
}

func TestReplyToSplitsLongContent(t *testing.T) {
	d, session := newTestDiscord(t)

	content := strings.TrimSpace(
		strings.Repeat("0123456789 ", 500),
	)
	d.replyTo(context.Background(), "channel1", nil, content)

	replies := session.replyMessages()
	require.Greater(t, len(replies), 1)
	for _, chunk := range replies {
		assert.LessOrEqual(t, len(chunk), splitMessageLimit)
	}
	assert.Equal(t, content, strings.Join(replies, " "))
}

// failingReplySession rejects reply sends so the plain-message
// fallback path can be exercised.
type failingReplySession struct {
	*stubSession
}

func (s *failingReplySession) ChannelMessageSendReply(
	string,
	string,
	*discordgo.MessageReference,
	...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return nil, errors.New("reply rejected")
}

func TestReplyToFallsBackToChannelMessage(t *testing.T) {
	d, session := newTestDiscord(t)
	d.session = &failingReplySession{stubSession: session}

	d.replyTo(context.Background(), "channel1", nil, "hello")

	assert.Empty(t, session.replyMessages())
	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0])
}

func buttonPress(messageID, customID, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionMessageComponent,
			Message: &discordgo.Message{ID: messageID},
			Member: &discordgo.Member{
				User: &discordgo.User{ID: userID},
			},
			Data: discordgo.MessageComponentInteractionData{
				CustomID: customID,
			},
		},
	}
}

func TestPaginationInteraction(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDiscord(t)

	d.sendFactList(ctx, "channel1", "user1", testFacts(25))

	d.paginatorMu.Lock()
	require.Len(t, d.paginators, 1)
	var messageID string
	for id := range d.paginators {
		messageID = id
	}
	d.paginatorMu.Unlock()

	// another user's press is ignored
	d.handlePaginationInteraction(
		ctx,
		buttonPress(messageID, customIDFactListNext, "someone-else"),
	)
	d.paginatorMu.Lock()
	assert.Equal(t, 0, d.paginators[messageID].page)
	d.paginatorMu.Unlock()

	d.handlePaginationInteraction(
		ctx,
		buttonPress(messageID, customIDFactListNext, "user1"),
	)
	d.paginatorMu.Lock()
	assert.Equal(t, 1, d.paginators[messageID].page)
	d.paginatorMu.Unlock()

	d.handlePaginationInteraction(
		ctx,
		buttonPress(messageID, customIDFactListPrevious, "user1"),
	)
	d.paginatorMu.Lock()
	assert.Equal(t, 0, d.paginators[messageID].page)
	d.paginatorMu.Unlock()

	// previous on the first page stays put
	d.handlePaginationInteraction(
		ctx,
		buttonPress(messageID, customIDFactListPrevious, "user1"),
	)
	d.paginatorMu.Lock()
	assert.Equal(t, 0, d.paginators[messageID].page)
	d.paginatorMu.Unlock()
}

func TestExpirePaginator(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDiscord(t)

	d.sendFactList(ctx, "channel1", "user1", testFacts(5))

	d.paginatorMu.Lock()
	require.Len(t, d.paginators, 1)
	var messageID string
	for id := range d.paginators {
		messageID = id
	}
	d.paginators[messageID].expiry.Stop()
	d.paginatorMu.Unlock()

	d.expirePaginator(messageID)

	d.paginatorMu.Lock()
	assert.Empty(t, d.paginators)
	d.paginatorMu.Unlock()

	// a press after expiry is a no-op
	d.handlePaginationInteraction(
		ctx,
		buttonPress(messageID, customIDFactListNext, "user1"),
	)
}
