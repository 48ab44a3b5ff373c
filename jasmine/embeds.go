package jasmine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	factListItemsPerPage = 10
	factListWindow       = 60 * time.Second
	factListEmbedColor   = 0x0099ff

	customIDFactListPrevious = "factlist:previous"
	customIDFactListNext     = "factlist:next"
)

// factListPaginator tracks one active fact listing: the snapshot of
// facts taken when the command ran, the current page, and the user
// allowed to flip pages. Controls go dead after factListWindow.
type factListPaginator struct {
	facts     []Fact
	page      int
	userID    string
	channelID string
	messageID string
	expiry    *time.Timer
}

// factListEmbed renders one page of facts as "id: text" lines.
func factListEmbed(facts []Fact, page int, perPage int) *discordgo.MessageEmbed {
	pages := chunkItems(facts, perPage)
	var pageFacts []Fact
	if page >= 0 && page < len(pages) {
		pageFacts = pages[page]
	}
	lines := make([]string, 0, len(pageFacts))
	for _, f := range pageFacts {
		lines = append(lines, fmt.Sprintf("%d: %s", f.ID, f.Content))
	}
	pageCount := len(pages)
	if pageCount == 0 {
		pageCount = 1
	}
	return &discordgo.MessageEmbed{
		Title:       "List of Items",
		Color:       factListEmbedColor,
		Description: strings.Join(lines, "\n"),
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("Page %d of %d", page+1, pageCount),
		},
	}
}

// factListComponents builds the Previous/Next button row. Previous is
// disabled on the first page, Next when no further page exists.
func factListComponents(factCount, page, perPage int) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					CustomID: customIDFactListPrevious,
					Label:    "Previous",
					Style:    discordgo.SecondaryButton,
					Disabled: page == 0,
				},
				discordgo.Button{
					CustomID: customIDFactListNext,
					Label:    "Next",
					Style:    discordgo.SecondaryButton,
					Disabled: factCount <= (page+1)*perPage,
				},
			},
		},
	}
}

// sendFactList posts the first page of a guild's facts with paging
// controls, and registers a paginator that answers button presses for
// the next sixty seconds.
func (d *Discord) sendFactList(
	ctx context.Context,
	channelID string,
	userID string,
	facts []Fact,
) {
	embed := factListEmbed(facts, 0, factListItemsPerPage)
	components := factListComponents(len(facts), 0, factListItemsPerPage)

	msg, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error sending fact list",
			"channel_id", channelID,
			tint.Err(err),
		)
		return
	}

	p := &factListPaginator{
		facts:     facts,
		userID:    userID,
		channelID: channelID,
		messageID: msg.ID,
	}
	p.expiry = time.AfterFunc(
		factListWindow, func() {
			d.expirePaginator(p.messageID)
		},
	)

	d.paginatorMu.Lock()
	d.paginators[msg.ID] = p
	d.paginatorMu.Unlock()
}

// expirePaginator removes a paginator and strips the buttons from its
// message.
func (d *Discord) expirePaginator(messageID string) {
	d.paginatorMu.Lock()
	p, ok := d.paginators[messageID]
	if ok {
		delete(d.paginators, messageID)
	}
	d.paginatorMu.Unlock()
	if !ok {
		return
	}

	components := []discordgo.MessageComponent{}
	if _, err := d.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         p.messageID,
			Channel:    p.channelID,
			Components: &components,
		},
	); err != nil {
		d.logger.Warn(
			"error disabling fact list controls",
			"message_id", p.messageID,
			tint.Err(err),
		)
	}
}

// handlePaginationInteraction answers Previous/Next button presses on
// an active fact listing. Presses from other users, or on expired
// listings, are ignored.
func (d *Discord) handlePaginationInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	data := i.MessageComponentData()
	if data.CustomID != customIDFactListPrevious &&
		data.CustomID != customIDFactListNext {
		return
	}
	if i.Message == nil {
		return
	}

	var userID string
	if i.Member != nil && i.Member.User != nil {
		userID = i.Member.User.ID
	} else if i.User != nil {
		userID = i.User.ID
	}

	d.paginatorMu.Lock()
	p, ok := d.paginators[i.Message.ID]
	if ok && p.userID == userID {
		switch data.CustomID {
		case customIDFactListPrevious:
			if p.page > 0 {
				p.page--
			}
		case customIDFactListNext:
			if len(p.facts) > (p.page+1)*factListItemsPerPage {
				p.page++
			}
		}
	}
	d.paginatorMu.Unlock()

	if !ok || p.userID != userID {
		return
	}

	embed := factListEmbed(p.facts, p.page, factListItemsPerPage)
	components := factListComponents(
		len(p.facts),
		p.page,
		factListItemsPerPage,
	)
	err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{embed},
				Components: components,
			},
		},
	)
	if err != nil {
		d.logger.ErrorContext(
			ctx,
			"error updating fact list",
			"message_id", i.Message.ID,
			tint.Err(err),
		)
	}
}
