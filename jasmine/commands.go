package jasmine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// ownerUserID is the only user allowed to change the bot's mood or
// shut it down.
const ownerUserID = "548050617889980426"

const (
	replyBusy          = "I'm a bit busy right now, please try again in a moment."
	replyProcessFailed = "Failed to process request. Please try again."
	replyAttachImage   = "Please attach an image to describe."
	replyNeedPrompt    = "Provide a prompt, e.g., !img a sunset over mountains"
	replyNoImage       = "The image model did not return an image payload. Ensure the configured image model supports generation (e.g., flux, sdxl)."
	replySearchFailed  = "Sorry, I couldn't process that search query."
	replyWhatRemember  = "What should I remember?"
	replyWhatForget    = "What should I forget? You need to give the ID though!"
	replyBadForgetID   = "Cannot determine ID."
)

// shutdownFarewellDelay gives the farewell reply time to land before
// the process starts tearing down.
const shutdownFarewellDelay = 2 * time.Second

// handleMessage classifies an inbound guild message and either
// answers it directly or enqueues it on one of the dispatch queues.
func (j *Jasmine) handleMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	defer func() {
		if rc := recover(); rc != nil {
			j.logger.ErrorContext(
				ctx,
				"panic handling message",
				"message_id", m.ID,
				"panic", rc,
			)
		}
	}()

	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	contentLower := strings.ToLower(m.Content)
	reference := m.Reference()

	j.ensureGuildSeeded(ctx, m.GuildID)

	if m.Author.ID == ownerUserID {
		normalized := strings.TrimSpace(contentLower)
		if normalized == "shut down" {
			j.handleOwnerShutdown(ctx, m)
			return
		}
		if strings.HasPrefix(normalized, "mood") {
			j.handleOwnerMood(ctx, m, normalized)
			return
		}
	}

	// "describe ... image" bypasses everything else and goes straight
	// to the image queue
	if strings.Contains(contentLower, "describe") &&
		strings.Contains(contentLower, "image") {
		j.handleDescribeImage(ctx, m, reference)
		return
	}

	trigger := strings.ToLower(j.config.Discord.Trigger)
	prefix := j.config.Discord.Prefix

	var query string
	var search bool

	switch {
	case m.MessageReference != nil:
		query = j.buildReplyQuery(ctx, m, contentLower, trigger)

	case strings.HasPrefix(contentLower, trigger):
		image := j.describeAttachedImages(ctx, m, reference)
		query = fmt.Sprintf(
			"(username: %s, userid: %s) %s %s",
			m.Author.Username,
			m.Author.ID,
			strings.Replace(contentLower, trigger+" ", "", 1),
			image,
		)

	case strings.HasPrefix(contentLower, prefix+"search"):
		query = strings.TrimSpace(
			strings.Replace(contentLower, prefix+"search", "", 1),
		)
		search = true

	case strings.HasPrefix(contentLower, prefix+"img"):
		j.handleGenerateImage(ctx, m, reference)
		return

	case strings.HasPrefix(contentLower, prefix+"remember"):
		j.handleRemember(ctx, m, reference)
		return

	case strings.HasPrefix(contentLower, prefix+"forget"):
		j.handleForget(ctx, m, reference)
		return

	case strings.HasPrefix(contentLower, prefix+"list"):
		j.handleList(ctx, m)
		return

	case strings.HasPrefix(contentLower, prefix+"info"):
		j.handleInfo(ctx, m, reference)
		return
	}

	if query == "" {
		return
	}

	j.recordMessage(ctx, m, "chat")
	task := ChatTask{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Query:     query,
		Search:    search,
		Reply: func(ctx context.Context, content string) {
			j.discord.replyTo(ctx, m.ChannelID, reference, content)
		},
	}
	if !j.chatQueue.Enqueue(task) {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyBusy)
	}
}

// ensureGuildSeeded lazily creates the guild's memory file on first
// contact.
func (j *Jasmine) ensureGuildSeeded(ctx context.Context, guildID string) {
	guildName := guildID
	if guild, err := j.discord.session.Guild(guildID); err == nil {
		guildName = guild.Name
	} else {
		j.logger.WarnContext(
			ctx,
			"error fetching guild",
			"guild_id", guildID,
			tint.Err(err),
		)
	}
	if err := j.store.EnsureSeeded(ctx, guildID, guildName); err != nil {
		j.logger.ErrorContext(
			ctx,
			"error seeding guild memory",
			"guild_id", guildID,
			tint.Err(err),
		)
	}
}

// handleOwnerShutdown says goodbye in the current personality, then
// triggers a graceful shutdown.
func (j *Jasmine) handleOwnerShutdown(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	j.recordMessage(ctx, m, "shutdown")
	j.discord.typing(ctx, m.ChannelID)

	facts, err := j.store.MergedFactValues(m.GuildID)
	if err != nil {
		j.logger.ErrorContext(ctx, "error reading facts", tint.Err(err))
	}
	farewell, err := j.gateway.ChatCompletion(
		ctx,
		j.Personality(),
		facts,
		"(owner request) shut down now. Respond once in your current personality and say goodbye.",
	)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error generating farewell",
			tint.Err(err),
		)
	} else if farewell != "" {
		j.discord.replyTo(ctx, m.ChannelID, m.Reference(), farewell)
	}

	j.logger.WarnContext(ctx, "owner-triggered shutdown")
	time.AfterFunc(shutdownFarewellDelay, j.triggerShutdown)
}

// handleOwnerMood swaps the bot's personality at runtime.
func (j *Jasmine) handleOwnerMood(
	ctx context.Context,
	m *discordgo.MessageCreate,
	normalized string,
) {
	j.recordMessage(ctx, m, "mood")
	args := strings.Split(normalized, " ")
	mood := strings.Join(args[1:], " ")
	j.SetPersonality(mood)
	j.discord.setMoodStatus(j.Personality())
	j.discord.replyTo(
		ctx,
		m.ChannelID,
		m.Reference(),
		fmt.Sprintf("change mood to %s", j.Personality()),
	)
}

// imageAttachmentURLs collects the URLs of image attachments on a
// message, in attachment order.
func imageAttachmentURLs(m *discordgo.Message) []string {
	var urls []string
	for _, attachment := range m.Attachments {
		if attachment == nil {
			continue
		}
		if strings.HasPrefix(attachment.ContentType, "image/") {
			urls = append(urls, attachment.URL)
		}
	}
	return urls
}

// handleDescribeImage enqueues the message's attached images for
// description.
func (j *Jasmine) handleDescribeImage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) {
	imageURLs := imageAttachmentURLs(m.Message)
	if len(imageURLs) == 0 {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyAttachImage)
		return
	}
	j.recordMessage(ctx, m, "describe_image")
	task := ImageTask{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		ImageURLs: imageURLs,
		Reply: func(ctx context.Context, content string) {
			j.discord.replyTo(ctx, m.ChannelID, reference, content)
		},
	}
	if !j.imageQueue.Enqueue(task) {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyBusy)
	}
}

// describeAttachedImages describes any image attachments inline,
// replying with each description as it lands, and returns the
// combined description text for folding into the chat query.
func (j *Jasmine) describeAttachedImages(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) string {
	image := " "
	for _, imageURL := range imageAttachmentURLs(m.Message) {
		facts, err := j.store.MergedFactValues(m.GuildID)
		if err != nil {
			j.logger.ErrorContext(ctx, "error reading facts", tint.Err(err))
		}
		desc, err := j.gateway.DescribeImage(
			ctx,
			j.Personality(),
			facts,
			imageURL,
		)
		if err != nil {
			j.logger.ErrorContext(
				ctx,
				"error describing attachment",
				"image_url", imageURL,
				tint.Err(err),
			)
			continue
		}
		if desc != "" {
			image = desc
			j.discord.replyTo(ctx, m.ChannelID, reference, desc)
		}
	}
	return image
}

// buildReplyQuery assembles the chat query for a message that replies
// to another message. Replies to the bot always engage it; replies to
// other users only when prefixed with the trigger word.
func (j *Jasmine) buildReplyQuery(
	ctx context.Context,
	m *discordgo.MessageCreate,
	contentLower string,
	trigger string,
) string {
	original, err := j.discord.session.ChannelMessage(
		m.ChannelID,
		m.MessageReference.MessageID,
	)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error fetching replied-to message",
			"message_id", m.MessageReference.MessageID,
			tint.Err(err),
		)
		return ""
	}
	if original.Author == nil {
		return ""
	}

	isReplyToBot := original.Author.ID == j.discord.botID()

	switch {
	case !isReplyToBot && strings.HasPrefix(contentLower, trigger):
		image := j.describeAttachedImages(ctx, m, m.Reference())
		return fmt.Sprintf(
			"(CONTEXT: User %s is replying to %s's message: %q) (Current user: %s, userid: %s) User's message: %s %s",
			m.Author.Username,
			original.Author.Username,
			original.Content,
			m.Author.Username,
			m.Author.ID,
			strings.Replace(contentLower, trigger+" ", "", 1),
			image,
		)
	case isReplyToBot:
		image := j.describeAttachedImages(ctx, m, m.Reference())
		return fmt.Sprintf(
			"(CONTEXT: User %s is replying to YOUR previous message. Your previous message was: %q) (Current user: %s, userid: %s) User's reply: %s %s",
			m.Author.Username,
			original.Content,
			m.Author.Username,
			m.Author.ID,
			m.Content,
			image,
		)
	default:
		return ""
	}
}

// handleGenerateImage renders an image from the prompt and uploads it
// to the channel. This runs inline rather than on a queue: generation
// is rare and slow enough that queueing it behind chat turns would
// only add latency.
func (j *Jasmine) handleGenerateImage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) {
	prompt := strings.TrimSpace(
		m.Content[len(j.config.Discord.Prefix)+len("img"):],
	)
	if prompt == "" {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyNeedPrompt)
		return
	}
	j.recordMessage(ctx, m, "img")
	j.discord.typing(ctx, m.ChannelID)

	img, err := j.gateway.GenerateImage(ctx, prompt)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error generating image",
			"prompt", prompt,
			tint.Err(err),
		)
		// a model that answered with text gets a diagnostic reply;
		// transport failures stay generic
		var noImage *noImagePayloadError
		if errors.As(err, &noImage) {
			j.discord.replyTo(ctx, m.ChannelID, reference, replyNoImage)
		} else {
			j.discord.replyTo(ctx, m.ChannelID, reference, "Failed to generate image")
		}
		return
	}

	_, err = j.discord.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Files: []*discordgo.File{
				{
					Name:        img.Filename(),
					ContentType: img.MIME,
					Reader:      bytes.NewReader(img.Data),
				},
			},
		},
	)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error sending generated image",
			tint.Err(err),
		)
		j.discord.replyTo(
			ctx,
			m.ChannelID,
			reference,
			"Failed to send generated image.",
		)
	}
}

// handleRemember stores a user-provided fact.
func (j *Jasmine) handleRemember(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) {
	contentLower := strings.ToLower(m.Content)
	fact := strings.TrimSpace(
		strings.Replace(
			contentLower,
			j.config.Discord.Prefix+"remember",
			"",
			1,
		),
	)
	if fact == "" {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyWhatRemember)
		return
	}
	j.recordMessage(ctx, m, "remember")

	id, err := j.store.Add(ctx, m.GuildID, fact)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error storing fact",
			"guild_id", m.GuildID,
			tint.Err(err),
		)
		j.discord.replyTo(ctx, m.ChannelID, reference, replyProcessFailed)
		return
	}
	if _, err = j.discord.session.ChannelMessageSend(
		m.ChannelID,
		fmt.Sprintf("Okay. Item ID is %d. Please remember that!", id),
	); err != nil {
		j.logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// handleForget removes a fact by ID.
func (j *Jasmine) handleForget(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) {
	contentLower := strings.ToLower(m.Content)
	rawID := strings.TrimSpace(
		strings.Replace(
			contentLower,
			j.config.Discord.Prefix+"forget",
			"",
			1,
		),
	)
	if rawID == "" {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyWhatForget)
		return
	}
	id, err := strconv.Atoi(rawID)
	if err != nil || id <= 1 {
		j.discord.replyTo(ctx, m.ChannelID, reference, replyBadForgetID)
		return
	}
	j.recordMessage(ctx, m, "forget")

	removed, err := j.store.Remove(ctx, m.GuildID, id)
	var response string
	switch {
	case errors.Is(err, errFactNotFound):
		response = fmt.Sprintf("No item with ID %d found.", id)
	case err != nil:
		j.logger.ErrorContext(
			ctx,
			"error removing fact",
			"guild_id", m.GuildID,
			"fact_id", id,
			tint.Err(err),
		)
		response = replyProcessFailed
	default:
		response = fmt.Sprintf(
			"Item with ID %d has been forgotten!\n`%s`",
			id,
			removed,
		)
	}
	if _, err = j.discord.session.ChannelMessageSend(
		m.ChannelID,
		response,
	); err != nil {
		j.logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// handleList shows the guild's stored facts with paging controls.
func (j *Jasmine) handleList(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	j.recordMessage(ctx, m, "list")
	facts, err := j.store.ListedFacts(m.GuildID)
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error listing facts",
			"guild_id", m.GuildID,
			tint.Err(err),
		)
		j.discord.replyTo(ctx, m.ChannelID, m.Reference(), replyProcessFailed)
		return
	}
	j.discord.sendFactList(ctx, m.ChannelID, m.Author.ID, facts)
}

// handleInfo replies with a runtime diagnostics snapshot.
func (j *Jasmine) handleInfo(
	ctx context.Context,
	m *discordgo.MessageCreate,
	reference *discordgo.MessageReference,
) {
	j.recordMessage(ctx, m, "info")
	j.discord.replyTo(ctx, m.ChannelID, reference, j.infoSnapshot())
}

// recordMessage audits a classified inbound message, when the audit
// database is configured.
func (j *Jasmine) recordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
	command string,
) {
	if j.db == nil {
		return
	}
	j.db.RecordMessage(
		ctx,
		&DiscordMessage{
			MessageID: m.ID,
			GuildID:   m.GuildID,
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			Username:  m.Author.Username,
			Command:   command,
			Content:   m.Content,
		},
	)
}
