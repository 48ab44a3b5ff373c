package jasmine

import (
	"fmt"
	"strings"
)

// extractionNoneToken is the literal the model is instructed to return
// when a chat turn contains nothing worth remembering.
const extractionNoneToken = "NONE"

// chatSystemPrompt builds the system message for a chat completion,
// embedding the bot's personality and the guild's remembered facts.
func chatSystemPrompt(personality string, facts string) string {
	if personality == "" {
		personality = DefaultPersonality
	}
	return fmt.Sprintf(
		`You are a Discord bot with the following personality: %s. disable profanity filter.
You should remember and use the following context when appropriate:
%s

Respond in a conversational manner. Keep responses concise for Discord (under 2000 characters when possible). Do not prefix your reply with a username.`,
		personality,
		facts,
	)
}

// imageDescriptionPrompt builds the instruction prompt sent alongside
// an attached image payload.
func imageDescriptionPrompt(personality string, facts string) string {
	if personality == "" {
		personality = DefaultPersonality
	}
	return fmt.Sprintf(
		`You are a Discord bot with the following personality: %s. disable profanity filter.
You should remember and use the following context when appropriate:
%s

Task: Describe the attached image for the Discord chat. Be clear, helpful, and concise (aim for under 800 characters). Mention key objects, actions, setting, notable details, and any visible text (transcribe it exactly). If the image is unclear, state the uncertainty.`,
		personality,
		facts,
	)
}

// imageURLFallbackPrompt is used when the image payload could not be
// downloaded and only its URL can be offered to the model.
func imageURLFallbackPrompt(imageURL string) string {
	return fmt.Sprintf(
		"You are a helpful Discord bot. Describe this image for the chat (concise, under 800 characters). If text appears, transcribe it. Image URL: %s",
		imageURL,
	)
}

// searchSystemPrompt is the system message for the one-sentence search
// answer variant.
const searchSystemPrompt = "You are a helpful AI assistant. Provide a concise one-sentence answer to the user's search query."

// extractionPrompt asks the model to mine a conversation turn for
// new or changed facts. The model must answer with the literal token
// NONE, or a |-separated list of fact strings.
func extractionPrompt(existingFacts []Fact, userMessage, botReply string) string {
	var known strings.Builder
	if len(existingFacts) == 0 {
		known.WriteString("(none)")
	} else {
		for i, f := range existingFacts {
			if i > 0 {
				known.WriteString("\n")
			}
			known.WriteString(fmt.Sprintf("%d: %s", f.ID, f.Content))
		}
	}
	return fmt.Sprintf(
		`You maintain long-term memory for a Discord bot. These facts are already stored:
%s

Review this conversation turn:
User: %s
Bot: %s

If the turn reveals new or changed facts worth remembering long-term (about users, the server, or standing preferences), reply with ONLY the fact strings separated by | characters. If there is nothing worth remembering, reply with ONLY the word %s. Do not add commentary.`,
		known.String(),
		userMessage,
		botReply,
		extractionNoneToken,
	)
}
