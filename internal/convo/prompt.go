package convo

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"convobot/internal/storage"
)

// Token corrections for role and delimiter framing. pairOverhead covers one
// user/assistant exchange (user 4 + assistant 7).
const (
	userOverhead   = 4
	systemOverhead = 7
	pairOverhead   = 11
)

const replyWrapper = "A message to analyze that you are asked to respond to: "

// echoWordLimit is how many leading cleaned words are compared when
// de-duplicating a reply target against the last history entry.
const echoWordLimit = 15

var (
	markdownCodeBlockRe = regexp.MustCompile("```[\\s\\S]*?```")
	markdownMarkupRe    = regexp.MustCompile("[*_`~#>\\[\\]()!]")
	punctuationRe       = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
)

// PromptBuilder turns persisted history into the flat ordered message list
// sent to the provider.
type PromptBuilder struct {
	store   *storage.Store
	counter TokenCounter
}

func NewPromptBuilder(store *storage.Store, counter TokenCounter) *PromptBuilder {
	return &PromptBuilder{store: store, counter: counter}
}

// Build assembles the prompt window: system message, then as much history as
// the model's context window allows, then the new user message.
// questionTokens and systemTokens are pre-computed by the caller.
//
// History is walked oldest first and the walk stops as soon as the running
// budget reaches the context window, so under a tight budget old entries are
// kept in preference to recent ones. That ordering is observable behavior
// clients depend on; do not flip it.
func (b *PromptBuilder) Build(ctx context.Context, cfg ResolvedConfig, req Request, questionTokens, systemTokens int, now time.Time) ([]Message, error) {
	messages := []Message{{Role: RoleSystem, Content: cfg.Prompt.ENText}}

	var history []storage.HistoryEntry
	if cfg.Config != nil {
		var err error
		history, err = b.store.History(ctx, cfg.Config.ID, cfg.WindowStart, now)
		if err != nil {
			return nil, fmt.Errorf("load history window: %w", err)
		}
	}

	if req.ReplyTo != "" {
		replyTokens, err := b.counter.Count(req.ReplyTo, cfg.Model.TitleModel, userOverhead)
		if err != nil {
			return nil, fmt.Errorf("count reply target tokens: %w", err)
		}
		questionTokens += replyTokens
	}

	budget := questionTokens + systemTokens
	for _, item := range history {
		budget += item.QuestionTokens + item.AnswerTokens + pairOverhead
		if budget >= cfg.Model.ContextWindow {
			break
		}
		messages = append(messages,
			Message{Role: RoleUser, Content: item.Question},
			Message{Role: RoleAssistant, Content: item.Answer},
		)
	}

	if req.ReplyTo != "" {
		messages = removeEcho(messages, RoleAssistant, req.ReplyTo)
		messages = append(messages, Message{Role: RoleAssistant, Content: replyWrapper + req.ReplyTo})
	}

	return append(messages, Message{Role: RoleUser, Content: req.Text}), nil
}

// removeEcho drops the last message when it has the given role and its
// leading cleaned words match the reply target's, so quoting a recent answer
// does not duplicate it in the prompt.
func removeEcho(messages []Message, role Role, text string) []Message {
	if len(messages) == 0 {
		return messages
	}
	last := messages[len(messages)-1]
	if last.Role != role {
		return messages
	}
	if !sameWordSet(cleanAndSplit(last.Content, echoWordLimit), cleanAndSplit(text, echoWordLimit)) {
		return messages
	}
	return messages[:len(messages)-1]
}

// cleanAndSplit strips markdown markup and punctuation and returns the set
// of up to limit leading unique words.
func cleanAndSplit(text string, limit int) map[string]struct{} {
	text = markdownCodeBlockRe.ReplaceAllString(text, " ")
	text = markdownMarkupRe.ReplaceAllString(text, "")
	text = punctuationRe.ReplaceAllString(text, "")

	words := strings.Fields(text)
	if len(words) > limit {
		words = words[:limit]
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func sameWordSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for w := range a {
		if _, ok := b[w]; !ok {
			return false
		}
	}
	return true
}

// FlattenForCount renders messages the way the streamed path counts them:
// "role: content" fragments concatenated in order.
func FlattenForCount(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}
