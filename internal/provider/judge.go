package provider

import (
	"context"
	"fmt"
	"strings"
)

const judgeSystemPrompt = `You review an agent conversation and decide whether the agent is stuck repeating itself without making progress. Answer with a single word: LOOPING or PROGRESSING.`

// RepetitionJudge asks an LLM whether a conversation is looping.
// It satisfies the loopdetect.Judge contract.
type RepetitionJudge struct {
	provider LLMProvider
	model    string
	// MaxHistory bounds how many trailing entries are sent.
	MaxHistory int
}

// NewRepetitionJudge creates a judge backed by the given provider.
func NewRepetitionJudge(p LLMProvider, model string) *RepetitionJudge {
	return &RepetitionJudge{
		provider:   p,
		model:      model,
		MaxHistory: 40,
	}
}

// JudgeRepetition returns true when the model judges the conversation
// to be looping. Errors propagate; the caller treats them as "no loop".
func (j *RepetitionJudge) JudgeRepetition(ctx context.Context, history []string) (bool, error) {
	if len(history) > j.MaxHistory {
		history = history[len(history)-j.MaxHistory:]
	}

	resp, err := j.provider.Chat(ctx, &ChatRequest{
		Model: j.model,
		Messages: []Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: strings.Join(history, "\n")},
		},
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return false, fmt.Errorf("judge repetition: %w", err)
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(answer, "LOOPING"), nil
}
