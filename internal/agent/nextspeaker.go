package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/lodestar-ai/lodestar/pkg/models"
)

// Speaker identifies who should produce the next message.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// nextSpeakerPrompt asks the model to judge its own previous message.
const nextSpeakerPrompt = `Analyze *only* the content and structure of your immediately preceding response. Based *strictly* on that response, determine who should logically speak next: the 'user' or the 'model' (you).

Decision rules, in order:
1. Model continues: if your last response explicitly states an immediate next action *you* intend to take, OR clearly appears incomplete (cut off mid-thought), then the 'model' should speak next.
2. Question to user: if your last response ends with a direct question specifically addressed *to the user*, then the 'user' should speak next.
3. Waiting for user: if your last response completed a thought, statement, or task, and does not fall under rule 1 or 2, then the 'user' should speak next.

Respond *only* in JSON with your reasoning and the next speaker.`

var nextSpeakerSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "reasoning": {
      "type": "string",
      "description": "Brief explanation justifying the next_speaker choice based strictly on the preceding response."
    },
    "next_speaker": {
      "type": "string",
      "enum": ["user", "model"],
      "description": "Who should speak next."
    }
  },
  "required": ["reasoning", "next_speaker"]
}`)

type nextSpeakerResponse struct {
	Reasoning   string `json:"reasoning"`
	NextSpeaker string `json:"next_speaker"`
}

// CheckNextSpeaker decides whether the model should keep going after a
// response that requested no tools. Two cheap structural checks run
// before spending a model call: a function-call tail means the model is
// mid-plan, and an empty response means it was likely cut short, so
// both continue. Any failure of the model call defaults to handing the
// floor back to the user.
func CheckNextSpeaker(ctx context.Context, chat *Chat, provider LLMProvider, model string, logger *slog.Logger) Speaker {
	raw := chat.History(false)
	if len(raw) == 0 {
		return SpeakerUser
	}
	last := raw[len(raw)-1]
	if last.Role != models.RoleModel {
		return SpeakerUser
	}

	if n := len(last.Parts); n > 0 && last.Parts[n-1].FunctionCall != nil {
		return SpeakerModel
	}
	if !isValidModelContent(last) {
		return SpeakerModel
	}

	curated := chat.History(true)
	history := append(append([]models.Content(nil), curated...),
		models.UserContent(models.TextPart(nextSpeakerPrompt)))
	result, err := provider.GenerateJSON(ctx, &GenerateRequest{
		Model:   model,
		History: history,
	}, nextSpeakerSchema)
	if err != nil {
		logger.Debug("next speaker check failed", "error", err)
		return SpeakerUser
	}

	var decision nextSpeakerResponse
	if err := json.Unmarshal(result, &decision); err != nil {
		logger.Debug("next speaker response unparseable", "error", err)
		return SpeakerUser
	}
	switch Speaker(decision.NextSpeaker) {
	case SpeakerModel:
		return SpeakerModel
	default:
		return SpeakerUser
	}
}
