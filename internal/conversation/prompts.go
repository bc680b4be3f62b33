package conversation

import (
	"fmt"
	"strings"

	"github.com/planfit-dev/planfit/internal/userctx"
	"github.com/planfit-dev/planfit/pkg/plan"
)

// The interview model answers with a small JSON envelope so the machine
// can tell questions from the readiness signal without heuristics.
const gatheringFormat = `Respond with a single JSON object, nothing else:
  {"type": "question", "content": "<your next question>"}
when you still need information, or
  {"type": "ready", "summary": "<one paragraph recap of everything gathered>"}
once you have enough to build the plan.
Ask one question at a time. Never ask about information already provided.`

func gatheringSystemPrompt(planType plan.Type, profile userctx.Profile) string {
	var b strings.Builder
	switch {
	case planType.IsWorkout():
		b.WriteString("You are a fitness coach interviewing a client before building a one week workout plan. ")
		b.WriteString("Find out their experience level, schedule, injuries or limitations, and goals.")
		if planType == plan.TypeWorkoutHome {
			b.WriteString(" The plan will be performed at home, so ask what equipment they own.")
		} else {
			b.WriteString(" The plan will be performed in a gym.")
		}
	default:
		b.WriteString("You are a nutrition coach interviewing a client before building a one week meal plan. ")
		b.WriteString("Find out their dietary restrictions, dislikes, cooking time, and calorie goals.")
	}
	if lines := profile.PromptLines(); lines != "" {
		b.WriteString("\n\nKnown profile:\n")
		b.WriteString(lines)
	}
	b.WriteString("\n\n")
	b.WriteString(gatheringFormat)
	return b.String()
}

// forcedReadyPrompt asks for a summary when the turn cap ends the
// interview regardless of what the model would prefer to ask next.
const forcedReadyPrompt = `The interview is over. Do not ask another question. Respond with:
  {"type": "ready", "summary": "<one paragraph recap of everything gathered so far>"}`

func generationSystemPrompt(planType plan.Type, profile userctx.Profile, days int) string {
	var b strings.Builder
	if planType.IsWorkout() {
		fmt.Fprintf(&b, `You are a certified trainer. Build a %d day workout plan as a single JSON object:
{
  "title": "...",
  "days": [
    {
      "day": 1,
      "focus": "...",
      "exercises": [
        {"name": "...", "instructions": "...", "sets": 3, "reps": 10, "restSeconds": 60}
      ]
    }
  ]
}
Every day needs a focus and at least three exercises with all five fields filled.`, days)
	} else {
		fmt.Fprintf(&b, `You are a registered dietitian. Build a %d day meal plan as a single JSON object:
{
  "title": "...",
  "days": [
    {
      "day": 1,
      "totalCalories": 1900,
      "meals": [
        {"slot": "breakfast", "name": "...", "recipe": "...",
         "nutrition": {"calories": 400, "proteinGrams": 30, "carbGrams": 40, "fatGrams": 12, "sodiumMg": 600}}
      ]
    }
  ]
}
Every day needs breakfast, lunch, dinner and snack, each with a full nutrition block.`, days)
	}
	if lines := profile.PromptLines(); lines != "" {
		b.WriteString("\n\nClient profile:\n")
		b.WriteString(lines)
	}
	b.WriteString("\nOutput only the JSON object.")
	return b.String()
}

// generationPrompt renders the interview transcript and summary into
// the user message for the generation call.
func generationPrompt(summary, collected string, messages []Message) string {
	var b strings.Builder
	b.WriteString("Requirements summary:\n")
	b.WriteString(summary)
	if collected != "" {
		b.WriteString("\n\nClient's answers in their own words:\n")
		b.WriteString(collected)
	}
	if len(messages) > 0 {
		b.WriteString("\n\nInterview transcript:\n")
		for _, msg := range messages {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}

// transcriptPrompt renders prior turns plus the latest user message for
// a gathering call.
func transcriptPrompt(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}
