package flow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BTreeMap/FrontDoor/internal/models"
)

// Prompts holds the system instructions given to the model by each behavior.
// Dynamic sections (field lists, summaries, team catalog) are appended by the
// behaviors at call time.
type Prompts struct {
	SupervisorChat        string
	SupervisorElicitation string
	SupervisorReview      string

	ChatChat        string
	ChatElicitation string
	ChatReview      string

	ElicitationRules      string
	ElicitationFirst      string
	ElicitationSubsequent string

	TeamMatching string
	NoMatch      string
	Review       string
}

const supervisorRole = `**Role:**
You are the supervisor of an assistant that helps employees with general conversation and with submitting requests to internal teams.
Analyze the recent conversation and decide which agent handles the latest message.`

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() Prompts {
	return Prompts{
		SupervisorChat: supervisorRole + `

**Current Mode:** CHAT

**Available Agents:**
- chatAgent: general conversation, questions, small talk
- elicitationAgent: gathers requirements when the user wants to submit a request

Route to elicitationAgent only on clear intent to submit a request, for example "I need to submit a request", "create a ticket", "which team handles X?".
Stay with chatAgent for greetings, general questions, venting without action intent, and hypothetical questions.`,

		SupervisorElicitation: supervisorRole + `

**Current Mode:** ELICITATION (the user is providing information for a request)

**Available Agents:**
- elicitationAgent: continues gathering requirements, answers field questions, handles abandoning the request
- chatAgent: questions unrelated to the in-progress request

If the user asks anything not related to the in-progress request, route to chatAgent.`,

		SupervisorReview: supervisorRole + `

**Current Mode:** REVIEW (the user has a pending request ready for submission)

**Available Agents:**
- reviewAgent: the user's response about the pending submission (confirm, modify, abandon, clarify)
- chatAgent: questions unrelated to the pending submission

If the user asks anything not related to the pending request, route to chatAgent.`,

		ChatChat: `**Role:**
You are a friendly, helpful assistant for internal employees.
Engage naturally, keep replies brief (2-3 sentences unless more detail is needed) and answer directly.
If you don't know something, say so honestly. When the user mentions a problem or wants to submit a request, respond helpfully; the system routes them to the right place.`,

		ChatElicitation: `**Role:**
You are a friendly, helpful assistant for internal employees.
The user is in the middle of describing a request. Answer their side question briefly, then remind them that their request is still in progress and that they can continue whenever they are ready.`,

		ChatReview: `**Role:**
You are a friendly, helpful assistant for internal employees.
The user has a request waiting for their review. Answer their side question briefly, then remind them they can confirm, modify or cancel the pending request.`,

		ElicitationRules: `**Extraction Rules:**
1. Extract only what the user has explicitly provided.
2. Enum values may be inferred from casual language, e.g. "low priority" means "nice to have" and "urgent" means "mission-critical to have".
3. Never invent the description. You may polish what the user said but not make it up.
4. Do not ask for a title. Infer it once there is enough context.
5. In updates, fill only the fields you want to change and set every other field to null.
6. If the user explicitly says they don't know a field, list it in marked_unknown.
7. Set user_wants_to_abandon to true if the user says "cancel", "never mind", "forget it" or similar.

**Response Style:**
- Start with a brief recap of what you understood.
- Ask natural follow-up questions about the required fields that are still missing.
- For enum fields, list the options conversationally.
- Never mention technical field names such as "detailed_description".`,

		ElicitationFirst: `**Role:**
You are gathering information to submit a demand request. This is the FIRST time collecting information.
Acknowledge the request warmly in one sentence, list what you need to collect, and invite the user to answer as many as they can.`,

		ElicitationSubsequent: `**Role:**
You are gathering information to submit a demand request. This is a FOLLOW-UP turn.
Acknowledge the details from the last response in one or two sentences, then ask about the remaining fields. If a field is vague, probe for more detail.`,

		TeamMatching: `**Role:**
You are a team routing specialist. Analyze the collected request information and identify the single best team to handle it.
Look for semantic similarity rather than keyword matches and consider all fields together.
Return "none" only if the request is truly out of scope for every team.`,

		NoMatch: `**Role:**
You are helping a user whose request could not be routed yet.
In 2-4 warm sentences, play back what they told you in natural language, say you need a bit more context, and ask them to describe the work in more detail or from a different angle.
Do not mention team matching or list team names.`,

		Review: `**Role:**
You are analyzing the user's response during the review of a request submission. The user has seen their collected information and the identified team.

**Action Types:**
- confirm: the user approves and wants to submit ("yes", "looks good", "submit it")
- modify: the user wants to change something ("change the urgency", "wrong team")
- abandon: the user wants to cancel ("cancel", "never mind", "don't submit")
- clarify: the user has a question about the review ("why this team?", "what happens next?")

If the intent is unclear, use clarify. Keep response_to_user warm and concise.`,
	}
}

// Supervisor returns the routing instruction for mode.
func (p Prompts) Supervisor(mode models.Mode) string {
	switch mode {
	case models.ModeElicitation:
		return p.SupervisorElicitation
	case models.ModeReview:
		return p.SupervisorReview
	default:
		return p.SupervisorChat
	}
}

// Chat returns the conversational instruction for mode.
func (p Prompts) Chat(mode models.Mode) string {
	switch mode {
	case models.ModeElicitation:
		return p.ChatElicitation
	case models.ModeReview:
		return p.ChatReview
	default:
		return p.ChatChat
	}
}

func (p *Prompts) slots() map[string]*string {
	return map[string]*string{
		"supervisor_chat":        &p.SupervisorChat,
		"supervisor_elicitation": &p.SupervisorElicitation,
		"supervisor_review":      &p.SupervisorReview,
		"chat_chat":              &p.ChatChat,
		"chat_elicitation":       &p.ChatElicitation,
		"chat_review":            &p.ChatReview,
		"elicitation_rules":      &p.ElicitationRules,
		"elicitation_first":      &p.ElicitationFirst,
		"elicitation_subsequent": &p.ElicitationSubsequent,
		"team_matching":          &p.TeamMatching,
		"no_match":               &p.NoMatch,
		"review":                 &p.Review,
	}
}

// PromptNames lists, sorted, the file names without the .txt suffix that
// LoadPrompts recognizes.
func PromptNames() []string {
	var p Prompts
	return slices.Sorted(maps.Keys(p.slots()))
}

// LoadPrompts returns the default prompts with any <dir>/<name>.txt file
// replacing the matching entry. An empty dir returns the defaults.
func LoadPrompts(dir string) (Prompts, error) {
	p := DefaultPrompts()
	if dir == "" {
		return p, nil
	}
	for name, slot := range p.slots() {
		path := filepath.Join(dir, name+".txt")
		content, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("flow.LoadPrompts: prompt override not found, using default", "name", name, "path", path)
			continue
		}
		if err != nil {
			slog.Error("flow.LoadPrompts: failed to read prompt override", "path", path, "error", err)
			return Prompts{}, fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			slog.Warn("flow.LoadPrompts: prompt override is empty, using default", "path", path)
			continue
		}
		*slot = text
		slog.Info("flow.LoadPrompts: prompt override loaded", "name", name, "length", len(text))
	}
	return p, nil
}
