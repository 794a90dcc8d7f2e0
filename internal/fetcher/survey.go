package fetcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dmateus/fieldlog/internal/database"
	"github.com/dmateus/fieldlog/internal/source"
)

// Survey drives the per-user question/answer dialogue. The question
// list is fixed at construction; state lives in the conversation state
// store and survives restarts.
//
// States: IDLE (no row, or active=false) and ACTIVE(step). The start
// command always restarts at step 0, discarding prior answers. The
// answer to the last question clears the state and emits a summary.
type Survey struct {
	log       *slog.Logger
	store     database.Store
	src       source.Source
	command   string
	questions []string
}

// NewSurvey creates a Survey over the given ordered question list.
func NewSurvey(logger *slog.Logger, store database.Store, src source.Source, command string, questions []string) *Survey {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	qs := make([]string, len(questions))
	copy(qs, questions)
	return &Survey{
		log:       logger.With("component", "survey"),
		store:     store,
		src:       src,
		command:   command,
		questions: qs,
	}
}

// IsStartCommand reports whether text is exactly the survey start
// command.
func (s *Survey) IsStartCommand(text string) bool {
	return strings.TrimSpace(text) == s.command
}

// Begin (re)initializes the user's survey state at step 0, discarding
// any answers collected so far, and asks the first question.
func (s *Survey) Begin(ctx context.Context, userID, chatID int64) error {
	state := &database.ConversationState{UserID: userID, Active: true, Step: 0}
	state.SetAnswers(nil)

	if err := s.store.SaveConversationState(ctx, state); err != nil {
		return fmt.Errorf("failed to initialize survey state: %w", err)
	}

	s.log.InfoContext(ctx, "Survey started", "user_id", userID)
	s.reply(ctx, chatID, s.questions[0])
	return nil
}

// CurrentQuestion returns the question the next answer will belong to.
// ok is false when the stored step no longer maps to a question, which
// can only happen when the question list shrank between runs.
func (s *Survey) CurrentQuestion(state *database.ConversationState) (string, bool) {
	if state.Step < 0 || state.Step >= len(s.questions) {
		return "", false
	}
	return s.questions[state.Step], true
}

// Advance consumes one answer for an active survey. It either asks the
// next question or, after the last answer, clears the state and sends
// a summary of all collected pairs.
func (s *Survey) Advance(ctx context.Context, state *database.ConversationState, answer string, chatID int64) error {
	step := state.Step
	if step < 0 || step >= len(s.questions) {
		// Out-of-range state can only come from a question list that
		// shrank between runs; treat it as a finished survey.
		s.log.WarnContext(ctx, "Conversation state step out of range, clearing",
			"user_id", state.UserID, "step", step)
		return s.clear(ctx, state)
	}

	answers := append(state.AnswerList(), answer)
	next := step + 1

	if next < len(s.questions) {
		state.Step = next
		state.SetAnswers(answers)
		if err := s.store.SaveConversationState(ctx, state); err != nil {
			return fmt.Errorf("failed to save survey progress: %w", err)
		}
		s.reply(ctx, chatID, s.questions[next])
		return nil
	}

	if err := s.clear(ctx, state); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "Survey completed", "user_id", state.UserID, "answers", len(answers))
	s.reply(ctx, chatID, s.summary(answers))
	return nil
}

func (s *Survey) clear(ctx context.Context, state *database.ConversationState) error {
	state.Active = false
	state.Step = 0
	state.SetAnswers(nil)
	if err := s.store.SaveConversationState(ctx, state); err != nil {
		return fmt.Errorf("failed to clear survey state: %w", err)
	}
	return nil
}

// summary pairs each question with its collected answer, in list order.
// Answers beyond the question list (possible only after a config
// change) are dropped.
func (s *Survey) summary(answers []string) string {
	var sb strings.Builder
	sb.WriteString("Survey complete. Here's what you shared:\n")
	for i, q := range s.questions {
		if i >= len(answers) {
			break
		}
		sb.WriteString(fmt.Sprintf("\n%d. %s\n   %s\n", i+1, q, answers[i]))
	}
	return sb.String()
}

// reply sends a survey prompt to the user. Failures are logged only:
// participants never see internal errors, and archival must not depend
// on outbound delivery.
func (s *Survey) reply(ctx context.Context, chatID int64, text string) {
	if err := s.src.SendMessage(ctx, chatID, text); err != nil {
		s.log.ErrorContext(ctx, "Failed to send survey reply", "chat_id", chatID, "error", err)
	}
}
