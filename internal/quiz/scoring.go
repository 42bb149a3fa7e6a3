package quiz

import (
	amounts "github.com/terminal-bench/civicledger/pkg/decimal"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// Score grades answers as a whole percentage. Only the first answer given
// for a question counts. Missing, repeated, out-of-range and unknown-option
// answers earn nothing. Ties round half up; an empty quiz scores 0.
func Score(q *models.Quiz, answers []models.Answer) int {
	total := len(q.Questions)
	if total == 0 {
		return 0
	}

	correct := 0
	for _, ok := range grade(q, answers) {
		if ok {
			correct++
		}
	}
	return amounts.Percent(correct, total)
}

// Passes reports whether score meets the quiz's passing score
func Passes(q *models.Quiz, score int) bool {
	return score >= q.PassingScore
}

// grade returns per-question correctness
func grade(q *models.Quiz, answers []models.Answer) []bool {
	results := make([]bool, len(q.Questions))
	seen := make([]bool, len(q.Questions))

	for _, a := range answers {
		if a.QuestionIndex < 0 || a.QuestionIndex >= len(q.Questions) || seen[a.QuestionIndex] {
			continue
		}
		seen[a.QuestionIndex] = true
		if opt := findOption(q.Questions[a.QuestionIndex], a.OptionID); opt != nil {
			results[a.QuestionIndex] = opt.IsCorrect
		}
	}
	return results
}

// selections maps question index to the first option chosen for it
func selections(q *models.Quiz, answers []models.Answer) []string {
	out := make([]string, len(q.Questions))
	for _, a := range answers {
		if a.QuestionIndex < 0 || a.QuestionIndex >= len(q.Questions) || out[a.QuestionIndex] != "" {
			continue
		}
		out[a.QuestionIndex] = a.OptionID
	}
	return out
}

func findOption(question models.QuizQuestion, optionID string) *models.QuizOption {
	for i := range question.Options {
		if question.Options[i].ID == optionID {
			return &question.Options[i]
		}
	}
	return nil
}

func correctOption(question models.QuizQuestion) string {
	for _, o := range question.Options {
		if o.IsCorrect {
			return o.ID
		}
	}
	return ""
}
