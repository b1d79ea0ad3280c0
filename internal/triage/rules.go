package triage

import (
	"strings"
	"unicode"

	"casework-pipeline/internal/models"
)

var urgencyKeywords = []string{"urgent", "emergency", "asap", "immediately", "critical"}

// minSharedWords is how many significant words a subject must share with a case
// summary before the email is treated as part of that case.
const minSharedWords = 2

// SuggestByRules is the deterministic suggester used when no analysis service
// is configured or it fails. cases must be ordered most recent first.
func SuggestByRules(email models.Email, constituent *models.ConstituentMatch, cases []models.CaseSummary) models.Suggestion {
	s := models.Suggestion{Source: models.SourceRules, Urgency: models.UrgencyNormal}
	switch {
	case constituent == nil:
		s.Action = models.ActionCreateNew
		s.Confidence = 0.8
		s.Reason = "No matching constituent"
	case len(cases) == 0:
		s.Action = models.ActionCreateNew
		s.Confidence = 0.85
		s.Reason = "Constituent has no open cases"
	default:
		best, shared := bestOverlap(email.Subject, cases)
		s.Action = models.ActionAddToCase
		if shared >= minSharedWords {
			s.Confidence = 0.9
			s.Reason = "Subject matches an open case"
		} else {
			best = cases[0]
			s.Confidence = 0.6
			s.Reason = "Constituent has open cases"
		}
		s.CaseID = best.ExternalID
	}
	return ApplyUrgency(s, email)
}

// ApplyUrgency forces high urgency when the subject or body contains an
// urgency keyword, whatever produced the suggestion. Keywords match anywhere,
// so "urgently" and "critically" count too.
func ApplyUrgency(s models.Suggestion, email models.Email) models.Suggestion {
	text := strings.ToLower(email.Subject + "\n" + email.Body)
	for _, k := range urgencyKeywords {
		if strings.Contains(text, k) {
			s.Urgency = models.UrgencyHigh
			return s
		}
	}
	if s.Urgency == "" {
		s.Urgency = models.UrgencyNormal
	}
	return s
}

// bestOverlap returns the case sharing the most significant words with the
// subject. Ties keep the earlier, more recent case.
func bestOverlap(subject string, cases []models.CaseSummary) (models.CaseSummary, int) {
	subjectWords := significantWords(subject)
	var (
		best  models.CaseSummary
		count int
	)
	for _, c := range cases {
		n := 0
		for w := range significantWords(c.Summary) {
			if subjectWords[w] {
				n++
			}
		}
		if n > count {
			best, count = c, n
		}
	}
	return best, count
}

// significantWords is the set of lower-cased words longer than three letters.
func significantWords(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range words(strings.ToLower(s)) {
		if len([]rune(w)) > 3 {
			out[w] = true
		}
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
