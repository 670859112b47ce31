package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PredicateKind names a step-completion rule.
type PredicateKind string

const (
	// PredicateAnyInput is satisfied by any non-empty reply.
	PredicateAnyInput PredicateKind = "any_input"
	// PredicateKeywords is satisfied when the reply contains one of the keywords.
	PredicateKeywords PredicateKind = "keywords"
	// PredicateRating is satisfied when the reply contains a 1-10 rating.
	PredicateRating PredicateKind = "rating"
	// PredicateTurns is satisfied after a fixed number of replies at the step.
	PredicateTurns PredicateKind = "turns"
)

// Predicate decides when a step is complete. For keywords and rating, a
// positive Turns value caps the number of attempts before the step is
// considered complete anyway.
type Predicate struct {
	Kind     PredicateKind
	Keywords []string
	Turns    int
}

// Evaluation is the outcome of testing a reply against a predicate.
type Evaluation struct {
	Satisfied bool
	Rating    *int
}

// Validate checks that the predicate is well formed.
func (p Predicate) Validate() error {
	switch p.Kind {
	case PredicateAnyInput, PredicateRating:
	case PredicateKeywords:
		if len(p.Keywords) == 0 {
			return fmt.Errorf("keywords predicate needs at least one keyword")
		}
	case PredicateTurns:
		if p.Turns < 1 {
			return fmt.Errorf("turns predicate needs turns >= 1, got %d", p.Turns)
		}
	default:
		return fmt.Errorf("unknown completion predicate %q", p.Kind)
	}
	if p.Turns < 0 {
		return fmt.Errorf("turns must not be negative")
	}
	return nil
}

// Evaluate tests a reply. stepTurns counts replies at this step including this one.
func (p Predicate) Evaluate(text string, stepTurns int) Evaluation {
	text = strings.TrimSpace(text)
	capped := p.Turns > 0 && stepTurns >= p.Turns
	switch p.Kind {
	case PredicateAnyInput:
		return Evaluation{Satisfied: text != ""}
	case PredicateKeywords:
		lower := strings.ToLower(text)
		for _, k := range p.Keywords {
			if strings.Contains(lower, strings.ToLower(k)) {
				return Evaluation{Satisfied: true}
			}
		}
		return Evaluation{Satisfied: capped}
	case PredicateRating:
		if r, ok := ExtractRating(text); ok {
			return Evaluation{Satisfied: true, Rating: &r}
		}
		return Evaluation{Satisfied: capped}
	case PredicateTurns:
		return Evaluation{Satisfied: stepTurns >= p.Turns}
	}
	return Evaluation{}
}

var (
	ratingDigits = regexp.MustCompile(`\b(10|[1-9])\b`)
	ratingWords  = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
)

// ExtractRating finds a 1-10 rating written as digits or as an English word.
func ExtractRating(text string) (int, bool) {
	lower := strings.ToLower(text)
	if m := ratingDigits.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			return n, true
		}
	}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if n, ok := ratingWords[w]; ok {
			return n, true
		}
	}
	return 0, false
}
