// Package reasoning checks CoPilot answers against the Step/Conclusion
// response format.
//
// Generated text is best effort, so nothing here rejects an answer. Each
// check is an independent flag and callers decide what to do with a partial
// match.
package reasoning

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxStepSentences bounds a single reasoning step.
const DefaultMaxStepSentences = 4

var (
	stepMarker       = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*|__)?[ \t]*step[ \t]+(\d+)[ \t]*(?:\*\*|__)?[ \t]*(?:[:.)\-–—]|$)`)
	conclusionMarker = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*|__)?[ \t]*conclusion[ \t]*(?:\*\*|__)?[ \t]*(?:[:\-–—]|$)`)
	sentenceEnd      = regexp.MustCompile(`[.!?]+(?:["')\]]*)(?:\s+|$)`)
	markdownEmphasis = strings.NewReplacer("**", "", "__", "")
)

// Step is one numbered reasoning entry.
type Step struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Answer is a response split along its markers.
type Answer struct {
	Preamble   string `json:"preamble,omitempty"`
	Steps      []Step `json:"steps"`
	Conclusion string `json:"conclusion"`
}

// Report holds the outcome of each structural check.
type Report struct {
	StepCount        int   `json:"stepCount"`
	ConclusionCount  int   `json:"conclusionCount"`
	HasSteps         bool  `json:"hasSteps"`
	SingleConclusion bool  `json:"singleConclusion"`
	StepsSequential  bool  `json:"stepsSequential"`
	ConclusionLast   bool  `json:"conclusionLast"`
	StepsBounded     bool  `json:"stepsBounded"`
	OverlongSteps    []int `json:"overlongSteps,omitempty"`
}

// Conforms reports whether the mandatory checks pass: at least one step
// marker and exactly one conclusion marker.
func (r Report) Conforms() bool {
	return r.HasSteps && r.SingleConclusion
}

// Issues describes failed checks in plain words, for logs and clients.
func (r Report) Issues() []string {
	var issues []string
	if !r.HasSteps {
		issues = append(issues, "no step markers")
	}
	switch {
	case r.ConclusionCount == 0:
		issues = append(issues, "missing conclusion")
	case r.ConclusionCount > 1:
		issues = append(issues, strconv.Itoa(r.ConclusionCount)+" conclusion markers")
	}
	if r.HasSteps && !r.StepsSequential {
		issues = append(issues, "steps not numbered 1..N")
	}
	if r.ConclusionCount > 0 && !r.ConclusionLast {
		issues = append(issues, "conclusion is followed by steps")
	}
	for _, n := range r.OverlongSteps {
		issues = append(issues, "step "+strconv.Itoa(n)+" too long")
	}
	return issues
}

// Validator carries the tunable bound on step length.
type Validator struct {
	MaxStepSentences int
}

// Validate runs the checks with DefaultMaxStepSentences.
func Validate(text string) Report {
	return Validator{MaxStepSentences: DefaultMaxStepSentences}.Validate(text)
}

// Validate runs every structural check over text.
func (v Validator) Validate(text string) Report {
	maxSentences := v.MaxStepSentences
	if maxSentences <= 0 {
		maxSentences = DefaultMaxStepSentences
	}

	steps := stepMarker.FindAllStringSubmatchIndex(text, -1)
	conclusions := conclusionMarker.FindAllStringIndex(text, -1)

	report := Report{
		StepCount:        len(steps),
		ConclusionCount:  len(conclusions),
		HasSteps:         len(steps) > 0,
		SingleConclusion: len(conclusions) == 1,
		StepsSequential:  true,
		ConclusionLast:   true,
		StepsBounded:     true,
	}

	for i, loc := range steps {
		n, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil || n != i+1 {
			report.StepsSequential = false
		}
	}

	if len(conclusions) > 0 && len(steps) > 0 {
		lastConclusion := conclusions[len(conclusions)-1][0]
		if steps[len(steps)-1][0] > lastConclusion {
			report.ConclusionLast = false
		}
	}

	for _, step := range Parse(text).Steps {
		if countSentences(step.Text) > maxSentences {
			report.StepsBounded = false
			report.OverlongSteps = append(report.OverlongSteps, step.Number)
		}
	}

	return report
}

type marker struct {
	start, end int
	step       int
	conclusion bool
}

// Parse splits text into preamble, steps and conclusion. Text after a second
// conclusion marker is folded into the first conclusion.
func Parse(text string) Answer {
	var markers []marker
	for _, loc := range stepMarker.FindAllStringSubmatchIndex(text, -1) {
		n, _ := strconv.Atoi(text[loc[2]:loc[3]])
		markers = append(markers, marker{start: loc[0], end: loc[1], step: n})
	}
	for _, loc := range conclusionMarker.FindAllStringIndex(text, -1) {
		markers = append(markers, marker{start: loc[0], end: loc[1], conclusion: true})
	}
	sortMarkers(markers)

	var answer Answer
	if len(markers) == 0 {
		answer.Preamble = strings.TrimSpace(text)
		return answer
	}

	answer.Preamble = strings.TrimSpace(text[:markers[0].start])
	var conclusion []string
	inConclusion := false
	for i, m := range markers {
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1].start
		}
		body := cleanBody(text[m.end:end])
		switch {
		case m.conclusion:
			inConclusion = true
			conclusion = append(conclusion, body)
		case inConclusion:
			conclusion = append(conclusion, body)
		default:
			answer.Steps = append(answer.Steps, Step{Number: m.step, Text: body})
		}
	}
	answer.Conclusion = strings.TrimSpace(strings.Join(filterEmpty(conclusion), "\n\n"))
	return answer
}

// Display returns the text shown to a user who hides intermediate steps:
// the conclusion when there is one, otherwise the raw answer.
func Display(text string, showReasoning bool) string {
	if showReasoning {
		return text
	}
	if c := Parse(text).Conclusion; c != "" {
		return c
	}
	return text
}

func sortMarkers(markers []marker) {
	for i := 1; i < len(markers); i++ {
		for j := i; j > 0 && markers[j].start < markers[j-1].start; j-- {
			markers[j], markers[j-1] = markers[j-1], markers[j]
		}
	}
}

func cleanBody(body string) string {
	body = strings.TrimSpace(body)
	body = strings.TrimPrefix(body, "**")
	body = strings.TrimPrefix(body, "__")
	return strings.TrimSpace(body)
}

func countSentences(text string) int {
	plain := strings.TrimSpace(markdownEmphasis.Replace(text))
	if plain == "" {
		return 0
	}
	n := len(sentenceEnd.FindAllStringIndex(plain, -1))
	last := plain[len(plain)-1]
	if last != '.' && last != '!' && last != '?' && last != '"' && last != ')' {
		n++
	}
	return n
}

func filterEmpty(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
