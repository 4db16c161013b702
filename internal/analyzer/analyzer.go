// Package analyzer implements the request analyzer (C10): a deterministic,
// network-free classifier that turns free-form text into a RequestAnalysis
// — intent, entities, complexity, ambiguity, and follow-up linkage.
package analyzer

import (
	"regexp"
	"strings"
)

// mediumComplexityCharThreshold is the character-count cutoff above which a
// request is classified at least "medium" complexity even with few tokens.
const mediumComplexityCharThreshold = 200

// Complexity buckets a request by how much orchestration it is likely to need.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Entity is one extracted slot with its confidence and source position.
type Entity struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Position   int     `json:"position"`
}

// Entities holds every slot the extractor recognizes for one request.
type Entities struct {
	Target   *Entity `json:"target,omitempty"`
	Action   *Entity `json:"action,omitempty"`
	Object   *Entity `json:"object,omitempty"`
	Assignee *Entity `json:"assignee,omitempty"`
	DueDate  *Entity `json:"dueDate,omitempty"`
	Priority *Entity `json:"priority,omitempty"`
	Project  *Entity `json:"project,omitempty"`
}

// Ambiguity records unresolved slots that should prompt a clarifying question.
type Ambiguity struct {
	IsAmbiguous         bool     `json:"isAmbiguous"`
	ClarifyingQuestions []string `json:"clarifyingQuestions,omitempty"`
	AmbiguousTerms      []string `json:"ambiguousTerms,omitempty"`
}

// FollowUp links this request back to a prior turn, when detected.
type FollowUp struct {
	IsFollowUp bool   `json:"isFollowUp"`
	RelatedTo  string `json:"relatedTo,omitempty"`
}

// Context carries the conversational history the analyzer consults for
// follow-up detection and intent disambiguation.
type Context struct {
	PreviousMessages       []string `json:"previousMessages,omitempty"`
	LastAssistantMessage   string   `json:"lastAssistantMessage,omitempty"`
	AssistantIndicatedDone bool     `json:"assistantIndicatedDone,omitempty"`
}

// RequestAnalysis is the full output of Analyze.
type RequestAnalysis struct {
	Intent             string     `json:"intent"`
	IntentConfidence   float64    `json:"intentConfidence"`
	Entities           Entities   `json:"entities"`
	Keywords           []string   `json:"keywords,omitempty"`
	RequiresMultiAgent bool       `json:"requiresMultiAgent"`
	Complexity         Complexity `json:"complexity"`
	Ambiguity          Ambiguity  `json:"ambiguity"`
	FollowUp           FollowUp   `json:"followUp"`
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "to": {}, "of": {}, "and": {}, "for": {}, "on": {}, "in": {}, "at": {},
}

type intentPattern struct {
	intent   string
	patterns []*regexp.Regexp
}

var intentPatterns = []intentPattern{
	{intent: "task_creation", patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bcreate\b`), regexp.MustCompile(`(?i)\badd\b`), regexp.MustCompile(`(?i)\bnew task\b`),
	}},
	{intent: "search", patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bfind\b`), regexp.MustCompile(`(?i)\bsearch\b`), regexp.MustCompile(`(?i)\blook(?:up| for)\b`),
	}},
	{intent: "report", patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\breport\b`), regexp.MustCompile(`(?i)\bsummar(?:y|ize)\b`), regexp.MustCompile(`(?i)\bstatus\b`),
	}},
	{intent: "approval", patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bapprove\b`), regexp.MustCompile(`(?i)\breview\b`), regexp.MustCompile(`(?i)\bsign[- ]?off\b`),
	}},
}

const intentScoreIncrement = 0.4
const intentMinScore = 0.3

var targetPattern = regexp.MustCompile(`(?i)\b(notion|slack|github|linear|jira|asana|airtable)\b`)
var actionPattern = regexp.MustCompile(`(?i)\b(create|update|delete|close|assign|comment)\b`)
var objectPattern = regexp.MustCompile(`(?i)\b(task|ticket|issue|page|document|card)\b`)
var assigneePattern = regexp.MustCompile(`@(\w+)`)
var priorityPattern = regexp.MustCompile(`(?i)\b(urgent|high priority|low priority|critical)\b`)
var projectPattern = regexp.MustCompile(`(?i)\bproject\s+([a-zA-Z0-9_-]+)`)
var dueDatePattern = regexp.MustCompile(`(?i)\b(today|tomorrow|next week|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)

var conjunctiveVerbPattern = regexp.MustCompile(`(?i)\b(and then|as well as|after that)\b`)

var followUpPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(show|update|confirm|그거|수정|확인)`),
	regexp.MustCompile(`(?i)\b(that one|the same|as before)\b`),
}

var pronounPattern = regexp.MustCompile(`(?i)\b(it|that|this|them|those)\b`)

// Analyze classifies text into a RequestAnalysis. Identical (text, ctx)
// always produces an identical result; there is no network call on this path.
func Analyze(text string, ctx Context) RequestAnalysis {
	lower := strings.ToLower(text)
	keywords := extractKeywords(lower)

	intent, confidence := classifyIntent(lower, ctx)
	entities := extractEntities(text)
	multiAgent := detectMultiAgent(lower, entities)
	complexity := classifyComplexity(text, keywords, multiAgent, len(ctx.PreviousMessages) > 3)
	ambiguity := detectAmbiguity(lower, entities)
	followUp := detectFollowUp(text, ctx)

	return RequestAnalysis{
		Intent:             intent,
		IntentConfidence:   confidence,
		Entities:           entities,
		Keywords:           keywords,
		RequiresMultiAgent: multiAgent,
		Complexity:         complexity,
		Ambiguity:          ambiguity,
		FollowUp:           followUp,
	}
}

func extractKeywords(lower string) []string {
	fields := strings.Fields(lower)
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'")
		if f == "" {
			continue
		}
		if _, skip := stopWords[f]; skip {
			continue
		}
		keywords = append(keywords, f)
	}
	return keywords
}

func classifyIntent(lower string, ctx Context) (string, float64) {
	bestIntent := "general_query"
	bestScore := 0.0

	for _, ip := range intentPatterns {
		score := 0.0
		for _, p := range ip.patterns {
			if p.MatchString(lower) {
				score += intentScoreIncrement
			}
		}
		if score > 1.0 {
			score = 1.0
		}
		if score > bestScore {
			bestScore = score
			bestIntent = ip.intent
		}
	}

	if ctx.AssistantIndicatedDone {
		if strings.Contains(lower, "show") || strings.Contains(lower, "확인") {
			bestIntent = "search"
			bestScore = maxFloat(bestScore, intentMinScore)
		}
		if strings.Contains(lower, "update") || strings.Contains(lower, "수정") {
			bestIntent = "task_creation"
			bestScore = maxFloat(bestScore, intentMinScore)
		}
	}

	if bestScore < intentMinScore {
		return "general_query", clamp(0.3, 0.3, 0.95)
	}
	return bestIntent, clamp(bestScore, 0.3, 0.95)
}

func extractEntities(text string) Entities {
	var e Entities
	if m := targetPattern.FindStringIndex(text); m != nil {
		v := text[m[0]:m[1]]
		e.Target = &Entity{Value: strings.ToLower(v), Confidence: 0.9, Position: m[0]}
	}
	if m := actionPattern.FindStringIndex(text); m != nil {
		v := text[m[0]:m[1]]
		e.Action = &Entity{Value: strings.ToLower(v), Confidence: 0.85, Position: m[0]}
	}
	if m := objectPattern.FindStringIndex(text); m != nil {
		v := text[m[0]:m[1]]
		e.Object = &Entity{Value: strings.ToLower(v), Confidence: 0.8, Position: m[0]}
	}
	if m := assigneePattern.FindStringSubmatchIndex(text); m != nil {
		e.Assignee = &Entity{Value: text[m[2]:m[3]], Confidence: 0.95, Position: m[0]}
	}
	if m := dueDatePattern.FindStringIndex(text); m != nil {
		v := text[m[0]:m[1]]
		e.DueDate = &Entity{Value: strings.ToLower(v), Confidence: 0.7, Position: m[0]}
	}
	if m := priorityPattern.FindStringIndex(text); m != nil {
		v := text[m[0]:m[1]]
		e.Priority = &Entity{Value: strings.ToLower(v), Confidence: 0.75, Position: m[0]}
	}
	if m := projectPattern.FindStringSubmatchIndex(text); m != nil {
		e.Project = &Entity{Value: text[m[2]:m[3]], Confidence: 0.6, Position: m[0]}
	}
	return e
}

func countTargets(text string) int {
	return len(targetPattern.FindAllStringIndex(text, -1))
}

func detectMultiAgent(lower string, e Entities) bool {
	if conjunctiveVerbPattern.MatchString(lower) {
		return true
	}
	if countTargets(lower) >= 2 {
		return true
	}
	domainKeywords := 0
	if e.Target != nil {
		domainKeywords++
	}
	if e.Action != nil {
		domainKeywords++
	}
	if e.Object != nil {
		domainKeywords++
	}
	return domainKeywords >= 2 && countTargets(lower) >= 1
}

func classifyComplexity(text string, keywords []string, multiAgent, longHistory bool) Complexity {
	if multiAgent || len(strings.Fields(text)) > 10 {
		return ComplexityHigh
	}
	if len(text) > mediumComplexityCharThreshold || longHistory {
		return ComplexityMedium
	}
	return ComplexityLow
}

func detectAmbiguity(lower string, e Entities) Ambiguity {
	var questions []string
	var terms []string

	checks := []struct {
		indicator *regexp.Regexp
		present   bool
		question  string
		term      string
	}{
		{regexp.MustCompile(`(?i)\bassign\b`), e.Assignee != nil, "Who should this be assigned to?", "assignee"},
		{regexp.MustCompile(`(?i)\bdue\b|\bby\b`), e.DueDate != nil, "When is this due?", "dueDate"},
		{regexp.MustCompile(`(?i)\bpriorit`), e.Priority != nil, "What priority should this have?", "priority"},
		{regexp.MustCompile(`(?i)\bproject\b`), e.Project != nil, "Which project is this for?", "project"},
	}

	for _, c := range checks {
		if c.indicator.MatchString(lower) && !c.present {
			questions = append(questions, c.question)
			terms = append(terms, c.term)
		}
	}

	if pronounPattern.MatchString(lower) {
		terms = append(terms, "referent")
		questions = append(questions, "What does that refer to?")
	}

	return Ambiguity{IsAmbiguous: len(questions) > 0, ClarifyingQuestions: questions, AmbiguousTerms: terms}
}

func detectFollowUp(text string, ctx Context) FollowUp {
	if len(ctx.PreviousMessages) == 0 {
		return FollowUp{}
	}
	for _, p := range followUpPatterns {
		if p.MatchString(text) {
			return FollowUp{IsFollowUp: true, RelatedTo: extractTopic(ctx.LastAssistantMessage)}
		}
	}
	return FollowUp{}
}

var topicPattern = regexp.MustCompile(`(?i)\b(task|ticket|issue|page|document|card)\s+([A-Za-z0-9_-]+)`)

func extractTopic(lastAssistantMessage string) string {
	m := topicPattern.FindStringSubmatch(lastAssistantMessage)
	if len(m) == 3 {
		return m[1] + " " + m[2]
	}
	return ""
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
