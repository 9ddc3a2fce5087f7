package service

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/Harshitk-cp/memtier/internal/domain"
)

var (
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}][\p{L}\p{N}'_-]*`)
	emailPattern  = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	urlPattern    = regexp.MustCompile(`https?://[^\s]+`)
	datePattern   = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	timePattern   = regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(?:\s?[ap]m)?\b`)
	amountPattern = regexp.MustCompile(`[$€£]\d+(?:[.,]\d+)?|\b\d+(?:\.\d+)?%`)
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {}, "that": {}, "the": {}, "this": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "will": {}, "with": {}, "you": {}, "your": {},
}

var topicKeywords = map[string][]string{
	"coding":   {"code", "coding", "bug", "function", "compile", "deploy", "golang", "python", "rust", "api", "database", "test"},
	"work":     {"work", "meeting", "project", "deadline", "team", "manager", "office", "client", "report"},
	"personal": {"family", "friend", "birthday", "home", "weekend", "hobby", "likes", "love"},
	"health":   {"doctor", "health", "exercise", "sleep", "medicine", "diet", "gym"},
	"finance":  {"price", "prices", "money", "budget", "cost", "pay", "bank", "salary", "invoice"},
	"shopping": {"buy", "shop", "store", "groceries", "milk", "order"},
	"travel":   {"flight", "trip", "hotel", "travel", "airport", "vacation"},
}

// explicitCues mark content the author flagged as worth keeping.
var explicitCues = []string{"remember", "important", "urgent", "critical", "deadline", "always", "never"}

var positiveWords = map[string]struct{}{
	"good": {}, "great": {}, "love": {}, "likes": {}, "like": {}, "happy": {}, "excellent": {},
	"enjoy": {}, "enjoys": {}, "nice": {}, "thanks": {}, "perfect": {},
}

var negativeWords = map[string]struct{}{
	"bad": {}, "hate": {}, "hates": {}, "sad": {}, "angry": {}, "terrible": {}, "awful": {},
	"broken": {}, "fail": {}, "failed": {}, "worse": {}, "problem": {},
}

// tokenize lower-cases text and splits it into word tokens.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// normalizeQuery returns the lower-cased phrase used for substring matching
// and the terms used for partial matching.
func normalizeQuery(query string) (string, []string) {
	phrase := strings.ToLower(strings.TrimSpace(query))
	return phrase, queryTerms(phrase)
}

// queryTerms drops stop words unless nothing else is left.
func queryTerms(query string) []string {
	all := dedupe(tokenize(query))
	terms := make([]string, 0, len(all))
	for _, w := range all {
		if _, stop := stopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}
	if len(terms) == 0 {
		return all
	}
	return terms
}

func dedupe(words []string) []string {
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// lexicalMatch scores a memory against a query. A case-insensitive
// substring hit scores 1; otherwise at least half the query terms must
// appear among the memory's words, entities or topics, and the score is the
// fraction matched.
func lexicalMatch(phrase string, terms []string, m *domain.Memory) (float64, bool) {
	if phrase == "" {
		return 0, false
	}
	if strings.Contains(strings.ToLower(m.Content), phrase) {
		return 1, true
	}
	if len(terms) == 0 {
		return 0, false
	}

	vocab := make(map[string]struct{})
	for _, w := range tokenize(m.Content) {
		vocab[w] = struct{}{}
	}
	for _, e := range m.Entities {
		for _, w := range tokenize(e.Text) {
			vocab[w] = struct{}{}
		}
	}
	for _, topic := range m.Topics {
		vocab[topic] = struct{}{}
	}

	matched := 0
	for _, term := range terms {
		if _, ok := vocab[term]; ok {
			matched++
		}
	}
	frac := float64(matched) / float64(len(terms))
	if frac < 0.5 {
		return 0, false
	}
	return frac, true
}

func extractTopics(content string) []string {
	words := make(map[string]struct{})
	for _, w := range tokenize(content) {
		words[w] = struct{}{}
	}

	var topics []string
	for topic, keywords := range topicKeywords {
		for _, k := range keywords {
			if _, ok := words[k]; ok {
				topics = append(topics, topic)
				break
			}
		}
	}
	sort.Strings(topics)
	return topics
}

func extractEntities(content string) []domain.Entity {
	var entities []domain.Entity
	seen := make(map[string]struct{})
	add := func(text, typ string) {
		key := typ + "|" + strings.ToLower(text)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		entities = append(entities, domain.Entity{Text: text, Type: typ})
	}

	for _, m := range emailPattern.FindAllString(content, -1) {
		add(m, "email")
	}
	for _, m := range urlPattern.FindAllString(content, -1) {
		add(strings.TrimRight(m, ".,;)"), "url")
	}
	for _, m := range datePattern.FindAllString(content, -1) {
		add(m, "date")
	}
	for _, m := range timePattern.FindAllString(content, -1) {
		add(m, "time")
	}
	for _, m := range amountPattern.FindAllString(content, -1) {
		add(m, "amount")
	}

	// Capitalized words that do not open a sentence are treated as names.
	for _, sentence := range splitSentences(content) {
		words := wordPattern.FindAllString(sentence, -1)
		for i, w := range words {
			if i == 0 || len(w) < 2 {
				continue
			}
			r := []rune(w)
			if !unicode.IsUpper(r[0]) {
				continue
			}
			if _, stop := stopWords[strings.ToLower(w)]; stop {
				continue
			}
			add(w, "name")
		}
	}
	return entities
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
}

// analyzeSentiment returns nil when the content carries no sentiment words.
func analyzeSentiment(content string) *domain.Sentiment {
	var pos, neg int
	for _, w := range tokenize(content) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return nil
	}

	score := float64(pos-neg) / float64(pos+neg)
	label := "neutral"
	switch {
	case score > 0:
		label = "positive"
	case score < 0:
		label = "negative"
	}
	return &domain.Sentiment{Score: score, Label: label}
}

func hasExplicitCue(content string) bool {
	words := make(map[string]struct{})
	for _, w := range tokenize(content) {
		words[w] = struct{}{}
	}
	for _, cue := range explicitCues {
		if _, ok := words[cue]; ok {
			return true
		}
	}
	return false
}

// sharesTerms reports whether two memories have an entity or topic in common.
func sharesTerms(a, b *domain.Memory) bool {
	topics := make(map[string]struct{}, len(a.Topics))
	for _, t := range a.Topics {
		topics[t] = struct{}{}
	}
	for _, t := range b.Topics {
		if _, ok := topics[t]; ok {
			return true
		}
	}
	entities := make(map[string]struct{}, len(a.Entities))
	for _, e := range a.Entities {
		entities[strings.ToLower(e.Text)] = struct{}{}
	}
	for _, e := range b.Entities {
		if _, ok := entities[strings.ToLower(e.Text)]; ok {
			return true
		}
	}
	return false
}

// mergeContent joins the distinct lines of the given contents in order.
// Nothing is paraphrased; every original line survives verbatim.
func mergeContent(contents []string) string {
	seen := make(map[string]struct{})
	var lines []string
	for _, c := range contents {
		for _, line := range strings.Split(c, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			key := strings.ToLower(line)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func unionEntities(groups ...[]domain.Entity) []domain.Entity {
	seen := make(map[string]struct{})
	var out []domain.Entity
	for _, g := range groups {
		for _, e := range g {
			key := e.Type + "|" + strings.ToLower(e.Text)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func unionStrings(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range groups {
		for _, s := range g {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
