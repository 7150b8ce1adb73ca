package kb

import (
	"regexp"
	"strings"

	"goa.design/aigw/chat"
)

// Keyword and pattern tables scoring retrieval intent. Matching is
// case-insensitive and runs against the last user message, the turn that
// expresses the current intent.
var (
	retrievalKeywords = []string{
		"search",
		"find",
		"lookup",
		"look up",
		"retrieve",
		"get information",
		"what does",
		"according to",
		"based on",
		"from the document",
		"from the docs",
		"in the documentation",
		"what is mentioned",
		"what says",
		"extract",
		"reference",
		"cite",
		"source",
		"pull information",
		"get details",
		"find details",
	}

	retrievalPatterns = compilePatterns(
		`what (?:does|do|is|are) .+ (?:say|mention|state|indicate)`,
		`(?:where|how|when|why|what) (?:can i find|is mentioned)`,
		`according to .+`,
		`based on .+`,
		`from (?:the |your )?(?:document|docs|documentation|knowledge base)`,
		`in (?:the |your )?(?:document|docs|documentation|knowledge base)`,
		`(?:search|find|lookup|retrieve) .+ (?:in|from)`,
	)

	filePatterns = compilePatterns(
		`in (?:this|the) file`,
		`from (?:this|the) file`,
		`(?:file|document) (?:says|mentions|states|contains)`,
		`upload(?:ed)? (?:file|document)`,
		`attached (?:file|document)`,
	)

	// Confidence weights. Strong keywords signal an explicit retrieval verb,
	// medium ones reference documents, weak ones are generic question stems.
	strongKeywords = []string{"search", "find", "lookup", "retrieve", "according to", "based on"}
	mediumKeywords = []string{"what does", "from the", "in the", "document", "file"}
	weakKeywords   = []string{"tell me", "explain", "show me", "how", "what", "where"}

	// Terms in earlier turns that mark the conversation as document-centric,
	// and follow-up stems that tie the current turn back to them.
	documentMentions = []string{
		"document", "file", "documentation", "knowledge base", "database",
		"repository", "source", "reference", "uploaded", "attached",
	}
	followupIndicators = []string{
		"what about", "how about", "tell me more", "explain", "elaborate",
		"give me", "show me", "where", "how", "why", "when", "what",
	}

	// Leading phrases stripped from queries before retrieval; they carry no
	// search signal. Only the first match is removed.
	queryPrefixes = []string{
		"can you",
		"could you",
		"please",
		"tell me",
		"show me",
		"explain",
		"help me",
		"i want to",
		"i need to",
		"how do i",
		"what is the",
		"what are the",
		"where can i",
		"when should i",
	}

	genericQueries = []string{"help", "information", "details", "more", "something", "anything"}
)

func compilePatterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile("(?i)" + expr)
	}
	return out
}

// ShouldUse reports whether the request warrants knowledge base retrieval.
// An explicit knowledge base id always does. Otherwise detection must be
// enabled via AutoKB, and either file references or retrieval intent in the
// conversation trigger it.
func ShouldUse(req *chat.Request) bool {
	if req.KnowledgeBaseID != "" {
		return true
	}
	if !req.AutoKB {
		return false
	}
	if len(req.FileIDs) > 0 {
		return true
	}
	return detectIntent(req.Messages)
}

// detectIntent analyzes the conversation for retrieval or search intent.
func detectIntent(msgs []*chat.Message) bool {
	users := userTexts(msgs)
	if len(users) == 0 {
		return false
	}
	content := strings.ToLower(users[len(users)-1])
	for _, kw := range retrievalKeywords {
		if strings.Contains(content, kw) {
			return true
		}
	}
	for _, re := range retrievalPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	for _, re := range filePatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return followsDocumentContext(users)
}

// followsDocumentContext reports whether the latest turn reads as a
// follow-up question about documents mentioned earlier in the conversation.
func followsDocumentContext(users []string) bool {
	if len(users) < 2 {
		return false
	}
	prev := strings.ToLower(strings.Join(users[:len(users)-1], " "))
	mentioned := false
	for _, m := range documentMentions {
		if strings.Contains(prev, m) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return false
	}
	current := strings.ToLower(users[len(users)-1])
	for _, f := range followupIndicators {
		if strings.Contains(current, f) {
			return true
		}
	}
	return false
}

// Confidence scores the retrieval intent of the last user message in [0, 1].
// Strong retrieval verbs weigh 0.3 each (capped at 0.6), document references
// 0.2 (capped at 0.4), generic question stems 0.1 (capped at 0.2). A question
// mark adds 0.1 and earlier document mentions add 0.2.
func Confidence(msgs []*chat.Message) float64 {
	users := userTexts(msgs)
	if len(users) == 0 {
		return 0
	}
	content := strings.ToLower(users[len(users)-1])

	score := min(float64(countContains(content, strongKeywords))*0.3, 0.6)
	score += min(float64(countContains(content, mediumKeywords))*0.2, 0.4)
	score += min(float64(countContains(content, weakKeywords))*0.1, 0.2)
	if strings.Contains(content, "?") {
		score += 0.1
	}
	if len(users) > 1 {
		prev := strings.ToLower(strings.Join(users[:len(users)-1], " "))
		for _, w := range []string{"document", "file", "knowledge"} {
			if strings.Contains(prev, w) {
				score += 0.2
				break
			}
		}
	}
	return min(score, 1.0)
}

func countContains(content string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(content, kw) {
			n++
		}
	}
	return n
}

// SuggestQuery distills the last user message into a retrieval query:
// conversational lead-ins and trailing punctuation are stripped. Returns ""
// when the remainder is too short or too generic to retrieve on.
func SuggestQuery(msgs []*chat.Message) string {
	users := userTexts(msgs)
	if len(users) == 0 {
		return ""
	}
	query := strings.TrimSpace(users[len(users)-1])
	lower := strings.ToLower(query)
	for _, phrase := range queryPrefixes {
		if strings.HasPrefix(lower, phrase) {
			query = strings.TrimSpace(query[len(phrase):])
			break
		}
	}
	query = strings.TrimRight(query, "?!.,")
	if len(strings.Fields(query)) < 2 {
		return ""
	}
	lower = strings.ToLower(query)
	for _, g := range genericQueries {
		if lower == g {
			return ""
		}
	}
	return query
}

// ExtractID returns the knowledge base id carried under any of the accepted
// request body keys, or "".
func ExtractID(payload map[string]any) string {
	for _, key := range []string{"knowledge_base_id", "knowledgeBaseId", "kb_id", "kbId"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func userTexts(msgs []*chat.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == chat.RoleUser {
			out = append(out, m.Text())
		}
	}
	return out
}
