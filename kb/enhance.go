package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"goa.design/clue/log"

	"goa.design/aigw/chat"
)

// Mode is the retrieval strategy selected for a request.
type Mode string

const (
	// ModeSkip leaves the request untouched.
	ModeSkip Mode = "skip"

	// ModeAugment retrieves snippets and injects them as context before
	// normal routing.
	ModeAugment Mode = "context_augmentation"

	// ModeDirect delegates the whole request to retrieve-and-generate.
	ModeDirect Mode = "direct_rag"
)

type (
	// Retriever is the knowledge base surface the enhancer consumes.
	// *Service implements it.
	Retriever interface {
		Retrieve(ctx context.Context, kbID, query string, maxResults int) (*Result, error)
		Generate(ctx context.Context, q GenerateInput) (*Answer, error)
	}

	// EnhancerOptions configures the enhancer.
	EnhancerOptions struct {
		// KB serves retrieval. Required.
		KB Retriever

		// DirectThreshold is the confidence at or above which a request is
		// answered by retrieve-and-generate directly. Defaults to 0.7.
		DirectThreshold float64

		// AugmentThreshold is the confidence below which auto-detected
		// requests skip retrieval. Defaults to 0.4.
		AugmentThreshold float64
	}

	// Enhancer wires intent detection and retrieval into chat completions.
	Enhancer struct {
		kb      Retriever
		direct  float64
		augment float64
	}
)

// Default confidence thresholds for mode selection.
const (
	DefaultDirectThreshold  = 0.7
	DefaultAugmentThreshold = 0.4
)

// NewEnhancer builds an Enhancer from the provided options.
func NewEnhancer(opts EnhancerOptions) (*Enhancer, error) {
	if opts.KB == nil {
		return nil, errors.New("knowledge base retriever is required")
	}
	direct := opts.DirectThreshold
	if direct <= 0 {
		direct = DefaultDirectThreshold
	}
	augment := opts.AugmentThreshold
	if augment <= 0 {
		augment = DefaultAugmentThreshold
	}
	return &Enhancer{kb: opts.KB, direct: direct, augment: augment}, nil
}

// Plan selects the retrieval mode for the request. Without a knowledge base
// id nothing can be retrieved. Auto-detected requests are gated by the
// confidence thresholds; explicitly targeted ones always use the knowledge
// base, answering directly when confidence is high or the last turn is a
// simple factual question, augmenting context otherwise.
func (e *Enhancer) Plan(req *chat.Request) Mode {
	if req.KnowledgeBaseID == "" {
		return ModeSkip
	}
	score := Confidence(req.Messages)
	if req.AutoKB {
		switch {
		case score >= e.direct:
			return ModeDirect
		case score >= e.augment:
			return ModeAugment
		default:
			return ModeSkip
		}
	}
	if score >= e.direct || simpleQuestion(req.LastUserText()) {
		return ModeDirect
	}
	return ModeAugment
}

// Enhance augments the request with knowledge base context when retrieval
// intent warrants it. The returned flag reports whether context was added.
// Failures never propagate: the original request is returned unchanged so
// the call degrades to a plain completion.
func (e *Enhancer) Enhance(ctx context.Context, req *chat.Request) (*chat.Request, bool) {
	if !ShouldUse(req) {
		return req, false
	}
	kbID := req.KnowledgeBaseID
	if kbID == "" {
		log.Warnf(ctx, "knowledge base intent detected but no knowledge base id provided")
		return req, false
	}
	query := SuggestQuery(req.Messages)
	if query == "" {
		log.Debugf(ctx, "no effective retrieval query for knowledge base %s", kbID)
		return req, false
	}
	maxResults := 5
	if req.Retrieval != nil && req.Retrieval.MaxResults > 0 {
		maxResults = req.Retrieval.MaxResults
	}
	res, err := e.kb.Retrieve(ctx, kbID, query, maxResults)
	if err != nil {
		log.Errorf(ctx, err, "knowledge base enhancement failed, continuing without context")
		return req, false
	}
	if len(res.Chunks) == 0 {
		return req, false
	}
	return augment(req, res.Chunks, query), true
}

// Respond answers the request with the knowledge base retrieve-and-generate
// API instead of a chat provider. Citations are appended as a sources block
// when the request asks for OpenAI citation formatting.
func (e *Enhancer) Respond(ctx context.Context, req *chat.Request) (*chat.Response, error) {
	if req.KnowledgeBaseID == "" {
		return nil, chat.ValidationError("retrieve and generate requires a knowledge base id")
	}
	query := req.LastUserText()
	if query == "" {
		return nil, chat.ValidationError("retrieve and generate requires a user message")
	}
	in := GenerateInput{
		KnowledgeBaseID: req.KnowledgeBaseID,
		Model:           req.Model,
		Query:           query,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
	}
	if req.Retrieval != nil {
		in.MaxResults = req.Retrieval.MaxResults
	}
	ans, err := e.kb.Generate(ctx, in)
	if err != nil {
		return nil, err
	}
	return ragResponse(req, ans), nil
}

// contextPromptFormat wraps retrieved context and the user question with
// grounding instructions. The numbered "Context N" labels let the model cite
// sections the way the instructions ask.
const contextPromptFormat = `Based on the following relevant information from the knowledge base, please answer the user's question:

%s

Instructions:
- Use the provided context to answer the user's question accurately
- If the context doesn't contain relevant information, mention that the information isn't available in the knowledge base
- Cite specific context sections when referencing information (e.g., "According to Context 1...")
- Be concise but comprehensive in your response

User's question: %s`

// augment clones the request and injects the retrieved chunks into the
// system message, creating one when the conversation has none. At most the
// top five chunks are used.
func augment(req *chat.Request, chunks []*Chunk, query string) *chat.Request {
	parts := make([]string, 0, 2*len(chunks))
	for i, c := range chunks {
		if i == 5 {
			break
		}
		parts = append(parts, fmt.Sprintf("Context %d: %s", i+1, c.Content))
		var src []string
		if s := c.Metadata["source"]; s != "" {
			src = append(src, "Source: "+s)
		}
		if t := c.Metadata["title"]; t != "" {
			src = append(src, "Title: "+t)
		}
		if len(src) > 0 {
			parts = append(parts, "("+strings.Join(src, ", ")+")")
		}
	}
	prompt := fmt.Sprintf(contextPromptFormat, strings.Join(parts, "\n\n"), query)

	out := req.Clone()
	for _, m := range out.Messages {
		if m.Role == chat.RoleSystem {
			if orig := m.Text(); orig != "" {
				m.SetText(prompt + "\n\n" + orig)
			} else {
				m.SetText(prompt)
			}
			return out
		}
	}
	out.Messages = append([]*chat.Message{chat.Text(chat.RoleSystem, prompt)}, out.Messages...)
	return out
}

// ragResponse maps a generated answer into a canonical chat response. The
// agent API reports no token counts, so usage is approximated by word
// counts.
func ragResponse(req *chat.Request, ans *Answer) *chat.Response {
	text := ans.Output
	if req.CitationFormat == "openai" && len(ans.Citations) > 0 {
		text = FormatCitations(text, ans.Citations)
	}
	now := time.Now()
	prompt := len(strings.Fields(req.LastUserText()))
	completion := len(strings.Fields(text))
	resp := &chat.Response{
		ID:      "chatcmpl-kb-" + now.UTC().Format("20060102150405"),
		Created: now.Unix(),
		Model:   req.Model,
		Choices: []*chat.Choice{{
			Message:      chat.Text(chat.RoleAssistant, text),
			FinishReason: chat.FinishStop,
		}},
		Usage: &chat.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
	if len(ans.Citations) > 0 || ans.SessionID != "" {
		resp.Metadata = map[string]any{
			"kb_metadata": map[string]any{
				"knowledge_base_used": true,
				"citations_count":     len(ans.Citations),
				"session_id":          ans.SessionID,
			},
		}
	}
	return resp
}

// FormatCitations appends a sources block listing the answer's cited
// documents, with a short excerpt for substantial passages.
func FormatCitations(text string, citations []*Citation) string {
	var notes []string
	for i, c := range citations {
		for _, ref := range c.References {
			var src []string
			if ref.URI != "" {
				src = append(src, "Document: "+ref.URI)
			}
			if ref.Location != "" {
				src = append(src, "Type: "+ref.Location)
			}
			notes = append(notes, fmt.Sprintf("[%d] %s", i+1, strings.Join(src, ", ")))
			if utf8.RuneCountInString(ref.Excerpt) > 50 {
				notes = append(notes, fmt.Sprintf("    Excerpt: %q", excerpt(ref.Excerpt)))
			}
		}
	}
	if len(notes) == 0 {
		return text
	}
	return text + "\n\n**Sources:**\n" + strings.Join(notes, "\n")
}

func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= 100 {
		return s
	}
	return string(runes[:100]) + "..."
}

// simpleQuestion reports whether the text reads as a simple factual
// question, the shape native retrieve-and-generate answers best.
func simpleQuestion(text string) bool {
	content := strings.ToLower(text)
	for _, ind := range []string{"what is", "who is", "when is", "where is", "how many", "define"} {
		if strings.Contains(content, ind) {
			return true
		}
	}
	return false
}
