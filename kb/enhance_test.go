package kb

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/aigw/chat"
)

type stubRetriever struct {
	result      *Result
	retrieveErr error
	answer      *Answer
	generateErr error

	calls    int
	gotKB    string
	gotQuery string
	gotMax   int
	gotGen   GenerateInput
}

func (s *stubRetriever) Retrieve(ctx context.Context, kbID, query string, maxResults int) (*Result, error) {
	s.calls++
	s.gotKB, s.gotQuery, s.gotMax = kbID, query, maxResults
	if s.retrieveErr != nil {
		return nil, s.retrieveErr
	}
	if s.result != nil {
		return s.result, nil
	}
	return &Result{}, nil
}

func (s *stubRetriever) Generate(ctx context.Context, q GenerateInput) (*Answer, error) {
	s.calls++
	s.gotGen = q
	if s.generateErr != nil {
		return nil, s.generateErr
	}
	return s.answer, nil
}

func newTestEnhancer(t *testing.T, kb Retriever) *Enhancer {
	t.Helper()
	e, err := NewEnhancer(EnhancerOptions{KB: kb})
	require.NoError(t, err)
	return e
}

func TestNewEnhancerRequiresRetriever(t *testing.T) {
	_, err := NewEnhancer(EnhancerOptions{})
	require.Error(t, err)
}

func TestPlan(t *testing.T) {
	e := newTestEnhancer(t, &stubRetriever{})
	cases := []struct {
		name string
		req  *chat.Request
		want Mode
	}{
		{
			name: "no knowledge base id",
			req:  &chat.Request{Messages: []*chat.Message{user("search for details in the documentation")}},
			want: ModeSkip,
		},
		{
			name: "explicit id high confidence",
			req: &chat.Request{KnowledgeBaseID: "kb-1",
				Messages: []*chat.Message{user("search for details in the documentation")}},
			want: ModeDirect,
		},
		{
			name: "explicit id simple question",
			req: &chat.Request{KnowledgeBaseID: "kb-1",
				Messages: []*chat.Message{user("define kubernetes")}},
			want: ModeDirect,
		},
		{
			name: "explicit id defaults to augmentation",
			req: &chat.Request{KnowledgeBaseID: "kb-1",
				Messages: []*chat.Message{user("Hello friend")}},
			want: ModeAugment,
		},
		{
			name: "auto high confidence",
			req: &chat.Request{KnowledgeBaseID: "kb-1", AutoKB: true,
				Messages: []*chat.Message{user("search for details in the documentation")}},
			want: ModeDirect,
		},
		{
			name: "auto medium confidence",
			req: &chat.Request{KnowledgeBaseID: "kb-1", AutoKB: true,
				Messages: []*chat.Message{user("what does the document say")}},
			want: ModeAugment,
		},
		{
			name: "auto low confidence skips",
			req: &chat.Request{KnowledgeBaseID: "kb-1", AutoKB: true,
				Messages: []*chat.Message{user("Hello friend")}},
			want: ModeSkip,
		},
		{
			name: "auto ignores simple question shortcut",
			req: &chat.Request{KnowledgeBaseID: "kb-1", AutoKB: true,
				Messages: []*chat.Message{user("define kubernetes")}},
			want: ModeSkip,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, e.Plan(tc.req))
		})
	}
}

func TestEnhanceAugmentsSystemMessage(t *testing.T) {
	stub := &stubRetriever{result: &Result{Chunks: []*Chunk{
		{Content: "Vacation policy grants 25 days.", Metadata: map[string]string{
			"source": "s3://docs/policy.pdf",
			"title":  "HR Policy",
		}},
		{Content: "Days accrue monthly."},
	}}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		Model:           "gpt-4o",
		KnowledgeBaseID: "kb-123",
		Messages: []*chat.Message{
			chat.Text(chat.RoleSystem, "You are helpful."),
			user("What does the vacation policy say about carryover?"),
		},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	require.True(t, used)
	require.NotSame(t, req, enhanced)
	require.Equal(t, chat.RoleSystem, enhanced.Messages[0].Role)
	text := enhanced.Messages[0].Text()
	assert.True(t, strings.HasPrefix(text, "Based on the following relevant information from the knowledge base"))
	assert.Contains(t, text, "Context 1: Vacation policy grants 25 days.")
	assert.Contains(t, text, "(Source: s3://docs/policy.pdf, Title: HR Policy)")
	assert.Contains(t, text, "Context 2: Days accrue monthly.")
	assert.Contains(t, text, "User's question: What does the vacation policy say about carryover")
	assert.True(t, strings.HasSuffix(text, "\n\nYou are helpful."))

	assert.Equal(t, "kb-123", stub.gotKB)
	assert.Equal(t, "What does the vacation policy say about carryover", stub.gotQuery)
	assert.Equal(t, 5, stub.gotMax)

	// The caller's request is untouched.
	assert.Equal(t, "You are helpful.", req.Messages[0].Text())
}

func TestEnhanceInsertsSystemMessage(t *testing.T) {
	stub := &stubRetriever{result: &Result{Chunks: []*Chunk{{Content: "Snippet."}}}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("What does the handbook say about travel expenses?")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	require.True(t, used)
	require.Len(t, enhanced.Messages, 2)
	assert.Equal(t, chat.RoleSystem, enhanced.Messages[0].Role)
	assert.Contains(t, enhanced.Messages[0].Text(), "Context 1: Snippet.")
	assert.Equal(t, chat.RoleUser, enhanced.Messages[1].Role)
	require.Len(t, req.Messages, 1)
}

func TestEnhanceHonorsRetrievalConfig(t *testing.T) {
	stub := &stubRetriever{result: &Result{Chunks: []*Chunk{{Content: "Snippet."}}}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Retrieval:       &chat.RetrievalConfig{MaxResults: 3},
		Messages:        []*chat.Message{user("What does the handbook say about travel expenses?")},
	}

	_, used := e.Enhance(context.Background(), req)

	require.True(t, used)
	assert.Equal(t, 3, stub.gotMax)
}

func TestEnhanceCapsContextAtFiveChunks(t *testing.T) {
	chunks := make([]*Chunk, 7)
	for i := range chunks {
		chunks[i] = &Chunk{Content: "snippet number " + strings.Repeat("x", i+1)}
	}
	stub := &stubRetriever{result: &Result{Chunks: chunks}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("What does the handbook say about travel expenses?")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	require.True(t, used)
	text := enhanced.Messages[0].Text()
	assert.Contains(t, text, "Context 5:")
	assert.NotContains(t, text, "Context 6:")
}

func TestEnhanceSkipsWithoutIntent(t *testing.T) {
	stub := &stubRetriever{}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{Messages: []*chat.Message{user("search the handbook for the travel policy")}}

	enhanced, used := e.Enhance(context.Background(), req)

	assert.False(t, used)
	assert.Same(t, req, enhanced)
	assert.Zero(t, stub.calls)
}

func TestEnhanceDetectionWithoutID(t *testing.T) {
	stub := &stubRetriever{}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		AutoKB:   true,
		Messages: []*chat.Message{user("search the handbook for the travel policy")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	assert.False(t, used)
	assert.Same(t, req, enhanced)
	assert.Zero(t, stub.calls)
}

func TestEnhanceNoUsableQuery(t *testing.T) {
	stub := &stubRetriever{}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("help?")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	assert.False(t, used)
	assert.Same(t, req, enhanced)
	assert.Zero(t, stub.calls)
}

func TestEnhanceRetrieveFailureFallsBack(t *testing.T) {
	stub := &stubRetriever{retrieveErr: assert.AnError}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("What does the handbook say about travel expenses?")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	assert.False(t, used)
	assert.Same(t, req, enhanced)
	assert.Equal(t, 1, stub.calls)
}

func TestEnhanceNoResults(t *testing.T) {
	stub := &stubRetriever{result: &Result{}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("What does the handbook say about travel expenses?")},
	}

	enhanced, used := e.Enhance(context.Background(), req)

	assert.False(t, used)
	assert.Same(t, req, enhanced)
}

func TestRespondFormatsCitations(t *testing.T) {
	stub := &stubRetriever{answer: &Answer{
		Output:    "You get 25 vacation days per year.",
		SessionID: "sess-1",
		Citations: []*Citation{{
			Text: "25 vacation days",
			References: []*Reference{{
				URI:      "s3://docs/policy.pdf",
				Location: "S3",
				Excerpt:  strings.Repeat("Vacation days accrue at a rate of two per month. ", 3),
			}},
		}},
	}}
	e := newTestEnhancer(t, stub)
	temp := 0.5
	req := &chat.Request{
		Model:           "anthropic.claude-3-sonnet-20240229-v1:0",
		KnowledgeBaseID: "kb-123",
		CitationFormat:  "openai",
		Temperature:     &temp,
		MaxTokens:       512,
		Retrieval:       &chat.RetrievalConfig{MaxResults: 4},
		Messages:        []*chat.Message{user("How many vacation days do we get?")},
	}

	resp, err := e.Respond(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "kb-123", stub.gotGen.KnowledgeBaseID)
	assert.Equal(t, req.Model, stub.gotGen.Model)
	assert.Equal(t, "How many vacation days do we get?", stub.gotGen.Query)
	assert.Equal(t, 4, stub.gotGen.MaxResults)
	assert.Equal(t, &temp, stub.gotGen.Temperature)
	assert.Equal(t, 512, stub.gotGen.MaxTokens)

	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-kb-"))
	assert.Equal(t, req.Model, resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, chat.FinishStop, resp.Choices[0].FinishReason)

	text := resp.Choices[0].Message.Text()
	assert.True(t, strings.HasPrefix(text, "You get 25 vacation days per year."))
	assert.Contains(t, text, "**Sources:**")
	assert.Contains(t, text, "[1] Document: s3://docs/policy.pdf, Type: S3")
	assert.Contains(t, text, `Excerpt: "`)
	assert.Contains(t, text, `..."`)

	assert.Equal(t, 7, resp.Usage.PromptTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	require.NotNil(t, resp.Metadata)
	meta, ok := resp.Metadata["kb_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, meta["knowledge_base_used"])
	assert.Equal(t, 1, meta["citations_count"])
	assert.Equal(t, "sess-1", meta["session_id"])
}

func TestRespondWithoutCitationFormatting(t *testing.T) {
	stub := &stubRetriever{answer: &Answer{
		Output: "Plain answer.",
		Citations: []*Citation{{References: []*Reference{{
			URI: "s3://docs/policy.pdf",
		}}}},
	}}
	e := newTestEnhancer(t, stub)
	req := &chat.Request{
		Model:           "gpt-4o",
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("How many vacation days do we get?")},
	}

	resp, err := e.Respond(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "Plain answer.", resp.Choices[0].Message.Text())
}

func TestRespondValidation(t *testing.T) {
	e := newTestEnhancer(t, &stubRetriever{})

	_, err := e.Respond(context.Background(), &chat.Request{
		Messages: []*chat.Message{user("What is the policy?")},
	})
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))

	_, err = e.Respond(context.Background(), &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{chat.Text(chat.RoleSystem, "You are helpful.")},
	})
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
}

func TestRespondGenerateFailure(t *testing.T) {
	e := newTestEnhancer(t, &stubRetriever{generateErr: assert.AnError})

	_, err := e.Respond(context.Background(), &chat.Request{
		KnowledgeBaseID: "kb-123",
		Messages:        []*chat.Message{user("What is the policy?")},
	})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestFormatCitations(t *testing.T) {
	text := FormatCitations("Answer.", []*Citation{
		{References: []*Reference{
			{URI: "s3://docs/a.pdf", Location: "S3", Excerpt: "short"},
			{URI: "s3://docs/b.pdf", Location: "S3"},
		}},
		{References: []*Reference{
			{URI: "https://example.com/c", Location: "WEB"},
		}},
	})

	assert.Contains(t, text, "[1] Document: s3://docs/a.pdf, Type: S3")
	assert.Contains(t, text, "[1] Document: s3://docs/b.pdf, Type: S3")
	assert.Contains(t, text, "[2] Document: https://example.com/c, Type: WEB")
	// Short excerpts are not quoted.
	assert.NotContains(t, text, "Excerpt:")

	assert.Equal(t, "Answer.", FormatCitations("Answer.", nil))
}
