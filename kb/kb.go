// Package kb integrates AWS Bedrock knowledge bases into the gateway. It
// detects retrieval intent in conversations, retrieves relevant snippets for
// context augmentation, and can delegate a request entirely to the Bedrock
// retrieve-and-generate API, mapping the generated answer and its citations
// back into the canonical chat types.
package kb

import "time"

type (
	// Summary describes one knowledge base. List results populate a subset
	// of the fields; Get fills them all.
	Summary struct {
		// ID is the Bedrock knowledge base identifier.
		ID string `json:"knowledgeBaseId"`

		// Name is the human-readable knowledge base name.
		Name string `json:"name"`

		// Description optionally explains the knowledge base contents.
		Description string `json:"description,omitempty"`

		// ARN is the full resource name. Empty on list summaries.
		ARN string `json:"knowledgeBaseArn,omitempty"`

		// Status is the Bedrock lifecycle status (ACTIVE, CREATING, ...).
		Status string `json:"status"`

		// RoleARN is the service role the knowledge base assumes.
		RoleARN string `json:"roleArn,omitempty"`

		// FailureReasons lists provisioning failures, if any.
		FailureReasons []string `json:"failureReasons,omitempty"`

		// CreatedAt and UpdatedAt are the Bedrock resource timestamps. List
		// summaries report only an update time, which is mirrored into
		// CreatedAt.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// Page is one page of knowledge base summaries.
	Page struct {
		// Bases holds the summaries in provider order.
		Bases []*Summary `json:"knowledgeBaseSummaries"`

		// NextToken resumes pagination when non-empty.
		NextToken string `json:"nextToken,omitempty"`
	}

	// Chunk is one retrieved snippet.
	Chunk struct {
		// Content is the snippet text.
		Content string `json:"content"`

		// Score is the retrieval relevance score when the provider reports
		// one.
		Score float64 `json:"score,omitempty"`

		// Source locates the snippet origin (S3 URI or page URL).
		Source string `json:"source,omitempty"`

		// Location is the provider location type ("S3", "WEB", ...).
		Location string `json:"location,omitempty"`

		// Metadata carries the string-valued snippet attributes. Retrieval
		// augmentation reads the "source" and "title" keys.
		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Result is the outcome of a retrieve-only query.
	Result struct {
		// Chunks holds the retrieved snippets, most relevant first.
		Chunks []*Chunk `json:"retrievalResults"`

		// NextToken resumes pagination when non-empty.
		NextToken string `json:"nextToken,omitempty"`
	}

	// Reference is one cited source of a generated answer.
	Reference struct {
		// URI locates the cited document. "Unknown" when the provider
		// reports an S3 location without a URI.
		URI string `json:"uri,omitempty"`

		// Location is the provider location type.
		Location string `json:"location,omitempty"`

		// Excerpt is the cited passage text.
		Excerpt string `json:"excerpt,omitempty"`
	}

	// Citation ties a span of generated text to the references backing it.
	Citation struct {
		// Text is the generated span the references support.
		Text string `json:"text,omitempty"`

		// References lists the backing sources.
		References []*Reference `json:"references,omitempty"`
	}

	// Answer is the outcome of a retrieve-and-generate call.
	Answer struct {
		// Output is the generated answer text.
		Output string `json:"output"`

		// Citations back the answer, in generation order.
		Citations []*Citation `json:"citations,omitempty"`

		// SessionID continues the retrieval session on follow-up calls.
		SessionID string `json:"sessionId,omitempty"`

		// GuardrailAction reports guardrail intervention when configured.
		GuardrailAction string `json:"guardrailAction,omitempty"`
	}
)
