package kb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	runtimetypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/aigw/chat"
)

type (
	// ControlAPI mirrors the subset of the AWS Bedrock agent client managing
	// knowledge bases. It matches *bedrockagent.Client so callers can pass
	// either the real client or a mock in tests.
	ControlAPI interface {
		ListKnowledgeBases(ctx context.Context, params *bedrockagent.ListKnowledgeBasesInput,
			optFns ...func(*bedrockagent.Options)) (*bedrockagent.ListKnowledgeBasesOutput, error)
		GetKnowledgeBase(ctx context.Context, params *bedrockagent.GetKnowledgeBaseInput,
			optFns ...func(*bedrockagent.Options)) (*bedrockagent.GetKnowledgeBaseOutput, error)
		DeleteKnowledgeBase(ctx context.Context, params *bedrockagent.DeleteKnowledgeBaseInput,
			optFns ...func(*bedrockagent.Options)) (*bedrockagent.DeleteKnowledgeBaseOutput, error)
	}

	// RuntimeAPI mirrors the subset of the AWS Bedrock agent runtime client
	// serving retrieval. It matches *bedrockagentruntime.Client.
	RuntimeAPI interface {
		Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput,
			optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
		RetrieveAndGenerate(ctx context.Context, params *bedrockagentruntime.RetrieveAndGenerateInput,
			optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveAndGenerateOutput, error)
	}

	// Options configures the service.
	Options struct {
		// Control manages knowledge bases. Required.
		Control ControlAPI

		// Runtime serves retrieval queries. Required.
		Runtime RuntimeAPI

		// Region scopes the model ARNs built for retrieve-and-generate.
		// Defaults to "us-east-1".
		Region string
	}

	// Service wraps the Bedrock knowledge base APIs behind the canonical
	// types.
	Service struct {
		control ControlAPI
		runtime RuntimeAPI
		region  string
	}

	// GenerateInput parameterizes a retrieve-and-generate call.
	GenerateInput struct {
		// KnowledgeBaseID selects the knowledge base. Required.
		KnowledgeBaseID string

		// Model is the generation model id. A bare id is expanded into a
		// foundation-model ARN in the service region; ARNs pass through.
		Model string

		// Query is the retrieval question. Required.
		Query string

		// MaxResults bounds retrieval. Zero means the provider default.
		MaxResults int

		// Temperature and MaxTokens tune generation. When either is set a
		// generation configuration is sent; MaxTokens then defaults to 1000.
		Temperature *float64
		MaxTokens   int

		// SessionID continues a previous retrieval session.
		SessionID string
	}
)

const (
	serviceName   = "knowledge-bases"
	defaultRegion = "us-east-1"
)

// NewService builds a Service from the provided options.
func NewService(opts Options) (*Service, error) {
	if opts.Control == nil {
		return nil, errors.New("bedrock agent client is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("bedrock agent runtime client is required")
	}
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}
	return &Service{control: opts.Control, runtime: opts.Runtime, region: region}, nil
}

// Name identifies the service in health reports.
func (s *Service) Name() string { return serviceName }

// Region returns the AWS region the service operates in.
func (s *Service) Region() string { return s.region }

// Ping verifies the Bedrock agent API is reachable with the configured
// credentials.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.control.ListKnowledgeBases(ctx, &bedrockagent.ListKnowledgeBasesInput{
		MaxResults: aws.Int32(1),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// List returns one page of knowledge base summaries.
func (s *Service) List(ctx context.Context, maxResults int, nextToken string) (*Page, error) {
	in := &bedrockagent.ListKnowledgeBasesInput{}
	if maxResults > 0 {
		in.MaxResults = aws.Int32(int32(maxResults))
	}
	if nextToken != "" {
		in.NextToken = aws.String(nextToken)
	}
	out, err := s.control.ListKnowledgeBases(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	page := &Page{Bases: make([]*Summary, 0, len(out.KnowledgeBaseSummaries)), NextToken: aws.ToString(out.NextToken)}
	for _, kb := range out.KnowledgeBaseSummaries {
		page.Bases = append(page.Bases, &Summary{
			ID:          aws.ToString(kb.KnowledgeBaseId),
			Name:        aws.ToString(kb.Name),
			Description: aws.ToString(kb.Description),
			Status:      string(kb.Status),
			CreatedAt:   aws.ToTime(kb.UpdatedAt),
			UpdatedAt:   aws.ToTime(kb.UpdatedAt),
		})
	}
	return page, nil
}

// Get returns the full description of one knowledge base.
func (s *Service) Get(ctx context.Context, id string) (*Summary, error) {
	out, err := s.control.GetKnowledgeBase(ctx, &bedrockagent.GetKnowledgeBaseInput{
		KnowledgeBaseId: aws.String(id),
	})
	if err != nil {
		return nil, classify(err)
	}
	kb := out.KnowledgeBase
	if kb == nil {
		return nil, chat.Errorf(chat.KindUnavailable, "bedrock returned no knowledge base for %s", id)
	}
	return &Summary{
		ID:             aws.ToString(kb.KnowledgeBaseId),
		Name:           aws.ToString(kb.Name),
		Description:    aws.ToString(kb.Description),
		ARN:            aws.ToString(kb.KnowledgeBaseArn),
		Status:         string(kb.Status),
		RoleARN:        aws.ToString(kb.RoleArn),
		FailureReasons: kb.FailureReasons,
		CreatedAt:      aws.ToTime(kb.CreatedAt),
		UpdatedAt:      aws.ToTime(kb.UpdatedAt),
	}, nil
}

// Delete removes a knowledge base and returns its resulting status.
func (s *Service) Delete(ctx context.Context, id string) (string, error) {
	out, err := s.control.DeleteKnowledgeBase(ctx, &bedrockagent.DeleteKnowledgeBaseInput{
		KnowledgeBaseId: aws.String(id),
	})
	if err != nil {
		return "", classify(err)
	}
	return string(out.Status), nil
}

// Retrieve runs a retrieve-only query and maps the results into canonical
// chunks.
func (s *Service) Retrieve(ctx context.Context, kbID, query string, maxResults int) (*Result, error) {
	in := &bedrockagentruntime.RetrieveInput{
		KnowledgeBaseId: aws.String(kbID),
		RetrievalQuery:  &runtimetypes.KnowledgeBaseQuery{Text: aws.String(query)},
	}
	if maxResults > 0 {
		in.RetrievalConfiguration = retrievalConfig(maxResults)
	}
	out, err := s.runtime.Retrieve(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	res := &Result{Chunks: make([]*Chunk, 0, len(out.RetrievalResults)), NextToken: aws.ToString(out.NextToken)}
	for _, r := range out.RetrievalResults {
		c := &Chunk{Score: aws.ToFloat64(r.Score)}
		if r.Content != nil {
			c.Content = aws.ToString(r.Content.Text)
		}
		if r.Location != nil {
			c.Location = string(r.Location.Type)
			if r.Location.S3Location != nil {
				c.Source = aws.ToString(r.Location.S3Location.Uri)
			}
		}
		if len(r.Metadata) > 0 {
			c.Metadata = make(map[string]string, len(r.Metadata))
			for k, v := range r.Metadata {
				if v == nil {
					continue
				}
				var sv string
				if err := v.UnmarshalSmithyDocument(&sv); err == nil && sv != "" {
					c.Metadata[k] = sv
				}
			}
		}
		res.Chunks = append(res.Chunks, c)
	}
	return res, nil
}

// Generate runs a retrieve-and-generate call and maps the generated answer
// and its citations into canonical form.
func (s *Service) Generate(ctx context.Context, q GenerateInput) (*Answer, error) {
	cfg := &runtimetypes.KnowledgeBaseRetrieveAndGenerateConfiguration{
		KnowledgeBaseId: aws.String(q.KnowledgeBaseID),
		ModelArn:        aws.String(s.modelARN(q.Model)),
	}
	if q.MaxResults > 0 {
		cfg.RetrievalConfiguration = retrievalConfig(q.MaxResults)
	}
	if q.Temperature != nil || q.MaxTokens > 0 {
		ti := &runtimetypes.TextInferenceConfig{}
		if q.Temperature != nil {
			ti.Temperature = aws.Float32(float32(*q.Temperature))
		}
		maxTokens := q.MaxTokens
		if maxTokens == 0 {
			maxTokens = 1000
		}
		ti.MaxTokens = aws.Int32(int32(maxTokens))
		cfg.GenerationConfiguration = &runtimetypes.GenerationConfiguration{
			InferenceConfig: &runtimetypes.InferenceConfig{TextInferenceConfig: ti},
		}
	}
	in := &bedrockagentruntime.RetrieveAndGenerateInput{
		Input: &runtimetypes.RetrieveAndGenerateInput{Text: aws.String(q.Query)},
		RetrieveAndGenerateConfiguration: &runtimetypes.RetrieveAndGenerateConfiguration{
			Type:                       runtimetypes.RetrieveAndGenerateTypeKnowledgeBase,
			KnowledgeBaseConfiguration: cfg,
		},
	}
	if q.SessionID != "" {
		in.SessionId = aws.String(q.SessionID)
	}
	out, err := s.runtime.RetrieveAndGenerate(ctx, in)
	if err != nil {
		return nil, classify(err)
	}
	ans := &Answer{
		SessionID:       aws.ToString(out.SessionId),
		GuardrailAction: string(out.GuardrailAction),
	}
	if out.Output != nil {
		ans.Output = aws.ToString(out.Output.Text)
	}
	for _, c := range out.Citations {
		cit := &Citation{}
		if c.GeneratedResponsePart != nil && c.GeneratedResponsePart.TextResponsePart != nil {
			cit.Text = aws.ToString(c.GeneratedResponsePart.TextResponsePart.Text)
		}
		for _, ref := range c.RetrievedReferences {
			r := &Reference{}
			if ref.Content != nil {
				r.Excerpt = aws.ToString(ref.Content.Text)
			}
			if ref.Location != nil {
				r.Location = string(ref.Location.Type)
				if ref.Location.S3Location != nil {
					r.URI = aws.ToString(ref.Location.S3Location.Uri)
					if r.URI == "" {
						r.URI = "Unknown"
					}
				}
			}
			cit.References = append(cit.References, r)
		}
		ans.Citations = append(ans.Citations, cit)
	}
	return ans, nil
}

func retrievalConfig(maxResults int) *runtimetypes.KnowledgeBaseRetrievalConfiguration {
	return &runtimetypes.KnowledgeBaseRetrievalConfiguration{
		VectorSearchConfiguration: &runtimetypes.KnowledgeBaseVectorSearchConfiguration{
			NumberOfResults: aws.Int32(int32(maxResults)),
		},
	}
}

// modelARN expands a bare model id into a foundation-model ARN in the
// service region. Ids that already are ARNs pass through.
func (s *Service) modelARN(model string) string {
	if strings.HasPrefix(model, "arn:") {
		return model
	}
	return fmt.Sprintf("arn:aws:bedrock:%s::foundation-model/%s", s.region, model)
}

// classify maps SDK failures into the gateway error taxonomy. The agent APIs
// surface structured faults as smithy API errors whose codes are stable
// across operations.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.NewError(chat.KindTimeout, "knowledge base request timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return chat.NewError(chat.KindCancelled, "request cancelled").WithCause(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.ErrorMessage()
		if msg == "" {
			msg = apiErr.ErrorCode()
		}
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnauthorizedOperation", "UnrecognizedClientException", "ExpiredTokenException":
			return chat.NewError(chat.KindAuthorization, msg).WithCause(err)
		case "ResourceNotFoundException":
			return chat.NewError(chat.KindValidation, msg).WithStatus(http.StatusNotFound).WithCause(err)
		case "ValidationException", "BadRequestException":
			return chat.NewError(chat.KindValidation, msg).WithCause(err)
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return chat.NewError(chat.KindRateLimited, msg).WithCause(err)
		case "ServiceUnavailableException", "InternalServerException", "DependencyFailedException":
			return chat.NewError(chat.KindUnavailable, msg).WithCause(err)
		case "ConflictException":
			return chat.NewError(chat.KindUpstream, msg).WithStatus(http.StatusConflict).WithCause(err)
		}
		return statusError(err, msg)
	}
	return statusError(err, "knowledge base request failed")
}

func statusError(err error, msg string) error {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return chat.NewError(chat.KindAuthorization, msg).WithCause(err)
		case status == http.StatusTooManyRequests:
			return chat.NewError(chat.KindRateLimited, msg).WithCause(err)
		case status >= 500:
			return chat.NewError(chat.KindUnavailable, msg).WithCause(err)
		case status >= 400:
			return chat.NewError(chat.KindUpstream, msg).WithStatus(status).WithCause(err)
		}
	}
	return chat.NewError(chat.KindUnavailable, msg).WithCause(err)
}
