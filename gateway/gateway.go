// Package gateway orchestrates chat completions across providers. A request
// moves through explicit states: its dialect is detected and canonicalized,
// uploaded file context and knowledge base retrieval enrich it, the model id
// routes it to a provider, and the response is encoded back in the caller's
// dialect or the one requested with target_format. The package also serves
// the HTTP surface: completions, streaming, model listing, file and
// knowledge base management, and health.
package gateway

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"

	"goa.design/aigw/chat"
	"goa.design/aigw/dialect"
	"goa.design/aigw/files"
	"goa.design/aigw/kb"
	"goa.design/aigw/provider"
	"goa.design/aigw/route"
	"goa.design/aigw/telemetry"
	"goa.design/aigw/usage"
)

type (
	// ModelLister returns live model listings from a provider.
	ModelLister interface {
		Models(ctx context.Context) ([]route.ModelInfo, error)
	}

	// Options configures a Gateway.
	Options struct {
		// Router maps model identifiers to providers. Required.
		Router *route.Router

		// Providers holds one client per provider. Required, non-empty.
		// Requests routed to a provider without a client fail with
		// service_unavailable.
		Providers map[route.Provider]provider.Client

		// Catalog lists the models served by Models. Defaults to
		// route.DefaultCatalog().
		Catalog *route.Catalog

		// Files injects uploaded file content into requests that carry file
		// ids. When nil such requests fail with service_unavailable.
		Files *files.Injector

		// KB augments or directly answers requests with knowledge base
		// retrieval. Optional.
		KB *kb.Enhancer

		// Live lists provider models to merge into the catalog. Optional.
		Live ModelLister

		// Journal records per-request accounting entries. Optional.
		Journal usage.Journal

		// Telemetry records request metrics and spans. Optional.
		Telemetry *telemetry.Recorder
	}

	// Gateway translates, enriches, routes and invokes chat completions.
	Gateway struct {
		router    *route.Router
		providers map[route.Provider]provider.Client
		catalog   *route.Catalog
		files     *files.Injector
		kb        *kb.Enhancer
		live      ModelLister
		journal   usage.Journal
		metrics   *telemetry.Recorder
	}

	// Prepared carries a request from Prepare through invocation. Prepare
	// resolves the dialects, enriches the canonical request and selects the
	// provider; Complete or Stream then invoke it.
	Prepared struct {
		// Request is the canonical request after enrichment.
		Request *chat.Request
		// Source is the dialect the request arrived in.
		Source dialect.Dialect
		// Target is the dialect responses must be encoded in.
		Target dialect.Dialect
		// Route is the resolved provider target. Zero when a direct
		// knowledge base answer bypassed routing.
		Route route.Target

		id     string
		prog   *progress
		client provider.Client
		direct *chat.Response
		start  time.Time
	}

	// state names a stop on the request's path through the gateway.
	state string

	progress struct {
		id    string
		state state
	}
)

const (
	stateInit          state = "INIT"
	stateDetected      state = "DETECTED"
	stateCanonicalized state = "CANONICALIZED"
	stateFilesInjected state = "FILES_INJECTED"
	stateKBAugmented   state = "KB_AUGMENTED"
	stateRouted        state = "ROUTED"
	stateInvoking      state = "INVOKING"
	stateStreaming     state = "STREAMING"
	stateStreamed      state = "STREAMED"
	stateCompleted     state = "COMPLETED"
	stateFailed        state = "FAILED"
)

// New builds a Gateway from the provided options.
func New(opts Options) (*Gateway, error) {
	if opts.Router == nil {
		return nil, errors.New("router is required")
	}
	if len(opts.Providers) == 0 {
		return nil, errors.New("at least one provider client is required")
	}
	catalog := opts.Catalog
	if catalog == nil {
		catalog = route.DefaultCatalog()
	}
	return &Gateway{
		router:    opts.Router,
		providers: opts.Providers,
		catalog:   catalog,
		files:     opts.Files,
		kb:        opts.KB,
		live:      opts.Live,
		journal:   opts.Journal,
		metrics:   opts.Telemetry,
	}, nil
}

// Prepare decodes the request body, validates the canonical request,
// enriches it with file and knowledge base context and resolves its route.
// target overrides the response dialect when non-empty; otherwise responses
// use the detected source dialect. Errors are *chat.Error values classified
// for HTTP mapping.
func (g *Gateway) Prepare(ctx context.Context, body []byte, target string) (*Prepared, error) {
	p := &Prepared{
		id:    uuid.NewString(),
		start: time.Now(),
	}
	p.prog = &progress{id: p.id, state: stateInit}

	req, src, err := dialect.DecodeRequest(body)
	if err != nil {
		p.prog.fail(ctx, err)
		return nil, err
	}
	p.Source = src
	p.prog.to(ctx, stateDetected)
	p.prog.to(ctx, stateCanonicalized)

	if err := req.Validate(); err != nil {
		p.prog.fail(ctx, err)
		return nil, err
	}

	p.Target = src
	if target != "" {
		tgt, err := dialect.ParseTarget(target)
		if err != nil {
			p.prog.fail(ctx, err)
			return nil, err
		}
		p.Target = tgt
	}

	if len(req.FileIDs) > 0 {
		if g.files == nil {
			err := chat.NewError(chat.KindUnavailable, "file storage is not configured")
			p.prog.fail(ctx, err)
			return nil, err
		}
		if err := g.files.Inject(ctx, req); err != nil {
			p.prog.fail(ctx, err)
			return nil, err
		}
		p.prog.to(ctx, stateFilesInjected)
	}

	if g.kb != nil {
		req = g.enrich(ctx, p, req)
		if p.direct != nil {
			p.Request = req
			return p, nil
		}
	}

	tgt, err := g.router.Route(req.Model)
	if err != nil {
		p.prog.fail(ctx, err)
		return nil, err
	}
	p.Route = tgt
	p.prog.to(ctx, stateRouted)

	client, ok := g.providers[tgt.Provider]
	if !ok {
		err := chat.Errorf(chat.KindUnavailable, "provider %q is not configured", tgt.Provider)
		p.prog.fail(ctx, err)
		return nil, err
	}
	p.client = client
	p.Request = req
	return p, nil
}

// enrich applies the knowledge base plan. Direct answers set p.direct and
// bypass routing; augmentation rewrites the request; everything else leaves
// it untouched. Retrieval failures degrade to a plain completion.
func (g *Gateway) enrich(ctx context.Context, p *Prepared, req *chat.Request) *chat.Request {
	mode := g.kb.Plan(req)
	if mode == kb.ModeSkip {
		return req
	}
	if mode == kb.ModeDirect && !req.Stream {
		resp, err := g.kb.Respond(ctx, req)
		if err == nil {
			p.direct = resp
			p.prog.to(ctx, stateKBAugmented)
			return req
		}
		log.Errorf(ctx, err, "direct knowledge base answer failed, falling back to completion")
	}
	if enhanced, used := g.kb.Enhance(ctx, req); used {
		p.prog.to(ctx, stateKBAugmented)
		return enhanced
	}
	return req
}

// Complete invokes the provider and returns the full response. Direct
// knowledge base answers resolved during Prepare return without a provider
// call.
func (g *Gateway) Complete(ctx context.Context, p *Prepared) (*chat.Response, error) {
	if p.direct != nil {
		p.prog.to(ctx, stateCompleted)
		g.record(ctx, p, usage.StatusCompleted, false, p.direct.Usage)
		return p.direct, nil
	}

	p.prog.to(ctx, stateInvoking)
	if g.metrics != nil {
		var span trace.Span
		ctx, span = g.metrics.Start(ctx, "gateway.complete",
			attribute.String("provider", string(p.Route.Provider)),
			attribute.String("model", p.Request.Model))
		defer span.End()
	}
	resp, err := p.client.Complete(ctx, p.Request)
	if err != nil {
		p.prog.fail(ctx, err)
		g.record(ctx, p, failStatus(err), false, nil)
		return nil, err
	}
	p.prog.to(ctx, stateCompleted)
	g.record(ctx, p, usage.StatusCompleted, false, resp.Usage)
	return resp, nil
}

// Stream opens the provider stream. Establishment failures report like
// Complete failures; once the stream is open the caller drains it and
// reports the outcome through FinishStream.
func (g *Gateway) Stream(ctx context.Context, p *Prepared) (provider.Streamer, error) {
	p.prog.to(ctx, stateInvoking)
	stream, err := p.client.Stream(ctx, p.Request)
	if err != nil {
		p.prog.fail(ctx, err)
		g.record(ctx, p, failStatus(err), true, nil)
		return nil, err
	}
	p.prog.to(ctx, stateStreaming)
	return stream, nil
}

// FinishStream records the outcome of a drained stream. u carries the final
// token counts when the provider reported them, err the mid-stream failure
// if any.
func (g *Gateway) FinishStream(ctx context.Context, p *Prepared, u *chat.Usage, err error) {
	if err != nil {
		p.prog.fail(ctx, err)
		g.record(ctx, p, failStatus(err), true, u)
		return
	}
	p.prog.to(ctx, stateStreamed)
	p.prog.to(ctx, stateCompleted)
	g.record(ctx, p, usage.StatusCompleted, true, u)
}

// Models returns the gateway's catalog merged with the live provider listing
// when one is configured. Live listing failures degrade to the catalog.
func (g *Gateway) Models(ctx context.Context) []route.ModelInfo {
	static := g.catalog.Models()
	if g.live == nil {
		return static
	}
	live, err := g.live.Models(ctx)
	if err != nil {
		log.Errorf(ctx, err, "live model listing failed, serving catalog only")
		return static
	}
	seen := make(map[string]struct{}, len(static))
	for _, m := range static {
		seen[m.ID] = struct{}{}
	}
	merged := static
	for _, m := range live {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// record emits telemetry and appends the accounting entry. Journal writes
// are fire-and-forget: they run detached from the request and only log on
// failure.
func (g *Gateway) record(ctx context.Context, p *Prepared, status string, streamed bool, u *chat.Usage) {
	elapsed := time.Since(p.start)
	prov := string(p.Route.Provider)
	if prov == "" {
		// Direct knowledge base answers run on the Bedrock agent runtime.
		prov = string(route.ProviderBedrock)
	}
	model := ""
	if p.Request != nil {
		model = p.Request.Model
	}
	if g.metrics != nil {
		g.metrics.Request(ctx, prov, model, status, elapsed, u)
	}
	if g.journal == nil {
		return
	}
	e := &usage.Entry{
		ID:        p.id,
		Dialect:   string(p.Source),
		Model:     model,
		Provider:  prov,
		Status:    status,
		Streamed:  streamed,
		LatencyMS: elapsed.Milliseconds(),
		Usage:     u,
		CreatedAt: time.Now().UTC(),
	}
	jctx := context.WithoutCancel(ctx)
	go func() {
		if err := g.journal.Record(jctx, e); err != nil {
			log.Errorf(jctx, err, "usage journal write failed")
		}
	}()
}

func failStatus(err error) string {
	return usage.StatusFailedPrefix + string(chat.KindOf(err))
}

func (p *progress) to(ctx context.Context, next state) {
	log.Debug(ctx,
		log.KV{K: "request_id", V: p.id},
		log.KV{K: "from", V: string(p.state)},
		log.KV{K: "to", V: string(next)})
	p.state = next
}

func (p *progress) fail(ctx context.Context, cause error) {
	log.Debug(ctx,
		log.KV{K: "request_id", V: p.id},
		log.KV{K: "from", V: string(p.state)},
		log.KV{K: "to", V: string(stateFailed)},
		log.KV{K: "cause", V: cause.Error()})
	p.state = stateFailed
}
