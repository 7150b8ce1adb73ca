package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"goa.design/aigw/chat"
)

// Injection bounds. Source bytes are capped before extraction, rendered
// text per file after, and the assembled preamble overall.
const (
	MaxSourceBytes   = 256 << 10
	MaxRenderedBytes = 8 << 10
	MaxPreambleBytes = 64 << 10

	// DefaultFanOut bounds concurrent artifact fetches per request.
	DefaultFanOut = 4
)

const (
	preambleHeader     = "=== UPLOADED FILES CONTEXT ==="
	preambleTerminator = "========================"
)

type (
	// Source yields stored artifacts for injection. *Service implements it.
	Source interface {
		Content(ctx context.Context, id string) (*Record, []byte, error)
	}

	// Injector renders the artifacts a request references into a framed
	// context preamble and prepends it to the first user message.
	Injector struct {
		src    Source
		fanOut int
	}
)

// NewInjector builds an Injector reading artifacts from src.
func NewInjector(src Source) (*Injector, error) {
	if src == nil {
		return nil, errors.New("file source is required")
	}
	return &Injector{src: src, fanOut: DefaultFanOut}, nil
}

// Inject resolves req.FileIDs, renders each artifact and prepends the
// assembled preamble to the first user message; the original message text
// follows on the next line. Requests without file ids, and requests already
// carrying the preamble, pass through untouched, so injection is idempotent.
// A request without a user message gets the preamble as a leading system
// message instead.
//
// An id with no stored artifact fails the request with file_not_found.
// Artifacts that cannot be extracted render as in-band placeholders; only
// when every referenced file fails does the request fail.
func (inj *Injector) Inject(ctx context.Context, req *chat.Request) error {
	ids := dedupe(req.FileIDs)
	if len(ids) == 0 {
		return nil
	}
	if msg := req.FirstUser(); msg != nil && strings.HasPrefix(msg.Text(), preambleHeader) {
		return nil
	}
	blocks, err := inj.render(ctx, ids)
	if err != nil {
		return err
	}
	preamble := assemble(blocks)
	if len(preamble) > MaxPreambleBytes {
		return chat.ValidationError("file context exceeds %d bytes, reference fewer or smaller files", MaxPreambleBytes)
	}
	if msg := req.FirstUser(); msg != nil {
		msg.PrependText(preamble)
	} else {
		req.Messages = append([]*chat.Message{chat.Text(chat.RoleSystem, preamble)}, req.Messages...)
	}
	return nil
}

// render fetches and renders all artifacts with bounded parallelism.
// Results keep the order of ids.
func (inj *Injector) render(ctx context.Context, ids []string) ([]string, error) {
	blocks := make([]string, len(ids))
	oks := make([]bool, len(ids))
	errs := make([]error, len(ids))

	sem := make(chan struct{}, inj.fanOut)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			blocks[i], oks[i], errs[i] = inj.renderOne(ctx, id)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	rendered := 0
	for _, ok := range oks {
		if ok {
			rendered++
		}
	}
	if rendered == 0 {
		return nil, chat.ValidationError("none of the referenced files produced usable content")
	}
	return blocks, nil
}

// renderOne fetches one artifact and renders its block. The bool reports
// whether extraction succeeded; failed extractions still produce a block
// holding a placeholder. The error return is reserved for faults that fail
// the whole request: unknown ids and store failures.
func (inj *Injector) renderOne(ctx context.Context, id string) (string, bool, error) {
	rec, content, err := inj.src.Content(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, chat.Errorf(chat.KindFileNotFound, "file %s not found", id)
		}
		return "", false, err
	}
	var text string
	ok := true
	if len(content) > MaxSourceBytes {
		text = placeholder(fmt.Sprintf("file exceeds the %d byte extraction limit", MaxSourceBytes))
		ok = false
	} else if extracted, err := Extract(content, rec.MediaType, rec.Filename); err != nil {
		log.Warnf(ctx, "file context: %s: %v", id, err)
		text = placeholder(err.Error())
		ok = false
	} else {
		text = extracted
	}
	if cut, truncated := clipBytes(text, MaxRenderedBytes); truncated {
		text = cut + "\n... (truncated)"
	}
	return block(rec, text), ok, nil
}

// block renders one artifact in the canonical preamble framing.
func block(rec *Record, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 **File: %s** (%s, %s)\n", rec.Filename, rec.MediaType, humanSize(rec.Size))
	fmt.Fprintf(&b, "Created: %s\n\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString("**Processed Content:**\n")
	b.WriteString(text)
	return b.String()
}

func assemble(blocks []string) string {
	var b strings.Builder
	b.WriteString(preambleHeader)
	b.WriteByte('\n')
	for _, blk := range blocks {
		b.WriteString(blk)
		b.WriteString("\n\n")
	}
	b.WriteString(preambleTerminator)
	return b.String()
}

func placeholder(reason string) string {
	return "[File content could not be processed: " + reason + "]"
}

// humanSize renders a byte count the way file listings do.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// dedupe drops repeated ids preserving first-seen order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
