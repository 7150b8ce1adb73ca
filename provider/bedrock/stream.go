package bedrock

import (
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/aigw/chat"
)

// eventStream is the subset of the SDK response event stream the pump needs.
// It is satisfied by *bedrockruntime.InvokeModelWithResponseStreamEventStream
// and by fakes in tests.
type eventStream interface {
	Events() <-chan types.ResponseStream
	Close() error
	Err() error
}

// streamer adapts a Bedrock response event stream to provider.Streamer. A
// pump goroutine drains the SDK event channel, feeds chunk payloads through
// the family decoder and delivers canonical chunks until the provider stream
// ends or the context is cancelled.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream eventStream
	dec    StreamDecoder

	chunks chan *chat.Chunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metadata map[string]any
}

func newStreamer(ctx context.Context, stream eventStream, dec StreamDecoder, metadata map[string]any) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:      cctx,
		cancel:   cancel,
		stream:   stream,
		dec:      dec,
		chunks:   make(chan *chat.Chunk, 32),
		metadata: metadata,
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (*chat.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		err := classify(s.ctx.Err())
		s.setErr(err)
		return nil, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) Metadata() map[string]any {
	return s.metadata
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(classify(s.ctx.Err()))
			return
		case event, ok := <-events:
			if !ok {
				switch {
				case s.stream.Err() != nil:
					// Stream faults (throttling, model stream errors,
					// internal server exceptions) surface here, after the
					// event channel closes.
					s.setErr(classify(s.stream.Err()))
				case s.ctx.Err() != nil:
					s.setErr(classify(s.ctx.Err()))
				case !s.dec.Finished():
					s.setErr(chat.NewError(chat.KindUnavailable,
						"bedrock stream ended before completion"))
				}
				return
			}
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			decoded, err := s.dec.Decode(chunk.Value.Bytes)
			if err != nil {
				s.setErr(err)
				return
			}
			for _, c := range decoded {
				if err := s.emit(c); err != nil {
					s.setErr(classify(err))
					return
				}
			}
		}
	}
}

func (s *streamer) emit(chunk *chat.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}
