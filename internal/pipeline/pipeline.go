// Package pipeline streams a model reply to the caller and hands the finished
// reply to a committer.
//
// Each exchange runs in two stages. The generation stage ranges over the
// model's chunk sequence, forwarding every chunk to the Stream as soon as it
// arrives and accumulating the full text. When the sequence ends it resolves
// the exchange's Completion. The commit stage waits on that Completion and
// persists the exchange only if generation succeeded.
//
// Both stages run on a context detached from the caller, so a client that
// disconnects mid-stream does not stop generation or lose the commit.
package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-memory/internal/commit"
	"github.com/chirino/chat-memory/internal/model"
	registryllm "github.com/chirino/chat-memory/internal/registry/llm"
	registrystore "github.com/chirino/chat-memory/internal/registry/store"
	"github.com/chirino/chat-memory/internal/security"
)

// Committer persists a completed exchange.
type Committer interface {
	Commit(ctx context.Context, ex registrystore.Exchange) error
}

// Request describes one question to answer.
type Request struct {
	ChatID   string
	UserID   string
	Question string
	// Title is used when the chat is created. Defaults to the question.
	Title   string
	History []model.Turn
}

// Completion is the terminal value of a generation: the full reply text, or
// the error that ended it.
type Completion struct {
	done chan struct{}
	text string
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(text string, err error) {
	c.text, c.err = text, err
	close(c.done)
}

// Done is closed once generation has ended.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until generation ends or ctx is done.
func (c *Completion) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return c.text, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ErrAbandoned is returned by Next once the stream has been abandoned.
var ErrAbandoned = errors.New("pipeline: stream abandoned")

// Stream is the consumer side of a running exchange. Chunks are queued until
// read, so generation never waits on the consumer.
type Stream struct {
	ChatID string

	mu        sync.Mutex
	pending   []string
	ended     bool
	abandoned bool
	ready     chan struct{}

	completion *Completion
	committed  chan struct{}
	commitErr  error
}

func (s *Stream) push(chunk string) {
	s.mu.Lock()
	if !s.abandoned {
		s.pending = append(s.pending, chunk)
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next returns the next chunk. ok is false once the reply has ended, in which
// case err holds the generation error, if any. If ctx ends first the stream is
// abandoned and ctx.Err() is returned.
func (s *Stream) Next(ctx context.Context) (chunk string, ok bool, err error) {
	for {
		if err := ctx.Err(); err != nil {
			s.Abandon()
			return "", false, err
		}
		s.mu.Lock()
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending[0] = ""
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return c, true, nil
		}
		ended, abandoned := s.ended, s.abandoned
		s.mu.Unlock()
		if abandoned {
			return "", false, ErrAbandoned
		}
		if ended {
			return "", false, s.completion.err
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
		}
	}
}

// Relay copies every chunk to w, flushing after each one when w supports it.
// It returns the generation error, a write error, or ctx.Err().
func (s *Stream) Relay(ctx context.Context, w io.Writer) error {
	flusher, _ := w.(http.Flusher)
	for {
		chunk, ok, err := s.Next(ctx)
		if !ok {
			return err
		}
		if _, err := io.WriteString(w, chunk); err != nil {
			s.Abandon()
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Abandon stops delivery to the consumer. Generation and commit continue.
// Queued chunks are dropped. It is safe to call more than once.
func (s *Stream) Abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.pending = nil
	s.mu.Unlock()
	s.signal()
}

// Completion returns the future resolved when generation ends.
func (s *Stream) Completion() *Completion {
	return s.completion
}

// Committed is closed once the commit stage has finished, whether or not
// anything was persisted.
func (s *Stream) Committed() <-chan struct{} {
	return s.committed
}

// Err returns the error that prevented the exchange from being persisted. It is
// only meaningful after Committed is closed.
func (s *Stream) Err() error {
	select {
	case <-s.committed:
		return s.commitErr
	default:
		return nil
	}
}

// Pipeline runs exchanges against a model and a committer.
type Pipeline struct {
	gen  registryllm.Generator
	sink Committer
	now  func() time.Time
	wg   sync.WaitGroup
}

// New creates a Pipeline.
func New(gen registryllm.Generator, sink Committer) *Pipeline {
	return &Pipeline{gen: gen, sink: sink, now: time.Now}
}

// Start begins generating the reply for req and returns its Stream.
func (p *Pipeline) Start(ctx context.Context, req Request) *Stream {
	s := &Stream{
		ChatID:     req.ChatID,
		ready:      make(chan struct{}, 1),
		completion: newCompletion(),
		committed:  make(chan struct{}),
	}
	detached := context.WithoutCancel(ctx)

	p.wg.Add(2)
	go p.generate(detached, req, s)
	go p.commit(detached, req, s)
	return s
}

func (p *Pipeline) generate(ctx context.Context, req Request, s *Stream) {
	defer p.wg.Done()

	var sb strings.Builder
	var genErr error
	for chunk, err := range p.gen.Generate(ctx, req.History, req.Question) {
		if err != nil {
			genErr = err
			break
		}
		sb.WriteString(chunk)
		security.RecordStreamChunk()
		s.push(chunk)
	}
	s.completion.resolve(sb.String(), genErr)
	s.end()
}

func (p *Pipeline) commit(ctx context.Context, req Request, s *Stream) {
	defer p.wg.Done()
	defer close(s.committed)

	answer, err := s.completion.Wait(ctx)
	if err != nil {
		s.commitErr = err
		security.RecordExchange(security.OutcomeGenerationFailed)
		log.Error("Generation failed; exchange not persisted", "chatId", req.ChatID, "userId", req.UserID, "err", err)
		return
	}

	err = p.sink.Commit(ctx, registrystore.Exchange{
		ChatID:   req.ChatID,
		UserID:   req.UserID,
		Title:    req.Title,
		Question: req.Question,
		Answer:   answer,
		At:       p.now(),
	})
	var idxErr *commit.IndexError
	switch {
	case err == nil:
		security.RecordExchange(security.OutcomeCommitted)
	case errors.As(err, &idxErr):
		// The transcript is durable; only the index lags.
		security.RecordExchange(security.OutcomeCommitted)
	default:
		s.commitErr = err
		security.RecordExchange(security.OutcomeCommitFailed)
	}
	log.Debug("Exchange committed", "chatId", req.ChatID, "answerLength", len(answer), "err", err)
}

// Drain waits for every started exchange to finish committing, or for ctx to end.
func (p *Pipeline) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
