package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"convobot/internal/guard"
	"convobot/internal/storage"
)

type fakeProvider struct {
	completion Completion
	err        error
	chunks     []string

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Complete(ctx context.Context, req ProviderRequest) (Completion, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.completion, p.err
}

func (p *fakeProvider) Stream(ctx context.Context, req ProviderRequest, onChunk ChunkFunc) (Completion, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return Completion{}, p.err
	}
	var acc strings.Builder
	for i, c := range p.chunks {
		acc.WriteString(c)
		if err := onChunk(acc.String(), i == 0, false); err != nil {
			return Completion{}, err
		}
	}
	if err := onChunk("", false, true); err != nil {
		return Completion{}, err
	}
	return Completion{Text: acc.String()}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeFactory struct {
	provider Provider
	err      error
}

func (f *fakeFactory) ForModel(ctx context.Context, m storage.ModelProfile) (Provider, error) {
	return f.provider, f.err
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []storage.Transaction
}

func (r *fakeRecorder) Record(ctx context.Context, t storage.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, t)
}

func (r *fakeRecorder) recorded() []storage.Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Transaction(nil), r.recs...)
}

type fakeChat struct {
	mu      sync.Mutex
	typings int
	texts   []string
}

func (c *fakeChat) Name() string { return "chat" }

func (c *fakeChat) SendTyping(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typings++
	return nil
}

func (c *fakeChat) SendText(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *fakeChat) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

type fakeStream struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (s *fakeStream) Name() string { return "stream" }

func (s *fakeStream) SendChunk(ctx context.Context, chatID string, chunk Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *fakeStream) received() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Chunk(nil), s.chunks...)
}

func newTestGuard(t *testing.T) *guard.InFlight {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return guard.New(rdb, "test:inflight")
}

func newTestOrchestrator(t *testing.T, store *storage.Store, provider Provider, rec *fakeRecorder) (*Orchestrator, *guard.InFlight) {
	t.Helper()
	g := newTestGuard(t)
	o := New(Config{
		Store:          store,
		Guard:          g,
		Counter:        wordCounter{},
		Providers:      &fakeFactory{provider: provider},
		Recorder:       rec,
		Logger:         zerolog.Nop(),
		TypingInterval: 10 * time.Millisecond,
		TypingCeiling:  time.Second,
	})
	return o, g
}

func TestConverseBufferedDeliversAndRecords(t *testing.T) {
	store := openTestStore(t)
	model, _ := seedProfiles(t, store, 10000)

	provider := &fakeProvider{completion: Completion{
		Text:             "the answer",
		PromptTokens:     120,
		CompletionTokens: 80,
		UsageReported:    true,
	}}
	rec := &fakeRecorder{}
	o, g := newTestOrchestrator(t, store, provider, rec)

	chat := &fakeChat{}
	answer, err := o.Converse(context.Background(), Request{
		Text:   "hello world",
		ChatID: "chat-1",
	}, chat)
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	if answer != "the answer" {
		t.Errorf("answer = %q", answer)
	}
	if sent := chat.sent(); len(sent) != 1 || sent[0] != "the answer" {
		t.Errorf("sent = %v, want the answer once", sent)
	}

	recs := rec.recorded()
	if len(recs) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(recs))
	}
	tx := recs[0]
	if tx.QuestionTokens != 120 || tx.AnswerTokens != 80 {
		t.Errorf("tokens = (%d, %d), want provider usage (120, 80)", tx.QuestionTokens, tx.AnswerTokens)
	}
	if tx.QuestionTokenPrice != model.OutgoingPrice || tx.AnswerTokenPrice != model.IncomingPrice {
		t.Errorf("prices = (%v, %v), want (%v, %v)",
			tx.QuestionTokenPrice, tx.AnswerTokenPrice, model.OutgoingPrice, model.IncomingPrice)
	}
	if tx.Question != "hello world" || tx.Answer != "the answer" {
		t.Errorf("payload = (%q, %q)", tx.Question, tx.Answer)
	}

	// The guard must be free again after a successful run.
	if err := g.Acquire(context.Background(), "chat-1", "hello world"); err != nil {
		t.Errorf("guard still held after converse: %v", err)
	}
}

func TestConverseRejectsDuplicate(t *testing.T) {
	store := openTestStore(t)
	seedProfiles(t, store, 10000)

	provider := &fakeProvider{completion: Completion{Text: "x"}}
	rec := &fakeRecorder{}
	o, g := newTestOrchestrator(t, store, provider, rec)

	if err := g.Acquire(context.Background(), "chat-1", "hello world"); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	_, err := o.Converse(context.Background(), Request{Text: "hello world", ChatID: "chat-1"}, &fakeChat{})
	if KindOf(err) != KindDuplicate {
		t.Fatalf("kind = %v (%v), want duplicate", KindOf(err), err)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times for a duplicate", provider.callCount())
	}
	// A duplicate rejection must not release the original holder's entry.
	if err := g.Acquire(context.Background(), "chat-1", "hello world"); !errors.Is(err, guard.ErrDuplicate) {
		t.Errorf("original guard entry lost: %v", err)
	}
}

func TestConverseQueryTooLargeSkipsProvider(t *testing.T) {
	store := openTestStore(t)
	// MaxRequestTokens is contextWindow/2 = 4; "hello world" costs 2+4 = 6.
	seedProfiles(t, store, 8)

	provider := &fakeProvider{completion: Completion{Text: "x"}}
	rec := &fakeRecorder{}
	o, g := newTestOrchestrator(t, store, provider, rec)

	_, err := o.Converse(context.Background(), Request{Text: "hello world", ChatID: "chat-1"}, &fakeChat{})
	if KindOf(err) != KindQueryTooLarge {
		t.Fatalf("kind = %v (%v), want query too large", KindOf(err), err)
	}
	if provider.callCount() != 0 {
		t.Errorf("provider called %d times for an oversized question", provider.callCount())
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("recorded %d transactions for a rejected question", len(rec.recorded()))
	}
	if err := g.Acquire(context.Background(), "chat-1", "hello world"); err != nil {
		t.Errorf("guard not released after rejection: %v", err)
	}
}

func TestConverseReleasesGuardOnProviderFailure(t *testing.T) {
	store := openTestStore(t)
	seedProfiles(t, store, 10000)

	provider := &fakeProvider{err: E(KindProviderConnection, errors.New("dial tcp: refused"), "")}
	rec := &fakeRecorder{}
	o, g := newTestOrchestrator(t, store, provider, rec)

	chat := &fakeChat{}
	_, err := o.Converse(context.Background(), Request{Text: "hello world", ChatID: "chat-1"}, chat)
	if KindOf(err) != KindProviderConnection {
		t.Fatalf("kind = %v (%v), want provider connection", KindOf(err), err)
	}
	if len(chat.sent()) != 0 {
		t.Errorf("sent %v after a provider failure", chat.sent())
	}
	if len(rec.recorded()) != 0 {
		t.Errorf("recorded %d transactions after a provider failure", len(rec.recorded()))
	}
	if err := g.Acquire(context.Background(), "chat-1", "hello world"); err != nil {
		t.Errorf("guard not released after failure: %v", err)
	}
}

func TestConverseStreamedChunkFlags(t *testing.T) {
	store := openTestStore(t)
	model, prompt := seedProfiles(t, store, 10000)

	provider := &fakeProvider{chunks: []string{"stream", "ed ans", "wer"}}
	rec := &fakeRecorder{}
	o, _ := newTestOrchestrator(t, store, provider, rec)

	stream := &fakeStream{}
	answer, err := o.Converse(context.Background(), Request{
		Text:     "hello world",
		ChatID:   "chat-1",
		Streamed: true,
	}, stream)
	if err != nil {
		t.Fatalf("converse: %v", err)
	}
	if answer != "streamed answer" {
		t.Errorf("answer = %q", answer)
	}

	chunks := stream.received()
	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4: %+v", len(chunks), chunks)
	}
	wantText := []string{"stream", "streamed ans", "streamed answer", ""}
	for i, c := range chunks {
		if c.Message != wantText[i] {
			t.Errorf("chunk %d message = %q, want %q", i, c.Message, wantText[i])
		}
		if !c.IsStream {
			t.Errorf("chunk %d is_stream false", i)
		}
		if got, want := c.IsStart, i == 0; got != want {
			t.Errorf("chunk %d is_start = %v, want %v", i, got, want)
		}
		if got, want := c.IsEnd, i == len(chunks)-1; got != want {
			t.Errorf("chunk %d is_end = %v, want %v", i, got, want)
		}
	}

	// Streamed runs count both sides locally: the flattened prompt with no
	// correction, the answer with the user correction.
	recs := rec.recorded()
	if len(recs) != 1 {
		t.Fatalf("recorded %d transactions, want 1", len(recs))
	}
	flat := FlattenForCount([]Message{
		{Role: RoleSystem, Content: prompt.ENText},
		{Role: RoleUser, Content: "hello world"},
	})
	wantPrompt, _ := wordCounter{}.Count(flat, model.TitleModel, 0)
	wantAnswer, _ := wordCounter{}.Count("streamed answer", model.TitleModel, userOverhead)
	if recs[0].QuestionTokens != wantPrompt || recs[0].AnswerTokens != wantAnswer {
		t.Errorf("tokens = (%d, %d), want (%d, %d)",
			recs[0].QuestionTokens, recs[0].AnswerTokens, wantPrompt, wantAnswer)
	}
}
