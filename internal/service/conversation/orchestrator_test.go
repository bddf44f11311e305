package conversation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/config"
	"github.com/visionagent/backend/internal/events"
	"github.com/visionagent/backend/internal/metrics"
	"github.com/visionagent/backend/internal/model/chat"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/internal/service/ai"
	chatsvc "github.com/visionagent/backend/internal/service/chat"
	"github.com/visionagent/backend/internal/service/fallback"
	"github.com/visionagent/backend/internal/service/vision"
)

type llmCall struct {
	userKey string
	emotion string
	message string
	history []chat.Turn
}

type streamStep struct {
	chunk ai.Chunk
	err   error
}

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	steps   []streamStep
	calls   []llmCall
	started chan struct{}
	release chan struct{}
}

func (f *fakeLLM) Generate(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*ai.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{userKey, emotionTag, message, append([]chat.Turn(nil), history...)})
	reply, err, started, release := f.reply, f.err, f.started, f.release
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &ai.Reply{Text: reply, Model: "fake"}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*schema.StreamReader[ai.Chunk], error) {
	f.mu.Lock()
	f.calls = append(f.calls, llmCall{userKey, emotionTag, message, history})
	steps := append([]streamStep(nil), f.steps...)
	f.mu.Unlock()

	sr, sw := schema.Pipe[ai.Chunk](len(steps) + 1)
	go func() {
		defer sw.Close()
		for _, step := range steps {
			sw.Send(step.chunk, step.err)
		}
	}()
	return sr, nil
}

func (f *fakeLLM) Model() string { return "fake" }

func (f *fakeLLM) lastCall() llmCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

type fixture struct {
	orch     *Orchestrator
	store    chatsvc.Store
	llm      *fakeLLM
	selector *fallback.Selector
}

func newFixture(t *testing.T, store chatsvc.Store, llm LLM) fixture {
	t.Helper()
	if store == nil {
		store = chatsvc.NewMemoryStore()
	}
	identities := persona.NewMemoryStore(persona.Seed())
	emotions := emotion.NewTable(nil)
	selector := fallback.NewSelector(identities, emotions, fallback.WithSeed(1))

	fake, _ := llm.(*fakeLLM)
	if llm == nil {
		fake = &fakeLLM{reply: "respuesta del modelo"}
		llm = fake
	}

	orch, err := New(Deps{
		Store:      store,
		LLM:        llm,
		Fallback:   selector,
		Identities: identities,
		Emotions:   emotions,
	})
	require.NoError(t, err)
	return fixture{orch: orch, store: store, llm: fake, selector: selector}
}

func countKinds(t *testing.T, store chatsvc.Store, sessionID string) (users, assistants int) {
	t.Helper()
	msgs, err := store.ListMessages(context.Background(), sessionID)
	require.NoError(t, err)
	for _, m := range msgs {
		switch m.Kind {
		case chat.KindUser:
			users++
		case chat.KindAssistant:
			assistants++
		}
	}
	return users, assistants
}

func TestNewSessionLoadRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "Mi conversación")
	require.NoError(t, err)

	loaded, err := f.orch.Load(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.Turns)
	assert.Equal(t, "Mi conversación", loaded.Session.Name)
	assert.Equal(t, session.ID, f.orch.ActiveSession())
}

func TestNewSessionDefaultName(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.orch.now = func() time.Time { return time.Date(2024, 3, 9, 18, 30, 0, 0, time.UTC) }

	session, err := f.orch.NewSession(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "Chat 2024-03-09 18:30", session.Name)
}

func TestSubmitRequiresSessionAndMessage(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.orch.Submit(ctx, "hola", "", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	_, err = f.orch.NewSession(ctx, "x")
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, "   ", "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSubmitSuccessPersistsAndAppendsTurn(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "chat")
	require.NoError(t, err)

	ex, err := f.orch.Submit(ctx, "Hola", "Jesus", "Feliz")
	require.NoError(t, err)
	assert.Equal(t, "respuesta del modelo", ex.Reply)
	assert.Equal(t, "fake", ex.Model)
	assert.False(t, ex.Fallback)
	assert.Equal(t, "jesus", ex.UserKey)
	assert.Equal(t, "feliz", ex.Emotion)

	_, err = f.orch.Submit(ctx, "¿Y ahora?", "jesus", "feliz")
	require.NoError(t, err)

	call := f.llm.lastCall()
	require.Len(t, call.history, 1)
	assert.Equal(t, "Hola", call.history[0].UserMessage)

	turns := f.orch.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, "¿Y ahora?", turns[1].UserMessage)

	msgs, err := f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, chat.KindUser, msgs[0].Kind)
	assert.Equal(t, chat.KindAssistant, msgs[1].Kind)
	assert.False(t, msgs[1].Fallback)
}

func TestSubmitFallsBackOnLLMFailure(t *testing.T) {
	for _, llmErr := range []error{
		ai.ErrEmptyReply,
		&ai.TransportError{Reason: "unexpected status", StatusCode: 500},
	} {
		f := newFixture(t, nil, &fakeLLM{err: llmErr})
		ctx := context.Background()

		session, err := f.orch.NewSession(ctx, "chat")
		require.NoError(t, err)

		ex, err := f.orch.Submit(ctx, "hola", "abrahan", "triste")
		require.NoError(t, err)
		assert.True(t, ex.Fallback)
		assert.Equal(t, ai.Outcome(llmErr), ex.FallbackReason)
		assert.Contains(t, f.selector.Candidates("triste", "abrahan"), ex.Reply)

		msgs, err := f.store.ListMessages(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, msgs[1].Fallback)
		assert.Equal(t, ex.Reply, msgs[1].Content)
	}
}

func TestSubmitTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	identities := persona.NewMemoryStore(persona.Seed())
	emotions := emotion.NewTable(nil)
	client := ai.NewClient(config.LLMConfig{
		BaseURL:        srv.URL,
		Model:          "llama3:latest",
		Timeout:        time.Second,
		ConnectTimeout: time.Second,
		Options:        config.DefaultSamplingOptions(),
	}, ai.NewBuilder(identities, emotions))

	f := newFixture(t, nil, client)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "timeout")
	require.NoError(t, err)

	ex, err := f.orch.Submit(ctx, "hola", "jesus", "triste")
	require.NoError(t, err)
	assert.True(t, ex.Fallback)
	assert.Equal(t, ai.OutcomeTimeout, ex.FallbackReason)
	assert.Contains(t, f.selector.Candidates("triste", "jesus"), ex.Reply)

	msgs, err := f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.KindUser, msgs[0].Kind)
	assert.Equal(t, "hola", msgs[0].Content)
	assert.Equal(t, chat.KindAssistant, msgs[1].Kind)
	assert.True(t, msgs[1].Fallback)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	llm := &fakeLLM{reply: "ok", started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, nil, llm)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "busy")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Submit(ctx, "primero", "", "")
		done <- err
	}()
	<-llm.started

	// 等待回复时：用户消息已落库，助手消息尚未写入
	users, assistants := countKinds(t, f.store, session.ID)
	assert.Equal(t, 1, users)
	assert.Equal(t, 0, assistants)
	assert.True(t, f.orch.Busy())

	_, err = f.orch.Submit(ctx, "segundo", "", "")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.orch.Load(ctx, session.ID)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, f.orch.DeleteSession(ctx, session.ID), ErrBusy)

	close(llm.release)
	require.NoError(t, <-done)
	assert.False(t, f.orch.Busy())

	users, assistants = countKinds(t, f.store, session.ID)
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, assistants)
}

func TestAssistantCountNeverExceedsUserCount(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	f := newFixture(t, nil, llm)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "invariante")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		llm.mu.Lock()
		if i%3 == 0 {
			llm.err = ai.ErrEmptyReply
		} else {
			llm.err = nil
		}
		llm.mu.Unlock()

		_, err := f.orch.Submit(ctx, "mensaje", "jesus", "pensativo")
		require.NoError(t, err)

		users, assistants := countKinds(t, f.store, session.ID)
		assert.LessOrEqual(t, assistants, users)
	}
}

func TestExportIsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "Exportar")
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, "Hola", "abrahan", "feliz")
	require.NoError(t, err)

	first, err := f.orch.Export(ctx, session.ID)
	require.NoError(t, err)
	second, err := f.orch.Export(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "Sesión: Exportar")
	assert.Contains(t, first, "Usuario (abrahan, feliz): Hola")
	assert.Contains(t, first, "Asistente: respuesta del modelo")

	_, err = f.orch.Export(ctx, "missing")
	assert.ErrorIs(t, err, chatsvc.ErrSessionNotFound)
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	ctx := context.Background()
	db, err := chatsvc.OpenDB(ctx, config.StorageConfig{Driver: config.DriverSQLite, DSN: "file::memory:"}, nil)
	require.NoError(t, err)
	require.NoError(t, chatsvc.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	f := newFixture(t, chatsvc.NewGormStore(db), nil)

	session, err := f.orch.NewSession(ctx, "borrar")
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, "uno", "", "")
	require.NoError(t, err)
	_, err = f.orch.SubmitImage(ctx, []byte{1, 2, 3}, "image/png", "jesus_feliz")
	require.NoError(t, err)

	require.NoError(t, f.orch.DeleteSession(ctx, session.ID))
	assert.Empty(t, f.orch.ActiveSession())
	assert.Empty(t, f.orch.Turns())

	_, err = f.orch.Load(ctx, session.ID)
	assert.ErrorIs(t, err, chatsvc.ErrSessionNotFound)

	var remaining int64
	require.NoError(t, db.Model(&chat.Message{}).Where("session_id = ?", session.ID).Count(&remaining).Error)
	assert.Zero(t, remaining)
}

func TestLoadRebuildsTurnsAndCurrentPair(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "recargar")
	require.NoError(t, err)
	_, err = f.orch.Submit(ctx, "uno", "", "")
	require.NoError(t, err)
	_, err = f.orch.SubmitImage(ctx, []byte{9}, "", "abrahan_cansado")
	require.NoError(t, err)

	other, err := f.orch.NewSession(ctx, "otra")
	require.NoError(t, err)
	require.NoError(t, f.orch.SetCurrent("", ""))
	assert.Equal(t, other.ID, f.orch.ActiveSession())

	loaded, err := f.orch.Load(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Turns, 2)
	assert.Equal(t, "uno", loaded.Turns[0].UserMessage)
	assert.Equal(t, "El usuario está en estado emocional: cansado", loaded.Turns[1].UserMessage)
	assert.Equal(t, Pair{UserKey: "abrahan", Emotion: "cansado"}, loaded.Current)
	assert.Equal(t, loaded.Current, f.orch.Current())
}

func TestSubmitImageWithLabel(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "imagen")
	require.NoError(t, err)

	res, err := f.orch.SubmitImage(ctx, []byte{0x89, 'P', 'N', 'G'}, "image/png", "jesus_triste")
	require.NoError(t, err)

	assert.Equal(t, "jesus", res.Detection.UserKey)
	assert.Equal(t, "triste", res.Detection.Emotion)
	assert.Equal(t, "Imagen de Jesus - Emoción: triste", res.ImageMessage.Content)
	assert.Equal(t, Pair{UserKey: "jesus", Emotion: "triste"}, f.orch.Current())

	call := f.llm.lastCall()
	assert.Equal(t, "El usuario está en estado emocional: triste", call.message)
	assert.Equal(t, "jesus", call.userKey)

	payload, err := f.orch.ImagePayload(ctx, res.ImageMessage.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, payload)

	msgs, err := f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, chat.KindImage, msgs[0].Kind)
}

type stubClassifier struct {
	pred vision.Prediction
	err  error
}

func (s stubClassifier) Classify(context.Context, []byte, string) (vision.Prediction, error) {
	return s.pred, s.err
}

func TestSubmitImageUsesClassifier(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	_, err := f.orch.NewSession(ctx, "clasificar")
	require.NoError(t, err)

	_, err = f.orch.SubmitImage(ctx, []byte{1}, "", "")
	assert.ErrorIs(t, err, vision.ErrClassifierDisabled)
	assert.False(t, f.orch.Busy())

	f.orch.classifier = stubClassifier{pred: vision.Prediction{Label: "abrahan_riendo", Confidence: 0.77}}
	res, err := f.orch.SubmitImage(ctx, []byte{1}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "riendo", res.Detection.Emotion)
	assert.InDelta(t, 0.77, res.Detection.Confidence, 1e-9)

	_, err = f.orch.SubmitImage(ctx, nil, "", "x")
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestGreetUsesCurrentPair(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	_, err := f.orch.NewSession(ctx, "saludo")
	require.NoError(t, err)
	require.NoError(t, f.orch.SetCurrent("Abrahan", "sorprendido"))

	ex, err := f.orch.Greet(ctx)
	require.NoError(t, err)
	assert.Equal(t, WelcomeMessage, ex.Welcome)

	call := f.llm.lastCall()
	assert.Equal(t, "abrahan", call.userKey)
	assert.Equal(t, "El usuario está en estado emocional: sorprendido", call.message)
}

func TestSetCurrentValidates(t *testing.T) {
	f := newFixture(t, nil, nil)

	err := f.orch.SetCurrent("nadie", "feliz")
	var cfgErr *config.Error
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, config.ErrUnknownIdentity)

	err = f.orch.SetCurrent("jesus", "aburrido")
	assert.ErrorIs(t, err, config.ErrUnknownEmotion)

	assert.Equal(t, Pair{}, f.orch.Current())
}

type flakyStore struct {
	chatsvc.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) AppendMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return chat.Message{}, errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.Store.AppendMessage(ctx, msg)
}

func TestPersistenceRetriesOnce(t *testing.T) {
	store := &flakyStore{Store: chatsvc.NewMemoryStore(), failures: 1}
	f := newFixture(t, store, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "reintento")
	require.NoError(t, err)

	_, err = f.orch.Submit(ctx, "hola", "", "")
	require.NoError(t, err)
	users, assistants := countKinds(t, store, session.ID)
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, assistants)

	store.failures = 2
	_, err = f.orch.Submit(ctx, "otra vez", "", "")
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "append_user", perr.Op)
	assert.False(t, f.orch.Busy())
}

func TestSubmitStream(t *testing.T) {
	llm := &fakeLLM{steps: []streamStep{
		{chunk: ai.Chunk{Text: "Hola"}},
		{err: &ai.DecodeError{Line: 2, Raw: "???"}},
		{chunk: ai.Chunk{Text: " amigo"}},
		{chunk: ai.Chunk{Done: true}},
	}}
	f := newFixture(t, nil, llm)
	ctx := context.Background()
	session, err := f.orch.NewSession(ctx, "stream")
	require.NoError(t, err)

	var got []string
	ex, err := f.orch.SubmitStream(ctx, "saluda", "", "", func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola", " amigo"}, got)
	assert.Equal(t, "Hola amigo", ex.Reply)
	assert.False(t, ex.Fallback)

	msgs, err := f.store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hola amigo", msgs[1].Content)
}

func TestSubmitStreamFailureUsesFallback(t *testing.T) {
	llm := &fakeLLM{steps: []streamStep{
		{err: &ai.TransportError{Reason: "request failed"}},
	}}
	f := newFixture(t, nil, llm)
	ctx := context.Background()
	_, err := f.orch.NewSession(ctx, "stream")
	require.NoError(t, err)

	var got []string
	ex, err := f.orch.SubmitStream(ctx, "hola", "jesus", "enojado", func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ex.Fallback)
	assert.Equal(t, []string{ex.Reply}, got)
	assert.Contains(t, f.selector.Candidates("enojado", "jesus"), ex.Reply)
	assert.True(t, strings.Contains(ex.Reply, "Jesus"))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Exchange
}

func (p *recordingPublisher) PublishExchange(_ context.Context, evt events.Exchange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestExchangeIsPublishedAndCounted(t *testing.T) {
	identities := persona.NewMemoryStore(persona.Seed())
	emotions := emotion.NewTable(nil)
	pub := &recordingPublisher{}
	m := metrics.New()

	orch, err := New(Deps{
		Store:      chatsvc.NewMemoryStore(),
		LLM:        &fakeLLM{err: &ai.TransportError{Reason: "status 500", StatusCode: 500}},
		Fallback:   fallback.NewSelector(identities, emotions, fallback.WithSeed(3)),
		Identities: identities,
		Emotions:   emotions,
		Publisher:  pub,
		Metrics:    m,
	})
	require.NoError(t, err)

	ctx := context.Background()
	session, err := orch.NewSession(ctx, "eventos")
	require.NoError(t, err)

	ex, err := orch.Submit(ctx, "Hola", "abrahan", "enojado")
	require.NoError(t, err)
	require.True(t, ex.Fallback)

	require.Len(t, pub.events, 1)
	evt := pub.events[0]
	assert.Equal(t, session.ID, evt.SessionID)
	assert.Equal(t, "Hola", evt.UserMessage)
	assert.Equal(t, ex.Reply, evt.Reply)
	assert.True(t, evt.Fallback)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `vision_agent_fallbacks_total{emotion="enojado"} 1`)
	assert.Contains(t, rec.Body.String(), `vision_agent_llm_requests_total{outcome="transport"} 1`)
}

// blockingDeleteStore parks DeleteSession until release is closed.
type blockingDeleteStore struct {
	chatsvc.Store
	started chan struct{}
	release chan struct{}
}

func (s *blockingDeleteStore) DeleteSession(ctx context.Context, sessionID string) error {
	close(s.started)
	<-s.release
	return s.Store.DeleteSession(ctx, sessionID)
}

func TestSubmitCannotStartDuringDelete(t *testing.T) {
	store := &blockingDeleteStore{
		Store:   chatsvc.NewMemoryStore(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, store, nil)
	ctx := context.Background()

	session, err := f.orch.NewSession(ctx, "borrar")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.orch.DeleteSession(ctx, session.ID) }()
	<-store.started

	_, err = f.orch.Submit(ctx, "hola", "", "")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = f.orch.NewSession(ctx, "otra")
	assert.ErrorIs(t, err, ErrBusy)

	close(store.release)
	require.NoError(t, <-done)
	assert.False(t, f.orch.Busy())
	assert.Empty(t, f.orch.ActiveSession())

	_, err = f.orch.Submit(ctx, "hola", "", "")
	assert.ErrorIs(t, err, ErrNoActiveSession)
	assert.Equal(t, 0, len(f.llm.calls))
}

func TestSubmitStreamInterruptedKeepsPartialReply(t *testing.T) {
	identities := persona.NewMemoryStore(persona.Seed())
	emotions := emotion.NewTable(nil)
	pub := &recordingPublisher{}
	m := metrics.New()
	store := chatsvc.NewMemoryStore()

	orch, err := New(Deps{
		Store: store,
		LLM: &fakeLLM{steps: []streamStep{
			{chunk: ai.Chunk{Text: "Hola, te cuento"}},
			{err: &ai.TransportError{Reason: "stream idle timeout", Timeout: true}},
		}},
		Fallback:   fallback.NewSelector(identities, emotions, fallback.WithSeed(3)),
		Identities: identities,
		Emotions:   emotions,
		Publisher:  pub,
		Metrics:    m,
	})
	require.NoError(t, err)

	ctx := context.Background()
	session, err := orch.NewSession(ctx, "cortado")
	require.NoError(t, err)

	var got []string
	ex, err := orch.SubmitStream(ctx, "cuéntame algo", "", "", func(text string) error {
		got = append(got, text)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola, te cuento"}, got)
	assert.Equal(t, "Hola, te cuento", ex.Reply)
	assert.False(t, ex.Fallback)
	assert.True(t, ex.Partial)
	assert.Equal(t, ai.OutcomeTimeout, ex.InterruptReason)

	msgs, err := store.ListMessages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hola, te cuento", msgs[1].Content)

	require.Len(t, pub.events, 1)
	assert.True(t, pub.events[0].Partial)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "vision_agent_stream_interruptions_total 1")
	assert.Contains(t, rec.Body.String(), `vision_agent_llm_requests_total{outcome="timeout"} 1`)
}
