package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"

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
	"github.com/visionagent/backend/pkg/logger"
)

// WelcomeMessage is shown when a conversation is opened with Greet.
const WelcomeMessage = "¡Hola! Soy tu agente de visión. Puedo detectar emociones en imágenes y mantener conversaciones inteligentes. ¿En qué puedo ayudarte hoy?"

// LLM is the completion backend the orchestrator dispatches to.
type LLM interface {
	Generate(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*ai.Reply, error)
	GenerateStream(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*schema.StreamReader[ai.Chunk], error)
	Model() string
}

// Deps wires the orchestrator. Store, LLM and Fallback are required.
type Deps struct {
	Store      chatsvc.Store
	LLM        LLM
	Fallback   *fallback.Selector
	Identities persona.Store
	Emotions   *emotion.Table
	Resolver   *vision.Resolver
	Classifier vision.Classifier
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     *logger.Logger
	Now        func() time.Time
}

// Exchange is the result of one submission. It is always a reply the user
// can read; Fallback marks replies that did not come from the LLM.
type Exchange struct {
	SessionID        string       `json:"sessionId"`
	UserMessage      chat.Message `json:"userMessage"`
	AssistantMessage chat.Message `json:"assistantMessage"`
	Reply            string       `json:"reply"`
	Model            string       `json:"model,omitempty"`
	UserKey          string       `json:"userKey,omitempty"`
	Emotion          string       `json:"emotion,omitempty"`
	Fallback         bool         `json:"fallback"`
	FallbackReason   string       `json:"fallbackReason,omitempty"`
	// Partial marks a streamed reply cut short after some text arrived;
	// InterruptReason is the outcome label of the failure.
	Partial         bool   `json:"partial,omitempty"`
	InterruptReason string `json:"interruptReason,omitempty"`
	Welcome         string `json:"welcome,omitempty"`
}

// ImageExchange is the result of SubmitImage.
type ImageExchange struct {
	Detection    vision.Detection `json:"detection"`
	ImageMessage chat.Message     `json:"imageMessage"`
	Exchange     *Exchange        `json:"exchange"`
}

// LoadedSession is the state after switching to a session.
type LoadedSession struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
	Turns    []chat.Turn    `json:"turns"`
	Current  Pair           `json:"current"`
}

// Orchestrator drives a single active conversation: Idle → AwaitingReply →
// Idle. Only one submission runs at a time; a concurrent one gets ErrBusy.
// No lock is held while the LLM call is in flight.
type Orchestrator struct {
	store      chatsvc.Store
	llm        LLM
	fallback   *fallback.Selector
	identities persona.Store
	emotions   *emotion.Table
	resolver   *vision.Resolver
	classifier vision.Classifier
	publisher  events.Publisher
	metrics    *metrics.Metrics
	log        *logger.Logger
	now        func() time.Time

	busy atomic.Bool

	mu        sync.RWMutex
	sessionID string
	history   []chat.Turn
	current   Pair
}

// New validates deps and returns an idle orchestrator with no active session.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if deps.LLM == nil {
		return nil, errors.New("conversation: llm is required")
	}
	if deps.Fallback == nil {
		return nil, errors.New("conversation: fallback selector is required")
	}
	if deps.Emotions == nil {
		deps.Emotions = emotion.NewTable(nil)
	}
	if deps.Resolver == nil {
		deps.Resolver = vision.NewResolver(deps.Identities, deps.Emotions)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Orchestrator{
		store:      deps.Store,
		llm:        deps.LLM,
		fallback:   deps.Fallback,
		identities: deps.Identities,
		emotions:   deps.Emotions,
		resolver:   deps.Resolver,
		classifier: deps.Classifier,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		log:        logger.OrDiscard(deps.Logger).Component("conversation"),
		now:        deps.Now,
	}, nil
}

// Busy reports whether a submission is awaiting its reply.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// ActiveSession returns the active session id, or "" when none is active.
func (o *Orchestrator) ActiveSession() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessionID
}

// Turns returns a copy of the in-memory history of the active session.
func (o *Orchestrator) Turns() []chat.Turn {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]chat.Turn(nil), o.history...)
}

// Current returns the user/emotion pair used by SubmitContext.
func (o *Orchestrator) Current() Pair {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// SetCurrent validates and stores the pair used by SubmitContext. Empty
// values clear the corresponding half.
func (o *Orchestrator) SetCurrent(userKey, emotionTag string) error {
	userKey = strings.ToLower(strings.TrimSpace(userKey))
	emotionTag = strings.ToLower(strings.TrimSpace(emotionTag))

	if userKey != "" {
		if o.identities == nil {
			return &config.Error{Field: "user_key", Value: userKey, Err: config.ErrUnknownIdentity}
		}
		if _, ok := o.identities.FindByKey(userKey); !ok {
			return &config.Error{Field: "user_key", Value: userKey, Err: config.ErrUnknownIdentity}
		}
	}
	if emotionTag != "" && !o.emotions.Valid(emotionTag) {
		return &config.Error{Field: "emotion", Value: emotionTag, Err: config.ErrUnknownEmotion}
	}

	o.mu.Lock()
	o.current = Pair{UserKey: userKey, Emotion: emotionTag}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) acquire() error {
	if !o.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (o *Orchestrator) release() {
	o.busy.Store(false)
}

func (o *Orchestrator) snapshot() (string, []chat.Turn, Pair) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessionID, append([]chat.Turn(nil), o.history...), o.current
}

// Submit sends message with an explicit user/emotion pair. The user message
// is stored before the LLM is called. Any LLM failure is replaced by a
// fallback reply; only persistence and state errors are returned.
func (o *Orchestrator) Submit(ctx context.Context, message, userKey, emotionTag string) (*Exchange, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	sessionID, history, _ := o.snapshot()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	return o.exchange(ctx, sessionID, history, message, normalize(userKey), normalize(emotionTag))
}

// SubmitContext submits the synthetic context line for the current pair,
// the automatic response given after a detection.
func (o *Orchestrator) SubmitContext(ctx context.Context) (*Exchange, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	sessionID, history, current := o.snapshot()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	return o.exchange(ctx, sessionID, history, contextMessage(current.Emotion), current.UserKey, current.Emotion)
}

// Greet opens a conversation: the welcome text plus an automatic response
// for the current pair. The welcome text is not stored.
func (o *Orchestrator) Greet(ctx context.Context) (*Exchange, error) {
	ex, err := o.SubmitContext(ctx)
	if err != nil {
		return nil, err
	}
	ex.Welcome = WelcomeMessage
	return ex, nil
}

// SubmitImage classifies image (unless label is given), stores it as an image
// message, makes the detected pair current and submits the automatic
// response for it.
func (o *Orchestrator) SubmitImage(ctx context.Context, image []byte, contentType, label string) (*ImageExchange, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	sessionID, history, _ := o.snapshot()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	pred := vision.Prediction{Label: strings.TrimSpace(label), Confidence: 1}
	if pred.Label == "" {
		if o.classifier == nil {
			return nil, vision.ErrClassifierDisabled
		}
		var err error
		pred, err = o.classifier.Classify(ctx, image, contentType)
		if err != nil {
			return nil, fmt.Errorf("classify image: %w", err)
		}
	}

	det := o.resolver.Resolve(pred)
	log := o.log.WithSession(sessionID)
	log.Info("image classified", "label", pred.Label, "user_key", det.UserKey, "emotion", det.Emotion, "confidence", det.Confidence)

	imageMsg, err := o.persist(ctx, "append_image", chat.Message{
		SessionID: sessionID,
		Kind:      chat.KindImage,
		Content:   fmt.Sprintf("Imagen de %s - Emoción: %s", det.UserName, det.Emotion),
		UserKey:   det.UserKey,
		Emotion:   det.Emotion,
		Payload:   image,
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.sessionID == sessionID {
		o.current = Pair{UserKey: det.UserKey, Emotion: det.Emotion}
	}
	o.mu.Unlock()

	ex, err := o.exchange(ctx, sessionID, history, contextMessage(det.Emotion), det.UserKey, det.Emotion)
	if err != nil {
		return nil, err
	}
	return &ImageExchange{Detection: det, ImageMessage: imageMsg, Exchange: ex}, nil
}

// SubmitStream is Submit over the streaming transport. onChunk receives text
// fragments as they arrive; undecodable fragments are counted and skipped.
// If the stream fails before producing any text, or produces none, the
// fallback reply is delivered as a single fragment.
func (o *Orchestrator) SubmitStream(ctx context.Context, message, userKey, emotionTag string, onChunk func(text string) error) (*Exchange, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	sessionID, history, _ := o.snapshot()
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	userKey, emotionTag = normalize(userKey), normalize(emotionTag)

	start := o.now()
	userMsg, err := o.persist(ctx, "append_user", chat.Message{
		SessionID: sessionID,
		Kind:      chat.KindUser,
		Content:   message,
		UserKey:   userKey,
		Emotion:   emotionTag,
	})
	if err != nil {
		return nil, err
	}

	text, interrupted, genErr := o.consumeStream(ctx, userKey, emotionTag, message, history, onChunk)
	if interrupted != nil {
		o.metrics.StreamInterrupted()
		o.metrics.LLMRequest(ai.Outcome(interrupted))
	} else {
		o.metrics.LLMRequest(ai.Outcome(genErr))
	}

	var reply *ai.Reply
	if genErr == nil {
		reply = &ai.Reply{Text: text, Model: o.llm.Model()}
	}
	ex, err := o.finish(ctx, sessionID, userMsg, reply, genErr, interrupted, start)
	if err != nil {
		return nil, err
	}
	if ex.Fallback && text == "" && onChunk != nil {
		_ = onChunk(ex.Reply)
	}
	return ex, nil
}

// consumeStream collects the streamed reply. interrupted is set when the
// stream failed after text had arrived; that text is still returned.
func (o *Orchestrator) consumeStream(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn, onChunk func(string) error) (text string, interrupted, err error) {
	sr, err := o.llm.GenerateStream(ctx, userKey, emotionTag, message, history)
	if err != nil {
		return "", nil, err
	}
	defer sr.Close()

	var sb strings.Builder
	for {
		chunk, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var decodeErr *ai.DecodeError
			if errors.As(err, &decodeErr) {
				o.metrics.StreamDecodeError()
				continue
			}
			if strings.TrimSpace(sb.String()) != "" {
				// 已经输出的部分作为回复保留
				interrupted = err
				break
			}
			return "", nil, err
		}
		if chunk.Text == "" {
			continue
		}
		sb.WriteString(chunk.Text)
		if onChunk != nil {
			if err := onChunk(chunk.Text); err != nil {
				// 客户端已断开，不再转发
				break
			}
		}
	}

	text = strings.TrimSpace(sb.String())
	if text == "" {
		return "", nil, ai.ErrEmptyReply
	}
	return text, interrupted, nil
}

func (o *Orchestrator) exchange(ctx context.Context, sessionID string, history []chat.Turn, message, userKey, emotionTag string) (*Exchange, error) {
	start := o.now()
	userMsg, err := o.persist(ctx, "append_user", chat.Message{
		SessionID: sessionID,
		Kind:      chat.KindUser,
		Content:   message,
		UserKey:   userKey,
		Emotion:   emotionTag,
	})
	if err != nil {
		return nil, err
	}

	reply, genErr := o.llm.Generate(ctx, userKey, emotionTag, message, history)
	o.metrics.LLMRequest(ai.Outcome(genErr))

	return o.finish(ctx, sessionID, userMsg, reply, genErr, nil, start)
}

// finish substitutes the fallback when needed, stores the assistant message
// and appends the turn.
func (o *Orchestrator) finish(ctx context.Context, sessionID string, userMsg chat.Message, reply *ai.Reply, genErr, interrupted error, start time.Time) (*Exchange, error) {
	log := o.log.WithSession(sessionID)

	ex := &Exchange{
		SessionID:   sessionID,
		UserMessage: userMsg,
		UserKey:     userMsg.UserKey,
		Emotion:     userMsg.Emotion,
	}

	if genErr == nil && reply != nil {
		ex.Reply = reply.Text
		ex.Model = reply.Model
		if interrupted != nil {
			ex.Partial = true
			ex.InterruptReason = ai.Outcome(interrupted)
			log.Warn("llm stream interrupted, keeping partial reply", "reason", ex.InterruptReason, "error", interrupted)
		}
	} else {
		if genErr == nil {
			genErr = ai.ErrEmptyReply
		}
		ex.Reply = o.fallback.Select(userMsg.Emotion, userMsg.UserKey)
		ex.Fallback = true
		ex.FallbackReason = ai.Outcome(genErr)
		o.metrics.Fallback(userMsg.Emotion)
		log.Warn("llm reply unavailable, using fallback", "reason", ex.FallbackReason, "error", genErr)
	}

	// 即使请求被取消，也要保证回复落库
	persistCtx := context.WithoutCancel(ctx)
	assistantMsg, err := o.persist(persistCtx, "append_assistant", chat.Message{
		SessionID: sessionID,
		Kind:      chat.KindAssistant,
		Content:   ex.Reply,
		UserKey:   userMsg.UserKey,
		Emotion:   userMsg.Emotion,
		Fallback:  ex.Fallback,
	})
	if err != nil {
		return nil, err
	}
	ex.AssistantMessage = assistantMsg

	o.mu.Lock()
	if o.sessionID == sessionID {
		o.history = append(o.history, chat.Turn{
			UserMessage:       userMsg.Content,
			AssistantResponse: ex.Reply,
			Emotion:           userMsg.Emotion,
			Timestamp:         assistantMsg.CreatedAt,
		})
	}
	o.mu.Unlock()

	o.metrics.ExchangeDuration(o.now().Sub(start))
	o.publish(persistCtx, ex)
	return ex, nil
}

func (o *Orchestrator) persist(ctx context.Context, op string, msg chat.Message) (chat.Message, error) {
	stored, err := o.store.AppendMessage(ctx, msg)
	if err == nil {
		return stored, nil
	}
	if errors.Is(err, chatsvc.ErrSessionNotFound) || errors.Is(err, chatsvc.ErrInvalidMessage) {
		o.metrics.PersistenceFailure(op)
		return chat.Message{}, &PersistenceError{Op: op, Err: err}
	}

	o.log.Warn("store write failed, retrying", "op", op, "session_id", msg.SessionID, "error", err)
	stored, err = o.store.AppendMessage(ctx, msg)
	if err != nil {
		o.metrics.PersistenceFailure(op)
		o.log.LogError(err, "store write failed", "op", op, "session_id", msg.SessionID)
		return chat.Message{}, &PersistenceError{Op: op, Err: err}
	}
	return stored, nil
}

func (o *Orchestrator) publish(ctx context.Context, ex *Exchange) {
	err := o.publisher.PublishExchange(ctx, events.Exchange{
		SessionID:      ex.SessionID,
		UserKey:        ex.UserKey,
		Emotion:        ex.Emotion,
		UserMessage:    ex.UserMessage.Content,
		Reply:          ex.Reply,
		Model:          ex.Model,
		Fallback:       ex.Fallback,
		FallbackReason: ex.FallbackReason,
		Partial:        ex.Partial,
		Timestamp:      ex.AssistantMessage.CreatedAt,
	})
	if err != nil {
		o.log.Warn("publish exchange event failed", "session_id", ex.SessionID, "error", err)
	}
}

// Load makes sessionID the active session and rebuilds its history.
func (o *Orchestrator) Load(ctx context.Context, sessionID string) (*LoadedSession, error) {
	if err := o.acquire(); err != nil {
		return nil, err
	}
	defer o.release()

	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	turns, pair, found := PairTurns(messages)

	o.mu.Lock()
	o.sessionID = session.ID
	o.history = turns
	if found {
		o.current = pair
	}
	current := o.current
	o.mu.Unlock()

	o.log.WithSession(session.ID).Info("session loaded", "messages", len(messages), "turns", len(turns))
	return &LoadedSession{
		Session:  session,
		Messages: messages,
		Turns:    append([]chat.Turn(nil), turns...),
		Current:  current,
	}, nil
}

// NewSession creates a session and makes it active. A blank name becomes
// "Chat <timestamp>".
func (o *Orchestrator) NewSession(ctx context.Context, name string) (chat.Session, error) {
	if err := o.acquire(); err != nil {
		return chat.Session{}, err
	}
	defer o.release()

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Chat " + o.now().Format("2006-01-02 15:04")
	}

	session, err := o.store.CreateSession(ctx, name)
	if err != nil {
		return chat.Session{}, err
	}

	o.mu.Lock()
	o.sessionID = session.ID
	o.history = nil
	o.mu.Unlock()

	o.log.WithSession(session.ID).Info("session created", "name", name)
	return session, nil
}

// DeleteSession removes a session and its messages. Deleting the active
// session leaves the orchestrator without one. No submission can start
// while the delete runs.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	if err := o.acquire(); err != nil {
		return err
	}
	defer o.release()

	if err := o.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	o.mu.Lock()
	if o.sessionID == sessionID {
		o.sessionID = ""
		o.history = nil
	}
	o.mu.Unlock()

	o.log.WithSession(sessionID).Info("session deleted")
	return nil
}

// ListSessions returns every session, most recently updated first.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]chat.SessionSummary, error) {
	return o.store.ListSessions(ctx)
}

// Export renders the session as a plain-text transcript.
func (o *Orchestrator) Export(ctx context.Context, sessionID string) (string, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	messages, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return Transcript(session, messages), nil
}

// ImagePayload returns the stored bytes of an image message.
func (o *Orchestrator) ImagePayload(ctx context.Context, messageID uint) ([]byte, error) {
	return o.store.ImagePayload(ctx, messageID)
}

func contextMessage(emotionTag string) string {
	if emotionTag == "" {
		emotionTag = string(emotion.Unknown)
	}
	return "El usuario está en estado emocional: " + emotionTag
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
