package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"healthguard/internal/logging"
	"healthguard/internal/models"
)

// streamEventBuffer absorbs bursts so generation rarely waits on the
// client.
const streamEventBuffer = 256

// persistTimeout bounds the assistant-message write after generation.
const persistTimeout = 10 * time.Second

// generationState tracks where a stream is in its lifecycle. Transitions
// only move forward: routing, generating, completing, closed, with errored
// as the escape from any active state.
type generationState int

const (
	stateRouting generationState = iota
	stateGenerating
	stateCompleting
	stateErrored
	stateClosed
)

// ChatService coordinates one chat turn end to end: persist the user
// message, take the session lease, classify, assemble context, stream the
// specialist's reply, persist it, and emit the event sequence. Exactly one
// routing event opens every stream and exactly one done or error event
// ends it.
type ChatService struct {
	sessions   *SessionService
	leases     *LeaseService
	router     *RouterService
	dispatcher *AgentDispatcher
	contexts   *ContextBuilderService

	timeout   time.Duration
	emitGrace time.Duration
	metrics   *Metrics
}

// NewChatService creates a new chat coordinator
func NewChatService(sessions *SessionService, leases *LeaseService, router *RouterService,
	dispatcher *AgentDispatcher, contexts *ContextBuilderService,
	timeout, emitGrace time.Duration) *ChatService {
	return &ChatService{
		sessions:   sessions,
		leases:     leases,
		router:     router,
		dispatcher: dispatcher,
		contexts:   contexts,
		timeout:    timeout,
		emitGrace:  emitGrace,
		metrics:    GetMetrics(),
	}
}

// SyncResult is the outcome of a non-streaming turn. Reply may be non-nil
// alongside a persistence error so callers can still surface the generated
// text.
type SyncResult struct {
	SessionID string
	Reply     *models.Message
}

// StreamMessage starts a streaming turn. Intake failures (unknown session,
// lease conflict, storage outage on the user message) are returned as an
// error before any event; everything after intake is reported through the
// event stream. The caller owns draining the channel; it closes after the
// terminal event. Cancelling ctx during generation aborts the turn without
// persisting a partial reply.
func (s *ChatService) StreamMessage(ctx context.Context, ownerID, sessionID string, req models.ChatRequest) (<-chan models.StreamEvent, string, error) {
	return s.stream(ctx, ownerID, sessionID, req, nil)
}

// replySink receives the persisted assistant message for synchronous
// callers. run writes it before closing the event channel, so draining the
// channel is the synchronization point.
type replySink struct {
	msg *models.Message
}

func (s *ChatService) stream(ctx context.Context, ownerID, sessionID string, req models.ChatRequest, sink *replySink) (<-chan models.StreamEvent, string, error) {
	userMsg := models.Message{
		Role:        models.RoleUser,
		Content:     req.Content,
		Attachments: req.Attachments,
	}
	if req.Role != "" {
		userMsg.Role = req.Role
	}

	meta, err := s.sessions.Append(ctx, ownerID, sessionID, userMsg)
	if err != nil {
		return nil, "", err
	}
	sessionID = meta.SessionID

	token, err := s.leases.Acquire(ctx, ownerID, sessionID)
	if err != nil {
		return nil, "", err
	}

	events := make(chan models.StreamEvent, streamEventBuffer)
	go s.run(ctx, ownerID, sessionID, token, req.Content, sink, events)
	return events, sessionID, nil
}

// run drives the generation lifecycle for one turn.
func (s *ChatService) run(ctx context.Context, ownerID, sessionID, leaseToken, content string, sink *replySink, events chan<- models.StreamEvent) {
	started := time.Now()
	state := stateRouting

	defer close(events)
	defer func() {
		// Release must not die with a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.leases.Release(releaseCtx, ownerID, sessionID, leaseToken)
	}()

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logger := logging.WithGeneration(ownerID, sessionID, "")

	fail := func(msg string, err error) {
		if state == stateClosed {
			return
		}
		state = stateErrored
		logger.Error(msg, "error", err)
		if s.metrics != nil {
			s.metrics.ChatErrors.WithLabelValues(errorLabel(err)).Inc()
		}
		s.emit(ctx, events, models.StreamEvent{
			Type:      models.EventError,
			SessionID: sessionID,
			Error:     fmt.Sprintf("%s: %v", msg, err),
		})
		state = stateClosed
	}

	session, err := s.sessions.Get(genCtx, ownerID, sessionID)
	if err != nil {
		fail("failed to load session", err)
		return
	}

	decision := s.router.Classify(genCtx, content, recentContext(session.Messages))
	logger = logging.WithGeneration(ownerID, sessionID, string(decision.Agent))
	logger.Info("message routed", "reason", decision.Reason)
	if s.metrics != nil {
		s.metrics.ChatRequests.WithLabelValues(string(decision.Agent)).Inc()
	}

	if !s.emit(ctx, events, models.StreamEvent{
		Type:       models.EventRouting,
		Agent:      decision.Agent,
		Confidence: decision.Confidence,
		Reason:     decision.Reason,
		SessionID:  sessionID,
	}) {
		logger.Info("client gone before routing event")
		return
	}

	bundle, err := s.contexts.Assemble(genCtx, ownerID, session)
	if err != nil {
		fail("failed to assemble context", err)
		return
	}

	state = stateGenerating
	chunks, err := s.dispatcher.Dispatch(genCtx, decision.Agent, bundle, content)
	if err != nil {
		fail("dispatch failed", err)
		return
	}

	var reply strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			fail("generation failed", chunk.Err)
			return
		}
		reply.WriteString(chunk.Content)
		if !s.emit(ctx, events, models.StreamEvent{
			Type:      models.EventContent,
			Content:   chunk.Content,
			SessionID: sessionID,
		}) {
			// Client disconnected mid-generation: abort, persist nothing.
			logger.Info("client disconnected, discarding partial reply")
			cancel()
			return
		}
	}

	if err := genCtx.Err(); err != nil {
		if ctx.Err() != nil {
			logger.Info("generation cancelled, discarding partial reply")
			return
		}
		fail("generation timed out", fmt.Errorf("%v: %w", err, models.ErrGenerationFailure))
		return
	}

	// The reply exists now; persistence uses its own context
	// so a client disconnect after generation cannot lose the message.
	state = stateCompleting
	persistCtx, cancelPersist := context.WithTimeout(context.Background(), persistTimeout)
	defer cancelPersist()

	assistantMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   reply.String(),
		Timestamp: time.Now().UTC(),
	}
	if _, err := s.sessions.Append(persistCtx, ownerID, sessionID, assistantMsg); err != nil {
		// The content events already carried the text; tell the client it
		// was generated but not saved.
		fail("reply generated but not saved", fmt.Errorf("%v: %w", err, models.ErrStorageFailure))
		return
	}
	if sink != nil {
		sink.msg = &assistantMsg
	}

	state = stateClosed
	s.emit(ctx, events, models.StreamEvent{Type: models.EventDone, SessionID: sessionID})
	logger.Info("turn complete", "duration", time.Since(started).Round(time.Millisecond), "reply_bytes", reply.Len())
	if s.metrics != nil {
		s.metrics.ChatRequestLatency.Observe(time.Since(started).Seconds())
	}
}

// SendMessage runs a turn synchronously by draining the stream. On
// success the result carries the persisted assistant message; on a storage
// failure after generation it still carries the reply text alongside the
// error.
func (s *ChatService) SendMessage(ctx context.Context, ownerID, sessionID string, req models.ChatRequest) (*SyncResult, error) {
	sink := &replySink{}
	events, sid, err := s.stream(ctx, ownerID, sessionID, req, sink)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{SessionID: sid}
	var reply strings.Builder
	var streamErr error

	for ev := range events {
		switch ev.Type {
		case models.EventContent:
			reply.WriteString(ev.Content)
		case models.EventError:
			streamErr = errors.New(ev.Error)
		}
	}

	if sink.msg != nil {
		result.Reply = sink.msg
	} else if reply.Len() > 0 {
		// Generated but never persisted; hand back the text without an id.
		result.Reply = &models.Message{
			Role:      models.RoleAssistant,
			Content:   reply.String(),
			Timestamp: time.Now().UTC(),
		}
	}
	if streamErr != nil {
		return result, fmt.Errorf("%v: %w", streamErr, models.ErrGenerationFailure)
	}
	return result, nil
}

// emit delivers an event, preferring the buffer, tolerating a slow client
// up to the grace period, and dropping with a log line past it so
// generation never stalls indefinitely. It returns false when the client
// context is gone.
func (s *ChatService) emit(ctx context.Context, events chan<- models.StreamEvent, ev models.StreamEvent) bool {
	if s.metrics != nil {
		s.metrics.StreamEvents.WithLabelValues(ev.Type).Inc()
	}

	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
	}

	timer := time.NewTimer(s.emitGrace)
	defer timer.Stop()
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		logging.WithGeneration("", ev.SessionID, string(ev.Agent)).Warn("event dropped, client too slow", "type", ev.Type)
		if s.metrics != nil {
			s.metrics.StreamEventsDropped.Inc()
		}
		return true
	}
}

// recentContext renders the last few turns for the classifier.
func recentContext(messages []models.Message) string {
	const maxTurns = 4
	start := 0
	if len(messages) > maxTurns {
		start = len(messages) - maxTurns
	}

	var sb strings.Builder
	for _, m := range messages[start:] {
		line := m.Content
		if len(line) > 200 {
			line = line[:200]
		}
		sb.WriteString(m.Role + ": " + line + "\n")
	}
	return sb.String()
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrGenerationFailure):
		return "generation"
	case errors.Is(err, models.ErrStorageFailure):
		return "storage"
	case errors.Is(err, models.ErrUnknownAgent):
		return "unknown_agent"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
