// Package turn is the single entry point the transport calls: it serializes
// turns per user, reserves quota, assembles the prompt, runs the resilience
// policy, and appends the confirmed exchange. Every failure resolves to an
// Outcome value; nothing in this package is fatal to the process.
package turn

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IceDan98/Dualis/internal/convo"
	"github.com/IceDan98/Dualis/internal/observability"
	"github.com/IceDan98/Dualis/internal/provider"
	"github.com/IceDan98/Dualis/internal/quota"
	"github.com/IceDan98/Dualis/internal/resilience"
	"github.com/IceDan98/Dualis/internal/store"
	"github.com/IceDan98/Dualis/internal/tokens"
)

type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeDenied          OutcomeKind = "denied"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeSuperseded      OutcomeKind = "superseded"
	OutcomeCancelled       OutcomeKind = "cancelled"
	OutcomeContextOverflow OutcomeKind = "context_overflow"
)

// Outcome is the terminal result of one submitted turn.
type Outcome struct {
	Kind       OutcomeKind `json:"kind"`
	TurnID     string      `json:"turn_id"`
	Text       string      `json:"text,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	TokensUsed int         `json:"tokens_used,omitempty"`
}

const (
	ReasonQuotaExhausted     = "quota_exhausted"
	ReasonTierNotFound       = "tier_not_found"
	ReasonProvidersExhausted = "providers_exhausted"
	ReasonProviderConfig     = "provider_config"
)

// Request is one chat turn as delivered by the transport.
type Request struct {
	UserID    string
	PersonaID string
	Text      string
}

// PersonaProfile names a selectable system prompt.
type PersonaProfile struct {
	ID           string
	DisplayName  string
	SystemPrompt string
}

// Generator runs one generation across the provider set.
type Generator interface {
	Execute(ctx context.Context, prompt convo.Prompt) (provider.Result, error)
}

// Reserver spends one unit of the user's quota.
type Reserver interface {
	Reserve(userID string) quota.Decision
}

type Config struct {
	// HistoryLimit caps how many persisted records are loaded when a
	// conversation is first touched after startup.
	HistoryLimit int
	// MemoryLimit caps how many memory items are fetched per turn.
	MemoryLimit int
	// PersistTimeout bounds the post-reply storage write.
	PersistTimeout time.Duration
}

// Coordinator owns the per-user turn slots. Turns for different users run
// fully in parallel; for one user, a new submission cancels the in-flight
// turn and waits for its slot before touching the conversation.
type Coordinator struct {
	est       *tokens.Estimator
	assembler *convo.Assembler
	generator Generator
	reserver  Reserver
	storage   store.Store
	budget    func() int
	metrics   *observability.Metrics
	cfg       Config

	personas       map[string]PersonaProfile
	defaultPersona string

	mu     sync.Mutex
	slots  map[string]*userSlot
	convos map[convoKey]*convo.Conversation
}

type convoKey struct {
	userID    string
	personaID string
}

// userSlot serializes turns for one user. active points at the submission
// whose cancellation the next one triggers; run is held for the whole
// pipeline so history is never touched by two turns at once.
type userSlot struct {
	run    sync.Mutex
	mu     sync.Mutex
	active *inflight
}

type inflight struct {
	cancel     context.CancelFunc
	superseded atomic.Bool
}

func NewCoordinator(
	est *tokens.Estimator,
	assembler *convo.Assembler,
	generator Generator,
	reserver Reserver,
	storage store.Store,
	budget func() int,
	personas []PersonaProfile,
	defaultPersona string,
	metrics *observability.Metrics,
	cfg Config,
) *Coordinator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 3
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	byID := make(map[string]PersonaProfile, len(personas))
	for _, p := range personas {
		byID[p.ID] = p
	}
	return &Coordinator{
		est:            est,
		assembler:      assembler,
		generator:      generator,
		reserver:       reserver,
		storage:        storage,
		budget:         budget,
		metrics:        metrics,
		cfg:            cfg,
		personas:       byID,
		defaultPersona: defaultPersona,
		slots:          make(map[string]*userSlot),
		convos:         make(map[convoKey]*convo.Conversation),
	}
}

// Submit runs one turn to completion. A newer Submit for the same user
// cancels this one; the cancelled call resolves to Superseded and its
// result, if any arrives late, is discarded.
func (c *Coordinator) Submit(ctx context.Context, req Request) Outcome {
	turnID := uuid.NewString()

	slot := c.slot(req.UserID)
	me := &inflight{}
	turnCtx, cancel := context.WithCancel(ctx)
	me.cancel = cancel
	defer cancel()

	// Signal the in-flight predecessor before queueing for the slot, so it
	// observes cancellation at its next suspension point while we wait.
	slot.mu.Lock()
	if prev := slot.active; prev != nil {
		prev.superseded.Store(true)
		prev.cancel()
	}
	slot.active = me
	slot.mu.Unlock()

	slot.run.Lock()
	defer slot.run.Unlock()
	defer func() {
		slot.mu.Lock()
		if slot.active == me {
			slot.active = nil
		}
		slot.mu.Unlock()
	}()

	if c.metrics != nil {
		c.metrics.ActiveTurns.Inc()
		defer c.metrics.ActiveTurns.Dec()
	}

	started := time.Now()
	out := c.run(turnCtx, me, turnID, req)
	if c.metrics != nil {
		c.metrics.TurnOutcomes.WithLabelValues(string(out.Kind)).Inc()
		c.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(started))
	}
	return out
}

func (c *Coordinator) run(ctx context.Context, me *inflight, turnID string, req Request) Outcome {
	// A newer turn may have arrived while this one waited for the slot.
	if err := ctx.Err(); err != nil {
		return c.coordinationOutcome(me, turnID)
	}

	quotaStart := time.Now()
	decision := c.reserver.Reserve(req.UserID)
	if c.metrics != nil {
		c.metrics.ObserveTurnStage(observability.StageQuota, time.Since(quotaStart))
	}
	if !decision.Allowed {
		reason := ReasonQuotaExhausted
		if decision.Reason == quota.ReasonTierNotFound {
			reason = ReasonTierNotFound
		}
		return Outcome{Kind: OutcomeDenied, TurnID: turnID, Reason: reason}
	}

	personaID := req.PersonaID
	persona, ok := c.personas[personaID]
	if !ok {
		personaID = c.defaultPersona
		persona = c.personas[personaID]
	}

	conversation, err := c.conversation(ctx, req.UserID, personaID, persona.SystemPrompt)
	if err != nil {
		log.Printf("load conversation for user %s: %v", req.UserID, err)
		conversation = convo.NewConversation(req.UserID, personaID, persona.SystemPrompt)
	}

	memories := c.loadMemories(ctx, req.UserID)

	assembleStart := time.Now()
	prompt, err := c.assembler.Build(conversation, req.Text, memories, c.budget())
	if c.metrics != nil {
		c.metrics.ObserveTurnStage(observability.StageAssemble, time.Since(assembleStart))
	}
	if err != nil {
		if errors.Is(err, convo.ErrContextOverflow) {
			if c.metrics != nil {
				c.metrics.ContextOverflows.Inc()
			}
			return Outcome{Kind: OutcomeContextOverflow, TurnID: turnID, Reason: err.Error()}
		}
		return Outcome{Kind: OutcomeFailed, TurnID: turnID, Reason: err.Error()}
	}

	generateStart := time.Now()
	res, err := c.generator.Execute(ctx, prompt)
	if c.metrics != nil {
		c.metrics.ObserveTurnStage(observability.StageGenerate, time.Since(generateStart))
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			return c.coordinationOutcome(me, turnID)
		case errors.Is(err, resilience.ErrProvidersExhausted):
			return Outcome{Kind: OutcomeFailed, TurnID: turnID, Reason: ReasonProvidersExhausted}
		default:
			if pe, ok := provider.Classify(err); ok && pe.Code.Fatal() {
				// Configuration problem; alert operators, keep the raw
				// cause out of anything user-facing.
				log.Printf("provider configuration error on turn %s: %v", turnID, err)
				return Outcome{Kind: OutcomeFailed, TurnID: turnID, Reason: ReasonProviderConfig}
			}
			return Outcome{Kind: OutcomeFailed, TurnID: turnID, Reason: ReasonProvidersExhausted}
		}
	}

	// An attempt already past its last cancellation check completes
	// naturally; its result is discarded here.
	if ctx.Err() != nil {
		return c.coordinationOutcome(me, turnID)
	}

	ex := convo.Exchange{TurnID: turnID, UserText: req.Text, AssistantText: res.Text, At: time.Now().UTC()}
	if c.assembler.Append(conversation, ex) {
		c.persist(conversation, ex)
	}

	return Outcome{Kind: OutcomeCompleted, TurnID: turnID, Text: res.Text, TokensUsed: res.TokensUsed}
}

func (c *Coordinator) coordinationOutcome(me *inflight, turnID string) Outcome {
	if me.superseded.Load() {
		return Outcome{Kind: OutcomeSuperseded, TurnID: turnID}
	}
	return Outcome{Kind: OutcomeCancelled, TurnID: turnID}
}

func (c *Coordinator) slot(userID string) *userSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[userID]
	if !ok {
		s = &userSlot{}
		c.slots[userID] = s
	}
	return s
}

// conversation returns the in-process conversation for (user, persona),
// loading persisted history on first touch after startup.
func (c *Coordinator) conversation(ctx context.Context, userID, personaID, systemPrompt string) (*convo.Conversation, error) {
	key := convoKey{userID: userID, personaID: personaID}
	c.mu.Lock()
	cached, ok := c.convos[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	records, err := c.storage.LoadConversation(ctx, userID, personaID, c.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	conversation := convo.NewConversation(userID, personaID, systemPrompt)
	turns := make([]convo.Turn, 0, len(records))
	for _, r := range records {
		tok := r.Tokens
		if tok <= 0 {
			tok = c.est.Estimate(r.Content)
		}
		turns = append(turns, convo.Turn{
			ID:     r.ID,
			Role:   convo.Role(r.Role),
			Text:   r.Content,
			Tokens: tok,
			Pinned: r.Pinned,
			At:     r.CreatedAt,
		})
	}
	conversation.Restore(turns)

	c.mu.Lock()
	if existing, ok := c.convos[key]; ok {
		conversation = existing
	} else {
		c.convos[key] = conversation
	}
	c.mu.Unlock()
	return conversation, nil
}

func (c *Coordinator) loadMemories(ctx context.Context, userID string) []string {
	items, err := c.storage.LoadMemoryItems(ctx, userID, c.cfg.MemoryLimit)
	if err != nil {
		log.Printf("load memory items for user %s: %v", userID, err)
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Fact)
	}
	return out
}

// persist writes the confirmed exchange. The reply was already delivered,
// so a storage failure is logged rather than surfaced.
func (c *Coordinator) persist(conversation *convo.Conversation, ex convo.Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PersistTimeout)
	defer cancel()
	if c.metrics != nil {
		start := time.Now()
		defer func() {
			c.metrics.ObserveTurnStage(observability.StagePersist, time.Since(start))
		}()
	}
	records := []store.TurnRecord{
		{ID: ex.TurnID, UserID: conversation.UserID, PersonaID: conversation.PersonaID, Role: string(convo.RoleUser), Content: ex.UserText, Tokens: c.est.Estimate(ex.UserText), CreatedAt: ex.At},
		{ID: ex.TurnID, UserID: conversation.UserID, PersonaID: conversation.PersonaID, Role: string(convo.RoleAssistant), Content: ex.AssistantText, Tokens: c.est.Estimate(ex.AssistantText), CreatedAt: ex.At},
	}
	for _, r := range records {
		if err := c.storage.SaveTurn(ctx, r); err != nil {
			log.Printf("persist turn %s: %v", ex.TurnID, err)
			return
		}
	}
}
