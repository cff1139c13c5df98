package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/typing"
	"github.com/threadline-ai/threadline/pkg/models"
)

// Config holds the loop defaults. Per-agent values in AgentExtra override
// MaxIterations.
type Config struct {
	// MaxIterations bounds the tool-use loop when the agent does not set
	// its own. The adapter runs at most MaxIterations+1 times.
	MaxIterations int

	// HistoryLimit is the number of messages loaded as conversation
	// context.
	HistoryLimit int

	// AnnotationWaitTimeout bounds how long a turn waits for pending
	// media annotations before proceeding without them.
	AnnotationWaitTimeout time.Duration

	// AnnotationPollInterval is the poll cadence during the annotation
	// wait.
	AnnotationPollInterval time.Duration

	// TypingInterval is the typing indicator refresh cadence.
	TypingInterval time.Duration
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:          5,
		HistoryLimit:           50,
		AnnotationWaitTimeout:  30 * time.Second,
		AnnotationPollInterval: 500 * time.Millisecond,
		TypingInterval:         typing.DefaultInterval,
	}
}

func (c *Config) sanitize() {
	def := DefaultConfig()
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.AnnotationWaitTimeout <= 0 {
		c.AnnotationWaitTimeout = def.AnnotationWaitTimeout
	}
	if c.AnnotationPollInterval <= 0 {
		c.AnnotationPollInterval = def.AnnotationPollInterval
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = def.TypingInterval
	}
}

// Sender delivers outbound traffic to the messaging service. Implemented by
// the channel adapter.
type Sender interface {
	// SendMessage delivers an outgoing message to the contact.
	SendMessage(ctx context.Context, msg models.Message) error

	// SendTyping refreshes the typing indicator for the conversation.
	SendTyping(ctx context.Context, conv *models.Conversation) error
}

// Loop drives one agent turn per inbound trigger message: gating, the
// bounded adapter/tool iteration, persistence, and outbound delivery.
type Loop struct {
	store   store.Store
	tools   ToolEngine
	factory ProtocolFactory
	sender  Sender
	metrics *metrics.Metrics
	cfg     Config
	log     *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLoop wires the orchestration loop. metrics may be nil.
func NewLoop(st store.Store, tools ToolEngine, factory ProtocolFactory, sender Sender, m *metrics.Metrics, cfg Config, log *slog.Logger) *Loop {
	cfg.sanitize()
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		store:   st,
		tools:   tools,
		factory: factory,
		sender:  sender,
		metrics: m,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HandleTurn runs one agent turn for an inbound trigger message. Gating may
// end the turn early without output; turn-fatal failures are converted into a
// single synthetic error message and do not propagate. Store and context
// errors propagate.
func (l *Loop) HandleTurn(ctx context.Context, trigger *models.Message) error {
	log := l.log.With(
		"conversation", trigger.OrganizationAddress+"/"+trigger.ContactAddress,
		"trigger", trigger.ID,
	)

	org, err := l.store.OrganizationByAddress(ctx, trigger.OrganizationAddress)
	if err != nil {
		return fmt.Errorf("load organization: %w", err)
	}
	conv, err := l.store.ConversationFor(ctx, trigger.Service, trigger.OrganizationAddress, trigger.ContactAddress)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	contact, err := l.store.ContactByAddress(ctx, trigger.ContactAddress)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load contact: %w", err)
	}

	if !contactAllowed(org.Settings.AllowedContacts, trigger.ContactAddress) {
		log.Debug("contact not on allow list, skipping turn")
		l.countTurn("", "skipped")
		return nil
	}
	if conv.Paused(l.now()) {
		log.Debug("conversation paused, skipping turn", "paused_until", conv.PausedUntil)
		l.countTurn("", "skipped")
		return nil
	}

	agent, err := l.store.ActiveAgent(ctx, org.ID)
	if errors.Is(err, store.ErrNotFound) {
		return l.sendWelcome(ctx, log, org, trigger)
	}
	if err != nil {
		return fmt.Errorf("load active agent: %w", err)
	}

	protoName := agent.Extra.Protocol
	if protoName == "" {
		protoName = models.ProtocolChatCompletions
	}
	start := l.now()

	if err := l.waitResponseDelay(ctx, org, trigger); err != nil {
		return err
	}
	if err := l.waitAnnotations(ctx, log, trigger); err != nil {
		return err
	}

	// The delay gave follow-up messages time to land. If one did, a newer
	// turn owns the reply. Only incoming messages count; outgoing and
	// internal rows from an overlapping turn are not triggers.
	latest, err := l.store.LatestIncomingMessage(ctx, trigger.OrganizationAddress, trigger.ContactAddress)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("staleness check: %w", err)
	}
	if latest != nil && latest.ID != trigger.ID {
		log.Info("turn stale, newer message arrived", "latest", latest.ID)
		l.countTurn(protoName, "stale")
		return nil
	}

	history, err := l.store.Messages(ctx, trigger.OrganizationAddress, trigger.ContactAddress, l.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	indicator := typing.NewController(l.cfg.TypingInterval, func() {
		if l.sender == nil {
			return
		}
		if err := l.sender.SendTyping(ctx, conv); err != nil {
			log.Debug("typing refresh failed", "error", err)
		}
	})
	indicator.Start()

	pending, runErr := l.runIterations(ctx, log, org, conv, contact, agent, history)
	indicator.Stop()

	if runErr != nil {
		var turnErr *TurnError
		if !errors.As(runErr, &turnErr) {
			// Context cancellation and store failures are not the
			// agent's fault; nothing to tell the contact.
			return runErr
		}
		log.Error("turn failed", "iteration", turnErr.Iteration, "error", turnErr.Cause)
		l.countTurn(protoName, "error")
		pending = append(pending, l.errorMessage(agent, trigger, turnErr))
	} else {
		l.countTurn(protoName, "ok")
	}
	if l.metrics != nil {
		l.metrics.TurnDuration.WithLabelValues(protoName).Observe(l.now().Sub(start).Seconds())
	}

	if len(pending) == 0 {
		return nil
	}
	stored, err := l.store.InsertMessages(ctx, pending)
	if err != nil {
		return fmt.Errorf("persist turn output: %w", err)
	}
	for _, msg := range stored {
		if l.metrics != nil {
			l.metrics.MessagesTotal.WithLabelValues(string(msg.Service), string(msg.Direction)).Inc()
		}
		if msg.Direction != models.DirectionOutgoing || l.sender == nil {
			continue
		}
		if err := l.sender.SendMessage(ctx, msg); err != nil {
			log.Error("outbound delivery failed", "message", msg.ID, "error", err)
		}
	}
	return nil
}

// runIterations executes the bounded adapter/tool loop and returns the
// accumulated message inserts. A *TurnError marks a turn-fatal failure; any
// other error aborts the turn silently.
func (l *Loop) runIterations(ctx context.Context, log *slog.Logger, org *models.Organization, conv *models.Conversation, contact *models.Contact, agent *models.Agent, history []models.Message) ([]models.MessageInsert, error) {
	proto, err := l.factory(agent)
	if err != nil {
		return nil, &TurnError{Iteration: 0, Cause: err}
	}

	maxIter := agent.Extra.MaxIterations
	if maxIter <= 0 {
		maxIter = l.cfg.MaxIterations
	}

	session := l.tools.Turn()
	defer session.Close()

	var pending []models.MessageInsert
	iterations := 0
	for iteration := 0; ; iteration++ {
		if iteration > maxIter {
			return pending, &TurnError{Iteration: iteration, Cause: ErrMaxIterations}
		}
		if err := ctx.Err(); err != nil {
			return pending, err
		}
		iterations++

		toolList, err := session.ResolveTools(ctx, agent)
		if err != nil {
			return pending, &TurnError{Iteration: iteration, Cause: fmt.Errorf("resolve tools: %w", err)}
		}
		rc := &RequestContext{
			Organization: org,
			Conversation: conv,
			Contact:      contact,
			Agent:        agent,
			Messages:     history,
			Tools:        toolList,
		}

		reqStart := l.now()
		res, err := proto.Execute(ctx, rc)
		if l.metrics != nil {
			l.metrics.AdapterRequestDuration.WithLabelValues(proto.Name(), agent.Model).Observe(l.now().Sub(reqStart).Seconds())
		}
		if err != nil {
			return pending, &TurnError{Iteration: iteration, Cause: err}
		}

		var uses []models.MessageInsert
		for _, insert := range res.Messages {
			pending = append(pending, insert)
			history = append(history, l.materialize(insert))
			if insert.Content.IsToolUse() {
				uses = append(uses, insert)
			}
		}
		if len(uses) == 0 {
			break
		}

		for _, use := range uses {
			results, err := session.HandleToolUse(ctx, rc, toolList, use.Content)
			if err != nil {
				return pending, &TurnError{Iteration: iteration, Cause: fmt.Errorf("tool %s: %w", use.Content.Tool.Name, err)}
			}
			if results == nil {
				log.Warn("tool use skipped, no matching tool", "tool", use.Content.Tool.Name)
				continue
			}
			for _, part := range results {
				insert := models.MessageInsert{
					Direction:           models.DirectionInternal,
					Service:             conv.Service,
					OrganizationAddress: conv.OrganizationAddress,
					ContactAddress:      conv.ContactAddress,
					AgentID:             agent.ID,
					Timestamp:           l.now(),
					Content:             part,
				}
				pending = append(pending, insert)
				history = append(history, l.materialize(insert))
			}
		}
	}

	if l.metrics != nil {
		l.metrics.TurnIterations.WithLabelValues(proto.Name()).Observe(float64(iterations))
	}
	return pending, nil
}

// materialize gives a pending insert a provisional identity so it can be fed
// back into the next iteration's history. The store assigns the real id on
// persistence.
func (l *Loop) materialize(insert models.MessageInsert) models.Message {
	return models.Message{
		ID:                  uuid.NewString(),
		Direction:           insert.Direction,
		Service:             insert.Service,
		OrganizationAddress: insert.OrganizationAddress,
		ContactAddress:      insert.ContactAddress,
		AgentID:             insert.AgentID,
		Timestamp:           insert.Timestamp,
		Status:              insert.Status,
		Annotation:          insert.Annotation,
		Content:             insert.Content,
		CreatedAt:           l.now(),
	}
}

// errorMessage builds the single synthetic message a failed turn leaves
// behind. Direction comes from the agent configuration; the default keeps
// failures internal so the contact never sees them.
func (l *Loop) errorMessage(agent *models.Agent, trigger *models.Message, turnErr *TurnError) models.MessageInsert {
	direction := agent.Extra.ErrorMessagesDirection
	if direction == "" {
		direction = models.DirectionInternal
	}
	return models.MessageInsert{
		Direction:           direction,
		Service:             trigger.Service,
		OrganizationAddress: trigger.OrganizationAddress,
		ContactAddress:      trigger.ContactAddress,
		AgentID:             agent.ID,
		Timestamp:           l.now(),
		Content: models.Part{
			Type: models.PartText,
			Kind: models.KindText,
			Text: fmt.Sprintf("Agent error: %v", turnErr.Cause),
		},
	}
}

// sendWelcome handles the no-active-agent path: persist and deliver the
// organization's welcome message, at most once per conversation.
func (l *Loop) sendWelcome(ctx context.Context, log *slog.Logger, org *models.Organization, trigger *models.Message) error {
	if org.Settings.WelcomeMessage == "" {
		log.Debug("no active agent and no welcome message, skipping turn")
		l.countTurn("", "skipped")
		return nil
	}
	history, err := l.store.Messages(ctx, trigger.OrganizationAddress, trigger.ContactAddress, l.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, msg := range history {
		if msg.Direction == models.DirectionOutgoing {
			log.Debug("welcome already sent, skipping turn")
			l.countTurn("", "skipped")
			return nil
		}
	}

	stored, err := l.store.InsertMessages(ctx, []models.MessageInsert{{
		Direction:           models.DirectionOutgoing,
		Service:             trigger.Service,
		OrganizationAddress: trigger.OrganizationAddress,
		ContactAddress:      trigger.ContactAddress,
		Timestamp:           l.now(),
		Content: models.Part{
			Type: models.PartText,
			Kind: models.KindText,
			Text: org.Settings.WelcomeMessage,
		},
	}})
	if err != nil {
		return fmt.Errorf("persist welcome message: %w", err)
	}
	if l.sender != nil {
		if err := l.sender.SendMessage(ctx, stored[0]); err != nil {
			log.Error("welcome delivery failed", "error", err)
		}
	}
	l.countTurn("", "ok")
	return nil
}

// waitResponseDelay honors the organization's response delay, discounting
// time already elapsed since the trigger arrived.
func (l *Loop) waitResponseDelay(ctx context.Context, org *models.Organization, trigger *models.Message) error {
	if org.Settings.ResponseDelaySeconds <= 0 {
		return nil
	}
	delay := time.Duration(org.Settings.ResponseDelaySeconds * float64(time.Second))
	elapsed := l.now().Sub(trigger.CreatedAt)
	return l.sleep(ctx, delay-elapsed)
}

// waitAnnotations polls until the conversation has no pending media
// annotations or the wait times out. Timing out is not an error; the turn
// proceeds with whatever annotations landed.
func (l *Loop) waitAnnotations(ctx context.Context, log *slog.Logger, trigger *models.Message) error {
	deadline := l.now().Add(l.cfg.AnnotationWaitTimeout)
	for {
		pending, err := l.store.PendingAnnotations(ctx, trigger.OrganizationAddress, trigger.ContactAddress)
		if err != nil {
			return fmt.Errorf("pending annotations: %w", err)
		}
		if pending == 0 {
			return nil
		}
		if !l.now().Before(deadline) {
			log.Warn("annotation wait timed out", "pending", pending)
			return nil
		}
		if err := l.sleep(ctx, l.cfg.AnnotationPollInterval); err != nil {
			return err
		}
	}
}

func (l *Loop) countTurn(protocol, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.TurnsTotal.WithLabelValues(protocol, outcome).Inc()
}

func contactAllowed(allowed []string, address string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == address {
			return true
		}
	}
	return false
}
