// Package orchestrator receives inbound chat messages and drives them
// through admission, quota, the provider proxy, and out onto the fanout bus.
// From the transport's perspective everything here is fire-and-forget: the
// caller gets no return value, and every submitted message eventually yields
// either an answer event or an error event on the bus. Nothing is silently
// dropped.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/fanout"
	"github.com/relaygate/relaygate/pkg/contracts"
	"github.com/relaygate/relaygate/pkg/models"
)

// Completer is the slice of the provider proxy the orchestrator needs.
type Completer interface {
	Complete(ctx context.Context, req *models.ProviderRequest) (*models.ProviderResponse, error)
}

// Inbound is one chat message as it arrives from the transport. ClientKey is
// the admission key (client IP); Country is the edge-provided locale hint,
// passed through untouched.
type Inbound struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	ClientKey      string `json:"-"`
	Country        string `json:"-"`
	Text           string `json:"text"`
	PrevQuestion   string `json:"previous_question,omitempty"`
	PrevAnswer     string `json:"previous_answer,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Orchestrator wires the relay pipeline together.
type Orchestrator struct {
	adm   *admission.Controller
	ent   contracts.Entitlements
	proxy Completer
	bus   fanout.Bus
	msgs  contracts.MessageStore
}

// New creates an orchestrator.
func New(adm *admission.Controller, ent contracts.Entitlements, proxy Completer, bus fanout.Bus, msgs contracts.MessageStore) *Orchestrator {
	return &Orchestrator{adm: adm, ent: ent, proxy: proxy, bus: bus, msgs: msgs}
}

// HandleIncoming runs one message through the pipeline. Admission comes
// first, then quota; the proxy's own per-key limiter is only reached after
// both passed, which keeps the layered-denial order deterministic. Quota is
// consumed strictly after a successful completion, so no failure path ever
// debits the user.
func (o *Orchestrator) HandleIncoming(ctx context.Context, in Inbound) {
	d := o.adm.Admit(in.ClientKey, models.ClassChat)
	switch {
	case d.Banned:
		o.publishError(ctx, in, models.NewBanned(time.Now().Add(d.RetryAfter)))
		return
	case !d.Allowed:
		o.publishError(ctx, in, models.NewAdmissionDenied(d.RetryAfter))
		return
	}

	quota, err := o.ent.CheckQuota(ctx, in.UserID)
	if err != nil {
		log.Error().Err(err).Str("user", in.UserID).Msg("entitlement check failed")
		o.publishError(ctx, in, models.NewUpstreamFatal(err))
		return
	}
	if !quota.Allowed {
		o.publishError(ctx, in, models.NewQuotaExceeded(in.UserID))
		return
	}

	// The message is accepted: persist it and let the client show a typing
	// indicator while the completion runs.
	o.persist(ctx, in, "user", in.Text, models.TokenUsage{})
	o.publish(ctx, models.ChatEvent{
		ID:             uuid.New().String(),
		Type:           models.EventTyping,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Timestamp:      time.Now().UTC(),
	})

	model := in.Model
	if model == "" {
		model = "default"
	}
	resp, err := o.proxy.Complete(ctx, &models.ProviderRequest{
		Model:        model,
		Messages:     []models.ChatMessage{{Role: "user", Content: in.Text}},
		PrevQuestion: in.PrevQuestion,
		PrevAnswer:   in.PrevAnswer,
		Country:      in.Country,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("user", in.UserID).
			Str("conversation", in.ConversationID).
			Msg("completion failed")
		o.publishError(ctx, in, err)
		return
	}

	if err := o.ent.Consume(ctx, in.UserID, 1); err != nil {
		// The answer was produced; an accounting hiccup must not eat it.
		log.Error().Err(err).Str("user", in.UserID).Msg("quota consume failed")
	}

	answer := models.ChatEvent{
		ID:             uuid.New().String(),
		Type:           models.EventMessage,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Sender:         "assistant",
		Payload:        resp.Content,
		PrevQuestion:   in.Text,
		Country:        in.Country,
		Timestamp:      time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o.persist(gctx, in, "assistant", resp.Content, resp.Usage)
		return nil
	})
	g.Go(func() error {
		o.publish(gctx, answer)
		return nil
	})
	g.Wait()
}

// persist writes one durable record. Failures are logged, never retried; the
// relay core does not own durability.
func (o *Orchestrator) persist(ctx context.Context, in Inbound, sender, content string, usage models.TokenUsage) {
	err := o.msgs.SaveMessage(ctx, &contracts.StoredMessage{
		ID:             uuid.New().String(),
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Sender:         sender,
		Content:        content,
		Usage:          usage,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("conversation", in.ConversationID).Msg("durable write failed")
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev models.ChatEvent) {
	if err := o.bus.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("key", ev.RoutingKey()).Msg("fanout publish failed")
	}
}

// publishError turns a pipeline failure into an explicit error event so the
// client can render a failure state instead of hanging.
func (o *Orchestrator) publishError(ctx context.Context, in Inbound, err error) {
	ev := models.ChatEvent{
		ID:             uuid.New().String(),
		Type:           models.EventError,
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		ErrorCode:      string(models.KindOf(err)),
		Timestamp:      time.Now().UTC(),
	}
	if ge := models.AsGatewayError(err); ge != nil {
		ev.Payload = ge.Message
		if ge.RetryAfter > 0 {
			ev.RetryAfterSec = int64(ge.RetryAfter.Seconds() + 0.5)
		}
		if !ge.Until.IsZero() {
			ev.RetryAfterSec = int64(time.Until(ge.Until).Seconds() + 0.5)
		}
	}
	o.publish(ctx, ev)
}
