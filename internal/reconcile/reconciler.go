// Package reconcile turns confirmed-payment events into durable grants.
// The contract with the payment gateway is one-way: once money moved, this
// package either applies the grant or records a PaymentError for manual
// remediation. Nothing is allowed to escape past OnPaymentConfirmed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/types"
)

// ErrMalformedPayload means the invoice payload does not match any
// recognized intent shape. No record is created for such events.
var ErrMalformedPayload = errors.New("malformed invoice payload")

const notifyTimeout = 10 * time.Second

// Intent is what a confirmed payment is supposed to mean, decoded from
// the invoice payload.
type Intent struct {
	Kind   string // types.IntentNew or types.IntentExtend
	PlanID int64
}

// ParsePayload decodes the invoice payload tag: "plan_<id>" buys a new
// subscription, "extend_<id>" extends an existing one.
func ParsePayload(payload string) (Intent, error) {
	payload = strings.TrimSpace(payload)
	var kind, rest string
	switch {
	case strings.HasPrefix(payload, "plan_"):
		kind, rest = types.IntentNew, strings.TrimPrefix(payload, "plan_")
	case strings.HasPrefix(payload, "extend_"):
		kind, rest = types.IntentExtend, strings.TrimPrefix(payload, "extend_")
	default:
		return Intent{}, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	planID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || planID <= 0 {
		return Intent{}, fmt.Errorf("%w: %q", ErrMalformedPayload, payload)
	}
	return Intent{Kind: kind, PlanID: planID}, nil
}

// ConfirmedPayment is the normalized payment-succeeded event.
type ConfirmedPayment struct {
	TelegramUserID int64
	InvoicePayload string
	ChargeID       string
	Amount         int64
	Currency       string
	Raw            string
}

type Reconciler struct {
	engine    *engine.Engine
	plans     types.PlanStore
	errs      types.PaymentErrorStore
	messenger types.Messenger
}

func New(eng *engine.Engine, plans types.PlanStore, errs types.PaymentErrorStore, messenger types.Messenger) *Reconciler {
	return &Reconciler{
		engine:    eng,
		plans:     plans,
		errs:      errs,
		messenger: messenger,
	}
}

// OnPreCheckout is the synchronous gate before money moves: accept only
// payloads with a recognized shape. Side-effect free.
func (r *Reconciler) OnPreCheckout(payload string) (bool, string) {
	if _, err := ParsePayload(payload); err != nil {
		return false, messages.PreCheckoutRejected()
	}
	return true, ""
}

// OnPaymentConfirmed applies a confirmed payment. Replays of the same
// charge id are absorbed without side effects. Any failure after this
// point is converted into a PaymentError record plus a user notification;
// the event is never dropped silently and never re-raised.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, p ConfirmedPayment, pending *types.PendingPurchase) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[PAYMENT] panic while reconciling charge %s: %v", p.ChargeID, rec)
			r.capturePaymentError(ctx, p, 0, fmt.Errorf("panic: %v", rec))
		}
	}()

	intent, err := ParsePayload(p.InvoicePayload)
	if err != nil {
		log.Printf("[PAYMENT] unrecognized payload %q for user %d", p.InvoicePayload, p.TelegramUserID)
		r.notify(p.TelegramUserID, messages.PaymentUnrecognized())
		return
	}

	if applied, err := r.engine.FindByChargeID(ctx, p.ChargeID); err == nil && applied != nil {
		log.Printf("[PAYMENT] charge %s already applied to subscription %d, skipping replay", p.ChargeID, applied.ID)
		r.notify(p.TelegramUserID, messages.PaymentAlreadyProcessed())
		return
	}

	switch intent.Kind {
	case types.IntentNew:
		r.applyNew(ctx, p, intent.PlanID)
	case types.IntentExtend:
		r.applyExtend(ctx, p, intent.PlanID, pending)
	}
}

func (r *Reconciler) applyNew(ctx context.Context, p ConfirmedPayment, planID int64) {
	sub, err := r.engine.CreateSubscription(ctx, p.TelegramUserID, planID, p.ChargeID)
	if err != nil {
		log.Printf("[PAYMENT] failed to create subscription for user %d plan %d: %v", p.TelegramUserID, planID, err)
		r.capturePaymentError(ctx, p, planID, err)
		return
	}
	log.Printf("[PAYMENT] subscription %d created for user %d, charge %s", sub.ID, p.TelegramUserID, p.ChargeID)

	plan, err := r.plans.GetPlan(ctx, planID)
	if err != nil {
		r.notify(p.TelegramUserID, messages.PaymentSucceededGeneric(sub.EndDate, sub.InviteLink))
		return
	}
	r.notify(p.TelegramUserID, messages.PaymentSucceeded(plan.Name, sub.EndDate, sub.InviteLink))
}

func (r *Reconciler) applyExtend(ctx context.Context, p ConfirmedPayment, planID int64, pending *types.PendingPurchase) {
	plan, err := r.plans.GetPlan(ctx, planID)
	if err != nil {
		log.Printf("[PAYMENT][EXTEND] plan %d missing for user %d: %v", planID, p.TelegramUserID, err)
		r.capturePaymentError(ctx, p, planID, fmt.Errorf("extend: %w", err))
		return
	}

	if pending == nil || pending.Intent != types.IntentExtend || pending.SubscriptionID == 0 {
		log.Printf("[PAYMENT][EXTEND] no pending extension target for user %d", p.TelegramUserID)
		r.capturePaymentError(ctx, p, planID, errors.New("extend: no pending subscription target"))
		return
	}

	sub, err := r.engine.ExtendSubscription(ctx, pending.SubscriptionID, plan.DurationDays, true, p.ChargeID)
	if err != nil {
		log.Printf("[PAYMENT][EXTEND] failed to extend subscription %d: %v", pending.SubscriptionID, err)
		r.capturePaymentError(ctx, p, planID, fmt.Errorf("extend: %w", err))
		return
	}
	log.Printf("[PAYMENT][EXTEND] subscription %d extended to %s, charge %s", sub.ID, sub.EndDate.Format(time.RFC3339), p.ChargeID)

	link, err := r.engine.IssueCredential(ctx, sub.ID)
	if err != nil {
		log.Printf("[PAYMENT][EXTEND] invite link reissue failed for subscription %d: %v", sub.ID, err)
	}
	r.notify(p.TelegramUserID, messages.PaymentExtended(plan.Name, sub.EndDate, link))
}

// capturePaymentError persists the failed event for operator remediation
// and tells the subscriber their payment is being handled. Storage failure
// here leaves the full event in the log as the last resort.
func (r *Reconciler) capturePaymentError(ctx context.Context, p ConfirmedPayment, planID int64, cause error) {
	pe := &types.PaymentError{
		TelegramUserID: p.TelegramUserID,
		PlanID:         planID,
		ChargeID:       p.ChargeID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		ErrorMessage:   cause.Error(),
		InvoicePayload: p.InvoicePayload,
		RawPayload:     p.Raw,
		StackTrace:     string(debug.Stack()),
	}
	if err := r.errs.InsertPaymentError(ctx, pe); err != nil {
		log.Printf("[PAYMENT][CRITICAL] failed to persist payment error (user=%d charge=%s amount=%d %s payload=%q cause=%v): %v",
			p.TelegramUserID, p.ChargeID, p.Amount, p.Currency, p.InvoicePayload, cause, err)
	} else {
		log.Printf("[PAYMENT] payment error %d recorded for user %d, charge %s", pe.ID, p.TelegramUserID, p.ChargeID)
	}
	r.notify(p.TelegramUserID, messages.PaymentManualRemediation())
}

func (r *Reconciler) notify(telegramUserID int64, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := r.messenger.SendMessage(ctx, telegramUserID, text); err != nil {
		log.Printf("[PAYMENT] failed to notify user %d: %v", telegramUserID, err)
	}
}
