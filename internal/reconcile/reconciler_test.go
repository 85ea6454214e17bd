package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/memstore"
	"github.com/clubpass/club-pass-bot/internal/reconcile"
	"github.com/clubpass/club-pass-bot/types"
)

type recordingMessenger struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func newRecordingMessenger() *recordingMessenger {
	return &recordingMessenger{sent: make(map[int64][]string)}
}

func (m *recordingMessenger) CreateInviteLink(ctx context.Context, channelID int64) (string, error) {
	return fmt.Sprintf("https://t.me/+mint_%d", channelID), nil
}

func (m *recordingMessenger) RevokeInviteLink(ctx context.Context, channelID int64, link string) error {
	return nil
}

func (m *recordingMessenger) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	return nil
}

func (m *recordingMessenger) DeclineJoinRequest(ctx context.Context, channelID, userID int64) error {
	return nil
}

func (m *recordingMessenger) SendMessage(ctx context.Context, userID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[userID] = append(m.sent[userID], text)
	return nil
}

func (m *recordingMessenger) messagesFor(userID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent[userID]...)
}

type staticBroker struct {
	n int
}

func (b *staticBroker) IssueCredential(ctx context.Context, channelID int64) (string, error) {
	b.n++
	return fmt.Sprintf("https://t.me/+link_%d", b.n), nil
}

func (b *staticBroker) RevokeCredential(ctx context.Context, channelID int64, link string) error {
	return nil
}

func newTestReconciler(t *testing.T) (*reconcile.Reconciler, *engine.Engine, *memstore.Store, *recordingMessenger) {
	t.Helper()
	st := memstore.New()
	m := newRecordingMessenger()
	eng := engine.New(st, st, st, &staticBroker{})
	return reconcile.New(eng, st, st, m), eng, st, m
}

func seedPlan(t *testing.T, st *memstore.Store) *types.Plan {
	t.Helper()
	plan, err := st.UpsertPlan(context.Background(), types.Plan{
		Name:         "Базовый",
		Price:        49900,
		DurationDays: 30,
		ChannelID:    100,
	})
	require.NoError(t, err)
	return plan
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		wantKind string
		wantPlan int64
		wantErr  bool
	}{
		{name: "new purchase", payload: "plan_3", wantKind: types.IntentNew, wantPlan: 3},
		{name: "extension", payload: "extend_7", wantKind: types.IntentExtend, wantPlan: 7},
		{name: "empty", payload: "", wantErr: true},
		{name: "unknown prefix", payload: "gift_3", wantErr: true},
		{name: "non-numeric id", payload: "plan_abc", wantErr: true},
		{name: "zero id", payload: "plan_0", wantErr: true},
		{name: "negative id", payload: "extend_-2", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			intent, err := reconcile.ParsePayload(tt.payload)
			if tt.wantErr {
				assert.ErrorIs(t, err, reconcile.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, intent.Kind)
			assert.Equal(t, tt.wantPlan, intent.PlanID)
		})
	}
}

func TestReconciler_OnPreCheckout(t *testing.T) {
	t.Parallel()
	r, _, _, _ := newTestReconciler(t)

	ok, msg := r.OnPreCheckout("plan_1")
	assert.True(t, ok)
	assert.Empty(t, msg)

	ok, msg = r.OnPreCheckout("whatever")
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}

func TestReconciler_OnPaymentConfirmed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("new purchase grants a subscription", func(t *testing.T) {
		t.Parallel()
		r, eng, st, m := newTestReconciler(t)
		plan := seedPlan(t, st)

		r.OnPaymentConfirmed(ctx, reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: fmt.Sprintf("plan_%d", plan.ID),
			ChargeID:       "charge-1",
			Amount:         49900,
			Currency:       "RUB",
		}, nil)

		sub, err := eng.FindByChargeID(ctx, "charge-1")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.True(t, sub.IsActive)
		assert.Len(t, m.messagesFor(555), 1)
	})

	t.Run("replayed charge applies exactly once", func(t *testing.T) {
		t.Parallel()
		r, eng, st, m := newTestReconciler(t)
		plan := seedPlan(t, st)

		p := reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: fmt.Sprintf("plan_%d", plan.ID),
			ChargeID:       "charge-1",
			Amount:         49900,
			Currency:       "RUB",
		}
		r.OnPaymentConfirmed(ctx, p, nil)
		r.OnPaymentConfirmed(ctx, p, nil)

		subs, err := eng.ListActiveForTelegramUser(ctx, 555)
		require.NoError(t, err)
		assert.Len(t, subs, 1)

		// First message announces the grant, second the replay.
		assert.Len(t, m.messagesFor(555), 2)

		errs, err := st.ListUnresolvedPaymentErrors(ctx)
		require.NoError(t, err)
		assert.Empty(t, errs)
	})

	t.Run("malformed payload notifies without recording", func(t *testing.T) {
		t.Parallel()
		r, _, st, m := newTestReconciler(t)

		r.OnPaymentConfirmed(ctx, reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: "mystery_tag",
			ChargeID:       "charge-1",
		}, nil)

		errs, err := st.ListUnresolvedPaymentErrors(ctx)
		require.NoError(t, err)
		assert.Empty(t, errs)
		assert.Len(t, m.messagesFor(555), 1)
	})

	t.Run("failure after payment records exactly one error", func(t *testing.T) {
		t.Parallel()
		r, _, st, m := newTestReconciler(t)

		// Plan never seeded, so the grant cannot be applied.
		r.OnPaymentConfirmed(ctx, reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: "plan_42",
			ChargeID:       "charge-1",
			Amount:         49900,
			Currency:       "RUB",
		}, nil)

		errs, err := st.ListUnresolvedPaymentErrors(ctx)
		require.NoError(t, err)
		require.Len(t, errs, 1)
		pe := errs[0]
		assert.Equal(t, int64(555), pe.TelegramUserID)
		assert.Equal(t, "charge-1", pe.ChargeID)
		assert.Equal(t, int64(42), pe.PlanID)
		assert.NotEmpty(t, pe.ErrorMessage)
		assert.NotEmpty(t, pe.StackTrace)
		assert.False(t, pe.IsResolved)

		assert.Len(t, m.messagesFor(555), 1)
	})

	t.Run("extension pushes the end date and reissues the link", func(t *testing.T) {
		t.Parallel()
		r, eng, st, m := newTestReconciler(t)
		plan := seedPlan(t, st)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		oldEnd := sub.EndDate
		oldLink := sub.InviteLink

		r.OnPaymentConfirmed(ctx, reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: fmt.Sprintf("extend_%d", plan.ID),
			ChargeID:       "charge-2",
			Amount:         49900,
			Currency:       "RUB",
		}, &types.PendingPurchase{
			Intent:         types.IntentExtend,
			PlanID:         plan.ID,
			SubscriptionID: sub.ID,
			CreatedAt:      time.Now(),
		})

		got, err := eng.FindByChargeID(ctx, "charge-2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sub.ID, got.ID)
		assert.WithinDuration(t, oldEnd.AddDate(0, 0, plan.DurationDays), got.EndDate, time.Minute)
		assert.NotEqual(t, oldLink, got.InviteLink)
		assert.Len(t, m.messagesFor(555), 1)
	})

	t.Run("extension without a pending target becomes a payment error", func(t *testing.T) {
		t.Parallel()
		r, _, st, _ := newTestReconciler(t)
		plan := seedPlan(t, st)

		r.OnPaymentConfirmed(ctx, reconcile.ConfirmedPayment{
			TelegramUserID: 555,
			InvoicePayload: fmt.Sprintf("extend_%d", plan.ID),
			ChargeID:       "charge-1",
		}, nil)

		errs, err := st.ListUnresolvedPaymentErrors(ctx)
		require.NoError(t, err)
		assert.Len(t, errs, 1)
	})
}

func TestPaymentErrorResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := memstore.New()

	pe := &types.PaymentError{
		TelegramUserID: 555,
		ChargeID:       "charge-1",
		ErrorMessage:   "extend: no pending subscription target",
	}
	require.NoError(t, st.InsertPaymentError(ctx, pe))

	resolved, err := st.ResolvePaymentError(ctx, pe.ID, "granted manually")
	require.NoError(t, err)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, "granted manually", resolved.ResolutionNotes)
	require.NotNil(t, resolved.ResolvedAt)

	remaining, err := st.ListUnresolvedPaymentErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = st.ResolvePaymentError(ctx, 999, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
