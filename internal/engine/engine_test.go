package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/memstore"
	"github.com/clubpass/club-pass-bot/types"
)

type fakeBroker struct {
	issued    int
	revoked   []string
	issueErr  error
	revokeErr error
}

func (f *fakeBroker) IssueCredential(ctx context.Context, channelID int64) (string, error) {
	if f.issueErr != nil {
		return "", f.issueErr
	}
	f.issued++
	return fmt.Sprintf("https://t.me/+invite_%d_%d", channelID, f.issued), nil
}

func (f *fakeBroker) RevokeCredential(ctx context.Context, channelID int64, link string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, link)
	return nil
}

func newTestEngine(t *testing.T) (*engine.Engine, *memstore.Store, *fakeBroker) {
	t.Helper()
	st := memstore.New()
	br := &fakeBroker{}
	return engine.New(st, st, st, br), st, br
}

func seedPlan(t *testing.T, st *memstore.Store, channelID int64) *types.Plan {
	t.Helper()
	plan, err := st.UpsertPlan(context.Background(), types.Plan{
		Name:         fmt.Sprintf("Базовый %d", channelID),
		Price:        49900,
		DurationDays: 30,
		ChannelID:    channelID,
	})
	require.NoError(t, err)
	return plan
}

func TestEngine_CreateSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("grants access and issues invite link", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.True(t, sub.IsActive)
		assert.NotEmpty(t, sub.InviteLink)
		assert.Equal(t, "charge-1", sub.PaymentChargeID)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, plan.DurationDays), sub.EndDate, time.Minute)
	})

	t.Run("unknown plan", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)

		_, err := eng.CreateSubscription(ctx, 555, 999, "charge-1")
		assert.ErrorIs(t, err, engine.ErrPlanNotFound)
	})

	t.Run("second active subscription for same channel is rejected", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		_, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)

		_, err = eng.CreateSubscription(ctx, 555, plan.ID, "charge-2")
		assert.ErrorIs(t, err, engine.ErrAlreadySubscribed)
	})

	t.Run("same charge id replay returns the existing grant", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		first, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)

		replay, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, replay.ID)

		subs, err := eng.ListActiveForTelegramUser(ctx, 555)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	})

	t.Run("grant commits even when link issuance fails", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)
		br.issueErr = errors.New("telegram is down")

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		assert.True(t, sub.IsActive)
		assert.Empty(t, sub.InviteLink)

		// Issuance can be retried once the platform recovers.
		br.issueErr = nil
		link, err := eng.IssueCredential(ctx, sub.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, link)
	})

	t.Run("same subscriber may hold grants on different channels", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		planA := seedPlan(t, st, 100)
		planB := seedPlan(t, st, 200)

		_, err := eng.CreateSubscription(ctx, 555, planA.ID, "charge-1")
		require.NoError(t, err)
		_, err = eng.CreateSubscription(ctx, 555, planB.ID, "charge-2")
		require.NoError(t, err)

		subs, err := eng.ListActiveForTelegramUser(ctx, 555)
		require.NoError(t, err)
		assert.Len(t, subs, 2)
	})
}

func TestEngine_ExtendSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("early renewal keeps the unused tail", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		oldEnd := sub.EndDate

		extended, err := eng.ExtendSubscription(ctx, sub.ID, 30, true, "charge-2")
		require.NoError(t, err)
		assert.WithinDuration(t, oldEnd.AddDate(0, 0, 30), extended.EndDate, time.Minute)
		assert.True(t, extended.IsActive)
		assert.False(t, extended.ReminderSent)
	})

	t.Run("lapsed renewal restarts from now and reactivates", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		subscriber, err := st.UpsertSubscriber(ctx, types.Subscriber{TelegramUserID: 555})
		require.NoError(t, err)

		lapsed := &types.Subscription{
			SubscriberID:    subscriber.ID,
			PlanID:          plan.ID,
			ChannelID:       plan.ChannelID,
			StartDate:       time.Now().AddDate(0, 0, -40),
			EndDate:         time.Now().AddDate(0, 0, -10),
			IsActive:        false,
			PaymentChargeID: "charge-old",
			TerminalReason:  types.ReasonExpired,
		}
		require.NoError(t, st.InsertSubscription(ctx, lapsed))

		extended, err := eng.ExtendSubscription(ctx, lapsed.ID, 30, true, "charge-2")
		require.NoError(t, err)
		assert.True(t, extended.IsActive)
		assert.Empty(t, extended.TerminalReason)
		assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), extended.EndDate, time.Minute)
	})

	t.Run("replayed charge id applies exactly once", func(t *testing.T) {
		t.Parallel()
		eng, st, _ := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)

		first, err := eng.ExtendSubscription(ctx, sub.ID, 30, true, "charge-2")
		require.NoError(t, err)

		replay, err := eng.ExtendSubscription(ctx, sub.ID, 30, true, "charge-2")
		require.NoError(t, err)
		assert.Equal(t, first.EndDate, replay.EndDate)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)

		_, err := eng.ExtendSubscription(ctx, 12345, 30, true, "charge-1")
		assert.ErrorIs(t, err, engine.ErrSubscriptionNotFound)
	})
}

func TestEngine_CancelOrExpire(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("deactivates, clears and revokes the link", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		link := sub.InviteLink
		require.NotEmpty(t, link)

		done, err := eng.CancelOrExpire(ctx, sub.ID, types.ReasonCanceled)
		require.NoError(t, err)
		assert.True(t, done)
		assert.Contains(t, br.revoked, link)

		got, err := st.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Empty(t, got.InviteLink)
		assert.Equal(t, types.ReasonCanceled, got.TerminalReason)
	})

	t.Run("second call is a no-op without another revoke", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)

		done, err := eng.CancelOrExpire(ctx, sub.ID, types.ReasonCanceled)
		require.NoError(t, err)
		require.True(t, done)
		revokes := len(br.revoked)

		done, err = eng.CancelOrExpire(ctx, sub.ID, types.ReasonCanceled)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Len(t, br.revoked, revokes)
	})

	t.Run("revocation failure still commits the inactive state", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		br.revokeErr = errors.New("telegram is down")

		done, err := eng.CancelOrExpire(ctx, sub.ID, types.ReasonExpired)
		assert.True(t, done)
		assert.ErrorIs(t, err, engine.ErrRevocationFailed)

		got, err := st.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Empty(t, got.InviteLink)
	})
}

func TestEngine_Credentials(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reissue revokes the stale link first", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		oldLink := sub.InviteLink

		newLink, err := eng.IssueCredential(ctx, sub.ID)
		require.NoError(t, err)
		assert.NotEqual(t, oldLink, newLink)
		assert.Contains(t, br.revoked, oldLink)

		got, err := st.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, newLink, got.InviteLink)
	})

	t.Run("revoke clears the link locally even when the platform fails", func(t *testing.T) {
		t.Parallel()
		eng, st, br := newTestEngine(t)
		plan := seedPlan(t, st, 100)

		sub, err := eng.CreateSubscription(ctx, 555, plan.ID, "charge-1")
		require.NoError(t, err)
		br.revokeErr = errors.New("telegram is down")

		require.NoError(t, eng.RevokeCredential(ctx, sub.ID))

		got, err := st.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Empty(t, got.InviteLink)
	})
}

func TestEngine_Lookups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("active lookup returns nil for unknown user", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)

		sub, err := eng.GetActiveSubscription(ctx, 555, 100)
		require.NoError(t, err)
		assert.Nil(t, sub)
	})

	t.Run("charge lookup returns nil for unseen charge", func(t *testing.T) {
		t.Parallel()
		eng, _, _ := newTestEngine(t)

		sub, err := eng.FindByChargeID(ctx, "charge-never")
		require.NoError(t, err)
		assert.Nil(t, sub)
	})
}
