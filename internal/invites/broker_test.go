package invites_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clubpass/club-pass-bot/internal/invites"
	"github.com/clubpass/club-pass-bot/internal/memstore"
	"github.com/clubpass/club-pass-bot/types"
)

type fakeMessenger struct {
	createCalls  int
	failCreates  int
	revokedLinks []string
}

func (f *fakeMessenger) CreateInviteLink(ctx context.Context, channelID int64) (string, error) {
	f.createCalls++
	if f.createCalls <= f.failCreates {
		return "", errors.New("flood limit")
	}
	return fmt.Sprintf("https://t.me/+mint_%d_%d", channelID, f.createCalls), nil
}

func (f *fakeMessenger) RevokeInviteLink(ctx context.Context, channelID int64, link string) error {
	f.revokedLinks = append(f.revokedLinks, link)
	return nil
}

func (f *fakeMessenger) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	return nil
}

func (f *fakeMessenger) DeclineJoinRequest(ctx context.Context, channelID, userID int64) error {
	return nil
}

func (f *fakeMessenger) SendMessage(ctx context.Context, userID int64, text string) error {
	return nil
}

func seedSubscription(t *testing.T, st *memstore.Store, telegramUserID int64, link string, active bool) *types.Subscription {
	t.Helper()
	ctx := context.Background()

	subscriber, err := st.UpsertSubscriber(ctx, types.Subscriber{TelegramUserID: telegramUserID})
	require.NoError(t, err)

	sub := &types.Subscription{
		SubscriberID: subscriber.ID,
		PlanID:       1,
		ChannelID:    100,
		StartDate:    time.Now().AddDate(0, 0, -1),
		EndDate:      time.Now().AddDate(0, 0, 29),
		IsActive:     active,
		InviteLink:   link,
	}
	require.NoError(t, st.InsertSubscription(ctx, sub))
	return sub
}

func TestBroker_IssueCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("mints a link", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		m := &fakeMessenger{}
		broker := invites.NewBroker(st, st, m)

		link, err := broker.IssueCredential(ctx, 100)
		require.NoError(t, err)
		assert.NotEmpty(t, link)
	})

	t.Run("retries transient platform failures", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		m := &fakeMessenger{failCreates: 2}
		broker := invites.NewBroker(st, st, m)

		link, err := broker.IssueCredential(ctx, 100)
		require.NoError(t, err)
		assert.NotEmpty(t, link)
		assert.Equal(t, 3, m.createCalls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		m := &fakeMessenger{failCreates: 100}
		broker := invites.NewBroker(st, st, m)

		_, err := broker.IssueCredential(ctx, 100)
		assert.ErrorIs(t, err, invites.ErrCredentialUnavailable)
	})
}

func TestBroker_ValidateJoinRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("owner of an active link is approved", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		broker := invites.NewBroker(st, st, &fakeMessenger{})
		seeded := seedSubscription(t, st, 555, "https://t.me/+abc", true)

		ok, sub := broker.ValidateJoinRequest(ctx, "https://t.me/+abc", 555)
		assert.True(t, ok)
		require.NotNil(t, sub)
		assert.Equal(t, seeded.ID, sub.ID)
	})

	t.Run("unknown link is declined", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		broker := invites.NewBroker(st, st, &fakeMessenger{})

		ok, sub := broker.ValidateJoinRequest(ctx, "https://t.me/+nobody", 555)
		assert.False(t, ok)
		assert.Nil(t, sub)
	})

	t.Run("shared link does not admit another user", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		broker := invites.NewBroker(st, st, &fakeMessenger{})
		seedSubscription(t, st, 555, "https://t.me/+abc", true)

		ok, _ := broker.ValidateJoinRequest(ctx, "https://t.me/+abc", 777)
		assert.False(t, ok)
	})

	t.Run("lapsed subscription is declined", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		broker := invites.NewBroker(st, st, &fakeMessenger{})
		seedSubscription(t, st, 555, "https://t.me/+abc", false)

		ok, _ := broker.ValidateJoinRequest(ctx, "https://t.me/+abc", 555)
		assert.False(t, ok)
	})

	t.Run("cleared link no longer validates", func(t *testing.T) {
		t.Parallel()
		st := memstore.New()
		broker := invites.NewBroker(st, st, &fakeMessenger{})
		seeded := seedSubscription(t, st, 555, "https://t.me/+abc", true)

		got, err := st.GetSubscription(ctx, seeded.ID)
		require.NoError(t, err)
		got.InviteLink = ""
		require.NoError(t, st.UpdateSubscription(ctx, got))

		ok, _ := broker.ValidateJoinRequest(ctx, "https://t.me/+abc", 555)
		assert.False(t, ok)
	})
}
