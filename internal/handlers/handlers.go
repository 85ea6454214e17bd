package handlers

import (
	"context"
	"log"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/contextkeys"
	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/invites"
	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/internal/reconcile"
	"github.com/clubpass/club-pass-bot/types"
)

type Handlers struct {
	engine     *engine.Engine
	reconciler *reconcile.Reconciler
	broker     *invites.Broker
	plans      types.PlanStore
	checkout   types.CheckoutStore
	errs       types.PaymentErrorStore

	providerToken string
	adminIDs      map[int64]struct{}
}

type Config struct {
	ProviderToken string
	AdminIDs      []int64
}

func NewHandlers(
	eng *engine.Engine,
	reconciler *reconcile.Reconciler,
	broker *invites.Broker,
	plans types.PlanStore,
	checkout types.CheckoutStore,
	errs types.PaymentErrorStore,
	config Config,
) *Handlers {
	admins := make(map[int64]struct{}, len(config.AdminIDs))
	for _, id := range config.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Handlers{
		engine:        eng,
		reconciler:    reconciler,
		broker:        broker,
		plans:         plans,
		checkout:      checkout,
		errs:          errs,
		providerToken: config.ProviderToken,
		adminIDs:      admins,
	}
}

func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.ChatJoinRequest != nil {
		bh.HandleJoinRequest(ctx, b, update)
		return
	}
	if update.PreCheckoutQuery != nil {
		bh.HandlePreCheckout(ctx, b, update)
		return
	}

	messageType, _ := contextkeys.GetMessageType(ctx)

	switch messageType {
	case contextkeys.MessageTypePayment:
		bh.HandleSuccessfulPayment(ctx, b, update)
	case contextkeys.MessageTypeCommand:
		bh.HandleCommand(ctx, b, update)
	case contextkeys.MessageTypeClickButton:
		bh.HandleCallback(ctx, b, update)
	case contextkeys.MessageTypeText:
		chatID := bh.getChatIDFromUpdate(update)
		if chatID != 0 {
			b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      messages.ErrorUnknownCommand(),
				ParseMode: messages.ParseModeHTML,
			})
		}
	}
}

func (bh *Handlers) getChatIDFromUpdate(update *models.Update) int64 {
	if update == nil {
		return 0
	}
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	if update.CallbackQuery != nil {
		return getChatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
	}
	return 0
}

func getChatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}

func (bh *Handlers) isAdmin(userID int64) bool {
	_, ok := bh.adminIDs[userID]
	return ok
}

func (bh *Handlers) answerCallback(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}
	_, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: update.CallbackQuery.ID,
	})
	if err != nil {
		log.Printf("Handlers: answer callback failed: %v", err)
	}
}

func (bh *Handlers) sendText(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
}
