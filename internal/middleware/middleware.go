package middleware

import (
	"context"
	"log"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/contextkeys"
	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/types"
)

type Middlewares struct {
	subscribers types.SubscriberStore
}

func NewMiddlewares(subscribers types.SubscriberStore) *Middlewares {
	return &Middlewares{
		subscribers: subscribers,
	}
}

// RegisterSubscriberMiddleware makes sure every update that carries a
// user has a subscriber row and puts it in the context. Join requests
// are left alone, they are validated against the invite link instead.
func (m *Middlewares) RegisterSubscriberMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		from := userFromUpdate(update)
		if from == nil {
			next(ctx, b, update)
			return
		}

		sub, err := m.subscribers.UpsertSubscriber(ctx, types.Subscriber{
			TelegramUserID: from.ID,
			Username:       from.Username,
			FirstName:      from.FirstName,
		})
		if err != nil {
			log.Printf("Middleware: upsert subscriber %d failed: %v", from.ID, err)
			if update.Message != nil {
				b.SendMessage(ctx, &bot.SendMessageParams{
					ChatID:    update.Message.Chat.ID,
					Text:      messages.ErrorDefault(),
					ParseMode: messages.ParseModeHTML,
				})
			}
			return
		}

		next(contextkeys.WithSubscriber(ctx, sub), b, update)
	}
}

func (m *Middlewares) AnalyzeUpdateMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		switch {
		case update.CallbackQuery != nil && update.CallbackQuery.Data != "":
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeClickButton)
			ctx = contextkeys.WithCallbackData(ctx, update.CallbackQuery.Data)
		case update.Message != nil && update.Message.SuccessfulPayment != nil:
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypePayment)
		case update.ChatJoinRequest != nil:
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeJoinRequest)
		case update.Message != nil && strings.HasPrefix(update.Message.Text, "/"):
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeCommand)
		case update.Message != nil && update.Message.Text != "":
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeText)
		default:
			ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
		}

		next(ctx, b, update)
	}
}

func userFromUpdate(update *models.Update) *models.User {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From
	case update.CallbackQuery != nil:
		return &update.CallbackQuery.From
	case update.PreCheckoutQuery != nil:
		return update.PreCheckoutQuery.From
	}
	return nil
}
