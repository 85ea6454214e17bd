package handlers

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/messages"
)

func (bh *Handlers) HandleCommand(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	chatID := update.Message.Chat.ID
	userID := update.Message.From.ID

	fields := strings.Fields(strings.TrimSpace(update.Message.Text))
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	if strings.Contains(cmd, "@") {
		cmd = strings.SplitN(cmd, "@", 2)[0]
	}

	switch cmd {
	case "/start":
		bh.sendStartMenu(ctx, b, chatID, update.Message.From.FirstName)
	case "/help":
		bh.sendText(ctx, b, chatID, messages.Help())
	case "/subscription":
		bh.sendSubscriptionMenu(ctx, b, chatID, userID)
	case "/payment_errors":
		if !bh.isAdmin(userID) {
			bh.sendText(ctx, b, chatID, messages.ErrorUnknownCommand())
			return
		}
		bh.handlePaymentErrors(ctx, b, chatID)
	case "/resolve_payment_error":
		if !bh.isAdmin(userID) {
			bh.sendText(ctx, b, chatID, messages.ErrorUnknownCommand())
			return
		}
		bh.handleResolvePaymentError(ctx, b, chatID, fields[1:])
	default:
		bh.sendText(ctx, b, chatID, messages.ErrorUnknownCommand())
	}
}

func (bh *Handlers) handlePaymentErrors(ctx context.Context, b *bot.Bot, chatID int64) {
	errs, err := bh.errs.ListUnresolvedPaymentErrors(ctx)
	if err != nil {
		log.Printf("Handlers: list payment errors failed: %v", err)
		bh.sendText(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if len(errs) == 0 {
		bh.sendText(ctx, b, chatID, messages.PaymentErrorsEmpty())
		return
	}
	for _, pe := range errs {
		bh.sendText(ctx, b, chatID, messages.PaymentErrorItem(pe))
	}
}

func (bh *Handlers) handleResolvePaymentError(ctx context.Context, b *bot.Bot, chatID int64, args []string) {
	if len(args) < 2 {
		bh.sendText(ctx, b, chatID, messages.PaymentErrorResolveUsage())
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		bh.sendText(ctx, b, chatID, messages.PaymentErrorResolveUsage())
		return
	}
	notes := strings.Join(args[1:], " ")

	pe, err := bh.errs.ResolvePaymentError(ctx, id, notes)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.PaymentErrorNotFound(id))
		return
	}

	bh.sendText(ctx, b, chatID, messages.PaymentErrorResolved(id))

	// Let the affected user know their case is closed.
	bh.sendText(ctx, b, pe.TelegramUserID, messages.PaymentErrorResolvedUserNotice())
}
