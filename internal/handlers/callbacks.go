package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/contextkeys"
	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/types"
)

func (bh *Handlers) HandleCallback(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}
	bh.answerCallback(ctx, b, update)

	userID := update.CallbackQuery.From.ID
	chatID := getChatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
	if chatID == 0 {
		chatID = userID
	}

	data, _ := contextkeys.GetCallbackData(ctx)
	if data == "" {
		data = update.CallbackQuery.Data
	}

	switch {
	case data == "buy_subscription":
		bh.sendSubscriptionMenu(ctx, b, chatID, userID)
	case data == "show_help":
		bh.sendText(ctx, b, chatID, messages.Help())
	case data == "extend_subscription":
		bh.handleExtendStart(ctx, b, chatID, userID)
	case data == "cancel_subscription":
		bh.handleCancelConfirm(ctx, b, chatID)
	case data == "confirm_cancel_subscription":
		bh.handleCancelSubscription(ctx, b, chatID, userID)
	case data == "cancel_payment":
		bh.handleCancelPayment(ctx, b, chatID, userID)
	case data == "back_to_start":
		bh.sendStartMenu(ctx, b, chatID, update.CallbackQuery.From.FirstName)
	case data == "back_to_plan_selection":
		bh.dropPendingMessages(ctx, b, chatID, userID)
		bh.sendPlanSelection(ctx, b, chatID, false)
	case strings.HasPrefix(data, "extend_plan_"):
		bh.handlePlanChosen(ctx, b, chatID, userID, strings.TrimPrefix(data, "extend_plan_"), true)
	case strings.HasPrefix(data, "plan_"):
		bh.handlePlanChosen(ctx, b, chatID, userID, strings.TrimPrefix(data, "plan_"), false)
	default:
		log.Printf("Handlers: unknown callback data %q from user %d", data, userID)
	}
}

func (bh *Handlers) handleExtendStart(ctx context.Context, b *bot.Bot, chatID, userID int64) {
	subs, err := bh.engine.ListActiveForTelegramUser(ctx, userID)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if len(subs) == 0 {
		bh.sendText(ctx, b, chatID, messages.NoActiveSubscription())
		return
	}
	bh.sendPlanSelection(ctx, b, chatID, true)
}

// handlePlanChosen shows the plan preview and arms the pending purchase
// so the payment confirmation can be matched back to the choice.
func (bh *Handlers) handlePlanChosen(ctx context.Context, b *bot.Bot, chatID, userID int64, rawPlanID string, isExtension bool) {
	planID, err := strconv.ParseInt(rawPlanID, 10, 64)
	if err != nil || planID <= 0 {
		bh.sendText(ctx, b, chatID, messages.PlanNotFound())
		return
	}

	plan, err := bh.plans.GetPlan(ctx, planID)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.PlanNotFound())
		return
	}

	pending := types.PendingPurchase{
		Intent:    types.IntentNew,
		PlanID:    plan.ID,
		CreatedAt: time.Now(),
	}
	if isExtension {
		sub, err := bh.engine.GetActiveSubscription(ctx, userID, plan.ChannelID)
		if err != nil {
			bh.sendText(ctx, b, chatID, messages.ErrorDefault())
			return
		}
		if sub == nil {
			bh.sendText(ctx, b, chatID, messages.NoActiveSubscription())
			return
		}
		pending.Intent = types.IntentExtend
		pending.SubscriptionID = sub.ID
	}

	sent, _ := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      messages.PlanPreview(plan, isExtension),
		ParseMode: messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "❌ Отменить оплату", CallbackData: "cancel_payment"}},
				{{Text: "⬅️ К выбору тарифа", CallbackData: "back_to_plan_selection"}},
			},
		},
	})
	if sent != nil {
		pending.PreviewMsgID = sent.ID
	}

	invoiceMsgID, ok := bh.sendInvoiceForPlan(ctx, b, chatID, plan, pending.Intent)
	if !ok {
		bh.sendText(ctx, b, chatID, messages.InvoiceCreateFailed())
		return
	}
	pending.InvoiceMsgID = invoiceMsgID

	if err := bh.checkout.SetPendingPurchase(userID, pending); err != nil {
		log.Printf("Handlers: store pending purchase for user %d failed: %v", userID, err)
	}
}

func (bh *Handlers) handleCancelConfirm(ctx context.Context, b *bot.Bot, chatID int64) {
	_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      messages.CancelConfirm(),
		ParseMode: messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "✅ Да, отменить", CallbackData: "confirm_cancel_subscription"}},
				{{Text: "⬅️ Назад", CallbackData: "buy_subscription"}},
			},
		},
	})
}

func (bh *Handlers) handleCancelSubscription(ctx context.Context, b *bot.Bot, chatID, userID int64) {
	subs, err := bh.engine.ListActiveForTelegramUser(ctx, userID)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.CancelFailed())
		return
	}
	if len(subs) == 0 {
		bh.sendText(ctx, b, chatID, messages.NoActiveSubscription())
		return
	}

	for _, sub := range subs {
		_, err := bh.engine.CancelOrExpire(ctx, sub.ID, types.ReasonCanceled)
		if err != nil {
			if errors.Is(err, engine.ErrRevocationFailed) {
				log.Printf("Handlers: subscription %d canceled but link revocation failed: %v", sub.ID, err)
				continue
			}
			log.Printf("Handlers: cancel subscription %d failed: %v", sub.ID, err)
			bh.sendText(ctx, b, chatID, messages.CancelFailed())
			return
		}
	}

	bh.sendText(ctx, b, chatID, messages.CancelDone())
}

func (bh *Handlers) handleCancelPayment(ctx context.Context, b *bot.Bot, chatID, userID int64) {
	bh.dropPendingMessages(ctx, b, chatID, userID)
	bh.sendText(ctx, b, chatID, messages.PaymentCanceled())
}

// dropPendingMessages deletes the preview and invoice messages recorded
// in the checkout context and clears the context itself.
func (bh *Handlers) dropPendingMessages(ctx context.Context, b *bot.Bot, chatID, userID int64) {
	pending, err := bh.checkout.GetPendingPurchase(userID)
	if err == nil && pending != nil {
		for _, msgID := range []int{pending.PreviewMsgID, pending.InvoiceMsgID} {
			if msgID == 0 {
				continue
			}
			_, _ = b.DeleteMessage(ctx, &bot.DeleteMessageParams{
				ChatID:    chatID,
				MessageID: msgID,
			})
		}
	}
	if err := bh.checkout.ClearPendingPurchase(userID); err != nil {
		log.Printf("Handlers: clear pending purchase for user %d failed: %v", userID, err)
	}
}
