package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/types"
)

func (bh *Handlers) sendStartMenu(ctx context.Context, b *bot.Bot, chatID int64, firstName string) {
	_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      messages.StartWelcome(firstName),
		ParseMode: messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "📋 Подписка", CallbackData: "buy_subscription"}},
				{{Text: "❓ Помощь", CallbackData: "show_help"}},
			},
		},
	})
}

// sendSubscriptionMenu shows either the active subscription with its
// management actions or the plan list when there is nothing active.
func (bh *Handlers) sendSubscriptionMenu(ctx context.Context, b *bot.Bot, chatID, telegramUserID int64) {
	subs, err := bh.engine.ListActiveForTelegramUser(ctx, telegramUserID)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if len(subs) == 0 {
		bh.sendPlanSelection(ctx, b, chatID, false)
		return
	}

	sub := subs[0]
	planName := ""
	if plan, err := bh.plans.GetPlan(ctx, sub.PlanID); err == nil {
		planName = plan.Name
	}
	daysLeft := int(time.Until(sub.EndDate).Hours() / 24)
	if daysLeft < 0 {
		daysLeft = 0
	}

	_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      messages.SubscriptionDetails(planName, sub.EndDate, daysLeft, sub.InviteLink),
		ParseMode: messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{
			InlineKeyboard: [][]models.InlineKeyboardButton{
				{{Text: "🔄 Продлить подписку", CallbackData: "extend_subscription"}},
				{{Text: "❌ Отменить подписку", CallbackData: "cancel_subscription"}},
				{{Text: "⬅️ Назад", CallbackData: "back_to_start"}},
			},
		},
	})
}

func (bh *Handlers) sendPlanSelection(ctx context.Context, b *bot.Bot, chatID int64, isExtension bool) {
	plans, err := bh.plans.ListPlans(ctx)
	if err != nil {
		bh.sendText(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	if len(plans) == 0 {
		bh.sendText(ctx, b, chatID, messages.NoPlans())
		return
	}

	prefix := "plan_"
	if isExtension {
		prefix = "extend_plan_"
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(plans)+1)
	for _, p := range plans {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         planButtonLabel(p),
			CallbackData: fmt.Sprintf("%s%d", prefix, p.ID),
		}})
	}
	rows = append(rows, []models.InlineKeyboardButton{
		{Text: "⬅️ Назад", CallbackData: "back_to_start"},
	})

	_, _ = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      messages.ChoosePlan(),
		ParseMode: messages.ParseModeHTML,
		ReplyMarkup: &models.InlineKeyboardMarkup{InlineKeyboard: rows},
	})
}

func planButtonLabel(p *types.Plan) string {
	return fmt.Sprintf("%s — %.0f руб. / %d дней", p.Name, float64(p.Price)/100, p.DurationDays)
}
