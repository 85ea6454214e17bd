package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/reconcile"
	"github.com/clubpass/club-pass-bot/types"
)

// receipt is the fiscalization payload YooKassa expects alongside the
// invoice.
type receipt struct {
	Receipt struct {
		Items []receiptItem `json:"items"`
	} `json:"receipt"`
}

type receiptItem struct {
	Description string        `json:"description"`
	Quantity    string        `json:"quantity"`
	Amount      receiptAmount `json:"amount"`
	VATCode     int           `json:"vat_code"`
}

type receiptAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

func buildProviderData(plan *types.Plan) string {
	var r receipt
	r.Receipt.Items = []receiptItem{{
		Description: plan.Name,
		Quantity:    "1.00",
		Amount: receiptAmount{
			Value:    fmt.Sprintf("%.2f", float64(plan.Price)/100),
			Currency: "RUB",
		},
		VATCode: 1,
	}}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

func (bh *Handlers) sendInvoiceForPlan(ctx context.Context, b *bot.Bot, chatID int64, plan *types.Plan, intent string) (int, bool) {
	payload := fmt.Sprintf("plan_%d", plan.ID)
	title := plan.Name
	if intent == types.IntentExtend {
		payload = fmt.Sprintf("extend_%d", plan.ID)
		title = "Продление: " + plan.Name
	}

	description := plan.Description
	if description == "" {
		description = fmt.Sprintf("Подписка на %d дней", plan.DurationDays)
	}

	sent, err := b.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:        chatID,
		Title:         title,
		Description:   description,
		Payload:       payload,
		ProviderToken: bh.providerToken,
		Currency:      "RUB",
		Prices: []models.LabeledPrice{
			{Label: plan.Name, Amount: int(plan.Price)},
		},
		ProviderData:        buildProviderData(plan),
		NeedEmail:           true,
		SendEmailToProvider: true,
	})
	if err != nil {
		log.Printf("Handlers: send invoice for plan %d failed: %v", plan.ID, err)
		return 0, false
	}
	return sent.ID, true
}

func (bh *Handlers) HandlePreCheckout(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.PreCheckoutQuery == nil {
		return
	}

	ok, errMsg := bh.reconciler.OnPreCheckout(update.PreCheckoutQuery.InvoicePayload)
	_, err := b.AnswerPreCheckoutQuery(ctx, &bot.AnswerPreCheckoutQueryParams{
		PreCheckoutQueryID: update.PreCheckoutQuery.ID,
		OK:                 ok,
		ErrorMessage:       errMsg,
	})
	if err != nil {
		log.Printf("Handlers: answer pre-checkout %s failed: %v", update.PreCheckoutQuery.ID, err)
	}
}

func (bh *Handlers) HandleSuccessfulPayment(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.SuccessfulPayment == nil {
		return
	}

	userID := update.Message.From.ID
	p := update.Message.SuccessfulPayment

	raw, _ := json.Marshal(p)

	confirmed := reconcile.ConfirmedPayment{
		TelegramUserID: userID,
		InvoicePayload: p.InvoicePayload,
		ChargeID:       p.TelegramPaymentChargeID,
		Amount:         int64(p.TotalAmount),
		Currency:       p.Currency,
		Raw:            string(raw),
	}

	pending, err := bh.checkout.GetPendingPurchase(userID)
	if err != nil {
		pending = nil
	}

	bh.reconciler.OnPaymentConfirmed(ctx, confirmed, pending)

	if err := bh.checkout.ClearPendingPurchase(userID); err != nil {
		log.Printf("Handlers: clear pending purchase for user %d failed: %v", userID, err)
	}
}
