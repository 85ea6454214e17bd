package handlers

import (
	"context"
	"log"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/clubpass/club-pass-bot/internal/messages"
)

// HandleJoinRequest gates channel membership on the invite link the
// request came through. A valid link is approved and then immediately
// revoked so it cannot be reused or shared.
func (bh *Handlers) HandleJoinRequest(ctx context.Context, b *bot.Bot, update *models.Update) {
	req := update.ChatJoinRequest
	if req == nil {
		return
	}

	link := ""
	if req.InviteLink != nil {
		link = req.InviteLink.InviteLink
	}

	ok, sub := bh.broker.ValidateJoinRequest(ctx, link, req.From.ID)
	if !ok {
		_, err := b.DeclineChatJoinRequest(ctx, &bot.DeclineChatJoinRequestParams{
			ChatID: req.Chat.ID,
			UserID: req.From.ID,
		})
		if err != nil {
			log.Printf("Handlers: decline join request from user %d failed: %v", req.From.ID, err)
			return
		}
		bh.sendText(ctx, b, req.From.ID, messages.JoinDeclined())
		return
	}

	_, err := b.ApproveChatJoinRequest(ctx, &bot.ApproveChatJoinRequestParams{
		ChatID: req.Chat.ID,
		UserID: req.From.ID,
	})
	if err != nil {
		log.Printf("Handlers: approve join request from user %d failed: %v", req.From.ID, err)
		return
	}

	// The link served its purpose. Revoke it so the subscription is no
	// longer joinable through it.
	if err := bh.engine.RevokeCredential(ctx, sub.ID); err != nil {
		log.Printf("Handlers: revoke used invite link for subscription %d failed: %v", sub.ID, err)
	}

	bh.sendText(ctx, b, req.From.ID, messages.JoinApproved())
}
