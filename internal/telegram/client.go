package telegram

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/go-telegram/bot"

	"github.com/clubpass/club-pass-bot/internal/messages"
)

// Client adapts the Telegram Bot API to the narrow messaging surface
// the rest of the application needs.
type Client struct {
	bot *bot.Bot
}

func NewClient(b *bot.Bot) *Client {
	return &Client{bot: b}
}

// CreateInviteLink mints a single-subscriber join-request link. Members
// never join directly, the join request is what ties the link back to
// its owner.
func (c *Client) CreateInviteLink(ctx context.Context, channelID int64) (string, error) {
	link, err := c.bot.CreateChatInviteLink(ctx, &bot.CreateChatInviteLinkParams{
		ChatID:             channelID,
		Name:               fmt.Sprintf("club-pass %s", uuid.NewString()[:8]),
		CreatesJoinRequest: true,
	})
	if err != nil {
		return "", fmt.Errorf("create invite link for channel %d: %w", channelID, err)
	}
	return link.InviteLink, nil
}

func (c *Client) RevokeInviteLink(ctx context.Context, channelID int64, inviteLink string) error {
	_, err := c.bot.RevokeChatInviteLink(ctx, &bot.RevokeChatInviteLinkParams{
		ChatID:     channelID,
		InviteLink: inviteLink,
	})
	if err != nil {
		return fmt.Errorf("revoke invite link for channel %d: %w", channelID, err)
	}
	return nil
}

func (c *Client) ApproveJoinRequest(ctx context.Context, channelID, userID int64) error {
	ok, err := c.bot.ApproveChatJoinRequest(ctx, &bot.ApproveChatJoinRequestParams{
		ChatID: channelID,
		UserID: userID,
	})
	if err != nil {
		return fmt.Errorf("approve join request for user %d: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("approve join request for user %d: rejected by API", userID)
	}
	return nil
}

func (c *Client) DeclineJoinRequest(ctx context.Context, channelID, userID int64) error {
	ok, err := c.bot.DeclineChatJoinRequest(ctx, &bot.DeclineChatJoinRequestParams{
		ChatID: channelID,
		UserID: userID,
	})
	if err != nil {
		return fmt.Errorf("decline join request for user %d: %w", userID, err)
	}
	if !ok {
		return fmt.Errorf("decline join request for user %d: rejected by API", userID)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, userID int64, text string) error {
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    userID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("send message to user %d: %w", userID, err)
	}
	return nil
}
