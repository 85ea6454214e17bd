package contextkeys

import (
	"context"

	"github.com/clubpass/club-pass-bot/types"
)

type messageTypeKey struct{}
type subscriberKey struct{}
type callbackDataKey struct{}

type MessageType string

const (
	MessageTypeText        MessageType = "text"
	MessageTypeCommand     MessageType = "command"
	MessageTypeClickButton MessageType = "clickButton"
	MessageTypePayment     MessageType = "payment"
	MessageTypeJoinRequest MessageType = "joinRequest"
	MessageTypeUnknown     MessageType = "unknown"
)

func WithMessageType(ctx context.Context, msgType MessageType) context.Context {
	return context.WithValue(ctx, messageTypeKey{}, msgType)
}

func GetMessageType(ctx context.Context) (MessageType, bool) {
	v := ctx.Value(messageTypeKey{})
	if v == nil {
		return MessageTypeUnknown, false
	}
	return v.(MessageType), true
}

func WithSubscriber(ctx context.Context, sub *types.Subscriber) context.Context {
	return context.WithValue(ctx, subscriberKey{}, sub)
}

func GetSubscriber(ctx context.Context) (*types.Subscriber, bool) {
	v := ctx.Value(subscriberKey{})
	if v == nil {
		return nil, false
	}
	return v.(*types.Subscriber), true
}

func WithCallbackData(ctx context.Context, data string) context.Context {
	return context.WithValue(ctx, callbackDataKey{}, data)
}

func GetCallbackData(ctx context.Context) (string, bool) {
	v := ctx.Value(callbackDataKey{})
	if v == nil {
		return "", false
	}
	return v.(string), true
}
