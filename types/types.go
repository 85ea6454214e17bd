package types

import "time"

// Subscriber is an end user identified by a stable Telegram user id.
// Created on first interaction, never deleted.
type Subscriber struct {
	ID             int64
	TelegramUserID int64
	Username       string
	FirstName      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Plan is an immutable catalog entry: what you buy, for how long, and
// which channel it opens. Prices are in minor currency units (kopeks).
type Plan struct {
	ID           int64
	Name         string
	Description  string
	Price        int64
	DurationDays int
	ChannelID    int64
	CreatedAt    time.Time
}

// Subscription is a time-bounded access grant for one subscriber to one
// channel under one plan. ChannelID is denormalized from the plan so that
// revocation never needs a plan lookup. An empty InviteLink means no
// unused credential is outstanding.
type Subscription struct {
	ID               int64
	SubscriberID     int64
	PlanID           int64
	ChannelID        int64
	StartDate        time.Time
	EndDate          time.Time
	IsActive         bool
	InviteLink       string
	PaymentChargeID  string
	ReminderSent     bool
	ExpiryNoticeSent bool
	TerminalReason   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const (
	ReasonCanceled = "canceled"
	ReasonExpired  = "expired"
)

// PaymentError is an append-only record of a confirmed payment the system
// could not turn into a grant. Resolved only by explicit operator action.
type PaymentError struct {
	ID              int64
	TelegramUserID  int64
	PlanID          int64
	ChargeID        string
	Amount          int64
	Currency        string
	ErrorMessage    string
	InvoicePayload  string
	RawPayload      string
	StackTrace      string
	IsResolved      bool
	ResolutionNotes string
	ResolvedAt      *time.Time
	CreatedAt       time.Time
}

// PendingPurchase is the short-lived checkout context for one interaction:
// what the next confirmed payment should mean, and which chat messages to
// clean up afterwards. Stored with a TTL and cleared once consumed.
type PendingPurchase struct {
	Intent         string
	PlanID         int64
	SubscriptionID int64
	PreviewMsgID   int
	InvoiceMsgID   int
	CreatedAt      time.Time
}

const (
	IntentNew    = "new"
	IntentExtend = "extend"
)
