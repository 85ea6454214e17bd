package sweeper

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/clubpass/club-pass-bot/internal/engine"
	"github.com/clubpass/club-pass-bot/internal/messages"
	"github.com/clubpass/club-pass-bot/types"
)

const (
	defaultInterval     = 60 * time.Second
	defaultReminderLead = 24 * time.Hour
	passTimeout         = 30 * time.Second
)

// Sweeper periodically expires lapsed subscriptions and notifies
// subscribers about upcoming and past expirations.
type Sweeper struct {
	engine      *engine.Engine
	subscribers types.SubscriberStore
	messenger   types.Messenger

	interval     time.Duration
	reminderLead time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	tickMu  sync.Mutex

	lastCheck time.Time
}

type Config struct {
	Interval     time.Duration
	ReminderLead time.Duration
}

func NewSweeper(eng *engine.Engine, subscribers types.SubscriberStore, messenger types.Messenger, config Config) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = defaultInterval
	}
	if config.ReminderLead <= 0 {
		config.ReminderLead = defaultReminderLead
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		engine:       eng,
		subscribers:  subscribers,
		messenger:    messenger,
		interval:     config.Interval,
		reminderLead: config.ReminderLead,
		ctx:          ctx,
		cancel:       cancel,
		lastCheck:    time.Now(),
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	log.Printf("Sweeper started, interval %s", s.interval)

	s.wg.Add(1)
	go s.loop()
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("Stopping sweeper...")
	s.cancel()
	s.wg.Wait()
	log.Println("Sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Tick runs one sweep. Overlapping ticks are skipped so a slow pass
// never stacks behind the next timer fire.
func (s *Sweeper) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		log.Println("Sweeper: previous tick still running, skipping")
		return
	}
	defer s.tickMu.Unlock()

	now := time.Now()

	if err := s.sendReminders(ctx, now); err != nil {
		log.Printf("Sweeper: reminder pass failed: %v", err)
	}
	if err := s.expireLapsed(ctx, now); err != nil {
		log.Printf("Sweeper: expiry pass failed: %v", err)
	}
	if err := s.noticeMissedExpirations(ctx, now); err != nil {
		log.Printf("Sweeper: trailing notice pass failed: %v", err)
	}

	s.lastCheck = now
}

func (s *Sweeper) sendReminders(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	subs, err := s.engine.ListExpiringWithin(ctx, s.reminderLead)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.ReminderSent {
			continue
		}
		userID, err := s.telegramUserID(ctx, sub.SubscriberID)
		if err != nil {
			log.Printf("Sweeper: subscriber %d lookup failed: %v", sub.SubscriberID, err)
			continue
		}
		if err := s.messenger.SendMessage(ctx, userID, messages.ReminderExpiring()); err != nil {
			log.Printf("Sweeper: reminder to user %d failed: %v", userID, err)
			continue
		}
		if err := s.engine.MarkReminderSent(ctx, sub.ID); err != nil {
			log.Printf("Sweeper: mark reminder for subscription %d failed: %v", sub.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) expireLapsed(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	subs, err := s.engine.ListExpiredSince(ctx, now)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		committed, err := s.engine.CancelOrExpire(ctx, sub.ID, types.ReasonExpired)
		if err != nil {
			if errors.Is(err, engine.ErrRevocationFailed) {
				log.Printf("Sweeper: subscription %d expired but link revocation failed: %v", sub.ID, err)
			} else {
				log.Printf("Sweeper: expiring subscription %d failed: %v", sub.ID, err)
				continue
			}
		}
		if !committed {
			continue
		}

		userID, lookupErr := s.telegramUserID(ctx, sub.SubscriberID)
		if lookupErr != nil {
			log.Printf("Sweeper: subscriber %d lookup failed: %v", sub.SubscriberID, lookupErr)
			continue
		}
		if err := s.messenger.SendMessage(ctx, userID, messages.ExpiredNotice()); err != nil {
			log.Printf("Sweeper: expiry notice to user %d failed: %v", userID, err)
			continue
		}
		if err := s.engine.MarkExpiryNoticeSent(ctx, sub.ID); err != nil {
			log.Printf("Sweeper: mark expiry notice for subscription %d failed: %v", sub.ID, err)
		}
	}
	return nil
}

// noticeMissedExpirations covers subscriptions that lapsed while the
// process was down or a pass failed. They are already inactive, only
// the notice is outstanding.
func (s *Sweeper) noticeMissedExpirations(ctx context.Context, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	subs, err := s.engine.ListExpiredBetween(ctx, s.lastCheck, now)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.IsActive || sub.ExpiryNoticeSent {
			continue
		}
		userID, err := s.telegramUserID(ctx, sub.SubscriberID)
		if err != nil {
			log.Printf("Sweeper: subscriber %d lookup failed: %v", sub.SubscriberID, err)
			continue
		}
		if err := s.messenger.SendMessage(ctx, userID, messages.ExpiredNotice()); err != nil {
			log.Printf("Sweeper: expiry notice to user %d failed: %v", userID, err)
			continue
		}
		if err := s.engine.MarkExpiryNoticeSent(ctx, sub.ID); err != nil {
			log.Printf("Sweeper: mark expiry notice for subscription %d failed: %v", sub.ID, err)
		}
	}
	return nil
}

func (s *Sweeper) telegramUserID(ctx context.Context, subscriberID int64) (int64, error) {
	sub, err := s.subscribers.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return 0, err
	}
	return sub.TelegramUserID, nil
}
