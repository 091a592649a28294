package service

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/robfig/cron/v3"
	debtDomain "github.com/groupledger/tabbot/debt"
	"github.com/groupledger/tabbot/setting"
)

// Scheduler drives the two recurring jobs: debt reminders at a configured
// cadence and time of day, and purging of expired idempotency records.
type Scheduler struct {
	service *Service
	cron    *cron.Cron

	lock          sync.Mutex
	reminderEntry cron.EntryID
}

func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{
		service: service,
		cron:    cron.New(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.scheduleReminderJob(ctx); err != nil {
		return fmt.Errorf("scheduling reminder job: %w", err)
	}

	cleanupSpec := fmt.Sprintf("@every %s", s.service.cfg.CleanupInterval)
	if _, err := s.cron.AddFunc(cleanupSpec, func() { s.RunCleanup(context.Background()) }); err != nil {
		return fmt.Errorf("scheduling cleanup job: %w", err)
	}

	s.cron.Start()
	log.Println("Scheduler started")
	return nil
}

// Stop halts the cron loop; running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	log.Println("Scheduler stopped")
}

// UpdateCadence persists the new reminder frequency (in days) and swaps the
// cron entry in place, without a process restart.
func (s *Scheduler) UpdateCadence(ctx context.Context, days int) error {
	if days < 1 {
		return fmt.Errorf("reminder cadence must be at least 1 day, got %d", days)
	}
	if err := s.service.SetSetting(ctx, setting.KeyReminderFrequency, strconv.Itoa(days)); err != nil {
		return fmt.Errorf("persisting reminder frequency: %w", err)
	}
	return s.scheduleReminderJob(ctx)
}

// UpdateTimeOfDay persists the new HH:MM reminder time and reschedules.
func (s *Scheduler) UpdateTimeOfDay(ctx context.Context, timeOfDay string) error {
	if _, _, err := parseTimeOfDay(timeOfDay); err != nil {
		return err
	}
	if err := s.service.SetSetting(ctx, setting.KeyReminderTime, timeOfDay); err != nil {
		return fmt.Errorf("persisting reminder time: %w", err)
	}
	return s.scheduleReminderJob(ctx)
}

func (s *Scheduler) scheduleReminderJob(ctx context.Context) error {
	spec, err := s.reminderSpec(ctx)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.reminderEntry != 0 {
		s.cron.Remove(s.reminderEntry)
	}
	entry, err := s.cron.AddFunc(spec, func() { s.RunReminders(context.Background()) })
	if err != nil {
		return fmt.Errorf("adding reminder cron entry %q: %w", spec, err)
	}
	s.reminderEntry = entry

	log.Printf("Reminder job scheduled with spec %q\n", spec)
	return nil
}

// reminderSpec builds the cron spec from the persisted settings: every N days
// at the configured time of day.
func (s *Scheduler) reminderSpec(ctx context.Context) (string, error) {
	frequency := setting.DefaultReminderFrequency
	if raw, ok, err := s.service.GetSetting(ctx, setting.KeyReminderFrequency); err != nil {
		return "", fmt.Errorf("reading reminder frequency: %w", err)
	} else if ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return "", fmt.Errorf("invalid reminder frequency setting %q", raw)
		}
		frequency = parsed
	}

	timeOfDay := setting.DefaultReminderTime
	if raw, ok, err := s.service.GetSetting(ctx, setting.KeyReminderTime); err != nil {
		return "", fmt.Errorf("reading reminder time: %w", err)
	} else if ok {
		timeOfDay = raw
	}

	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}

	if frequency == 1 {
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	}
	return fmt.Sprintf("%d %d */%d * *", minute, hour, frequency), nil
}

// RunReminders is one firing of the reminder job. A failure on one debt never
// aborts the rest of the batch, and a debt is only stamped after its
// notification went out.
func (s *Scheduler) RunReminders(ctx context.Context) {
	debts, err := s.service.GetDebtsDueForReminder(ctx)
	if err != nil {
		log.Printf("Error listing debts due for reminder: %v\n", err)
		return
	}
	if len(debts) == 0 {
		return
	}

	log.Printf("Sending reminders for %d debts\n", len(debts))
	for _, d := range debts {
		if err := s.remindDebt(ctx, d); err != nil {
			log.Printf("Error reminding about debt %d: %v\n", d.ID, err)
			continue
		}
		if err := s.service.MarkReminderSent(ctx, d.ID); err != nil {
			log.Printf("Error stamping reminder for debt %d: %v\n", d.ID, err)
		}
	}
}

func (s *Scheduler) remindDebt(ctx context.Context, d *debtDomain.Debt) error {
	if s.service.eventNotification == nil {
		return fmt.Errorf("nil eventNotification")
	}
	return s.service.eventNotification.NotifyUser(ctx, d.DebtorID, EventDebtReminder, NotificationPayload{
		DebtID:         d.ID,
		CounterpartyID: d.CreditorID,
		Amount:         d.Amount,
		Description:    d.Description,
	})
}

// RunCleanup is one firing of the cleanup job. Failures are logged, never
// fatal.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	deleted, err := s.service.CleanupExpiredOperations(ctx)
	if err != nil {
		log.Printf("Error cleaning up expired operations: %v\n", err)
		return
	}
	if deleted > 0 {
		log.Printf("Removed %d expired operations\n", deleted)
	}
}

func parseTimeOfDay(timeOfDay string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(timeOfDay, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("parsing time of day %q (HH:MM format): %w", timeOfDay, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q out of range", timeOfDay)
	}
	return hour, minute, nil
}
