package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"raffler/domain"
	"raffler/domain/interfaces"
)

// RaffleMessagePoster publishes messages to raffle queues
type RaffleMessagePoster interface {
	Post(ctx context.Context, msg RaffleMessage) error
}

// DeadlineWorker periodically closes raffles whose deadline has passed. The draw itself
// runs on the raffle's own consumer, so the sweep only posts a finish request.
type DeadlineWorker struct {
	uowFactory interfaces.UnitOfWorkFactory
	poster     RaffleMessagePoster
	interval   time.Duration
	now        func() time.Time
}

// NewDeadlineWorker creates a worker that sweeps every interval
func NewDeadlineWorker(uowFactory interfaces.UnitOfWorkFactory, poster RaffleMessagePoster, interval time.Duration) *DeadlineWorker {
	return &DeadlineWorker{
		uowFactory: uowFactory,
		poster:     poster,
		interval:   interval,
		now:        time.Now,
	}
}

// Start schedules the sweep and returns a function that stops it
func (w *DeadlineWorker) Start(ctx context.Context) (func(), error) {
	scheduler := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(log.StandardLogger()))))

	schedule := fmt.Sprintf("@every %s", w.interval)
	if _, err := scheduler.AddFunc(schedule, func() {
		if _, err := w.Sweep(ctx); err != nil {
			log.WithError(err).Error("Deadline sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule deadline sweep: %w", err)
	}

	scheduler.Start()
	log.WithField("interval", w.interval).Info("Deadline worker started")

	return func() {
		<-scheduler.Stop().Done()
		log.Info("Deadline worker stopped")
	}, nil
}

// Sweep posts a deadline finish for every active raffle past its end time. Returns the number posted.
func (w *DeadlineWorker) Sweep(ctx context.Context) (int, error) {
	uow := w.uowFactory.Create()
	if err := uow.Begin(ctx); err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	expired, err := uow.RaffleRepository().ListExpired(ctx, w.now())
	uow.Rollback()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired raffles: %w", err)
	}

	posted := 0
	for _, raffle := range expired {
		err := w.poster.Post(ctx, NewFinishMessage(raffle.ID, interfaces.TriggerDeadline))
		if errors.Is(err, domain.ErrRaffleFinished) {
			// The queue is already gone; the draw is in progress or done
			continue
		}
		if err != nil {
			log.WithError(err).WithField("raffleID", raffle.ID).Warn("Failed to post deadline finish")
			continue
		}
		posted++
		log.WithFields(log.Fields{
			"raffleID": raffle.ID,
			"endsAt":   raffle.EndsAt,
		}).Info("Raffle deadline reached, finish requested")
	}
	return posted, nil
}
