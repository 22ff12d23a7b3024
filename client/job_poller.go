package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"anivid/models"
)

// ErrPollTimeout is returned when a poll budget is exhausted before the
// watched state appears. Timeouts are not failures; the job may still
// finish later.
var ErrPollTimeout = errors.New("polling attempt budget exhausted")

// FetchTaskFunc loads the current state of a generation task.
type FetchTaskFunc func(ctx context.Context, taskID string) (*models.GenerationTask, error)

// FetchKeyFunc loads a foreign key off some other resource in dependent-poll
// mode. An empty key means the dependent artifact does not exist yet.
type FetchKeyFunc func(ctx context.Context) (string, error)

// PollCallbacks receive the outcome of a polling loop. Timeout is reported
// separately from failure: a timed-out job may still be running.
type PollCallbacks struct {
	OnUpdate    func(task *models.GenerationTask)
	OnCompleted func(results []models.GenerationResult)
	OnFailed    func(message string)
	OnTimeout   func()
}

// JobPoller drives fixed-interval status loops against the generation
// backend. Each Poll call runs independently and is individually
// cancellable, so a caller that stops caring about one task does not leave
// an orphaned loop firing requests.
type JobPoller struct {
	fetch       FetchTaskFunc
	interval    time.Duration
	maxAttempts int
}

func NewJobPoller(fetch FetchTaskFunc, interval time.Duration, maxAttempts int) *JobPoller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	return &JobPoller{fetch: fetch, interval: interval, maxAttempts: maxAttempts}
}

// Poll watches taskID until it reaches a terminal status or the attempt
// budget runs out. The returned cancel stops the loop and waits for it to
// exit; no callback fires after cancel returns.
func (p *JobPoller) Poll(taskID string, cb PollCallbacks) (cancel func()) {
	ctx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for attempt := 1; attempt <= p.maxAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			task, err := p.fetch(ctx, taskID)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Printf("ERROR: [JobPoller] fetch task %s: %v", taskID, err)
				if cb.OnFailed != nil {
					cb.OnFailed(err.Error())
				}
				return
			}

			switch task.Status {
			case models.GenerationCompleted:
				if cb.OnCompleted != nil {
					cb.OnCompleted(task.Results)
				}
				return
			case models.GenerationFailed:
				if cb.OnFailed != nil {
					cb.OnFailed(task.ErrorMessage)
				}
				return
			default:
				if cb.OnUpdate != nil {
					cb.OnUpdate(task)
				}
			}
		}

		if cb.OnTimeout != nil {
			cb.OnTimeout()
		}
	}()

	return func() {
		stop()
		wg.Wait()
	}
}

// WaitForDependent polls fetchKey until it returns a non-empty key, for
// artifacts that only come into existence as a side effect of a completed
// job. Transient fetch errors count an attempt and the loop keeps going;
// only an exhausted budget or a cancelled context ends it.
func WaitForDependent(ctx context.Context, fetchKey FetchKeyFunc, interval time.Duration, maxAttempts int) (string, error) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 30
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		key, err := fetchKey(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("WARN: [JobPoller] dependent fetch attempt %d/%d: %v", attempt, maxAttempts, err)
		} else if key != "" {
			return key, nil
		}

		timer.Reset(interval)
	}
	return "", ErrPollTimeout
}
