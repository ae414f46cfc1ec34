package runtime

import (
	"context"
	"fmt"
	"time"

	loggingpkg "github.com/drblury/ramqp/internal/runtime/logging"
	transportpkg "github.com/drblury/ramqp/transport"
)

// startPeriodic samples liveness and queue depth until ctx is done. Sampling
// runs on its own channel, so a failed sample never touches the consuming
// channel, and a panic inside one round is logged and does not end the task.
func (s *System) startPeriodic(ctx context.Context, interval time.Duration) {
	s.work.Add(1)
	go func() {
		defer s.work.Done()

		var sampler transportpkg.Channel
		defer func() {
			if sampler != nil && !sampler.IsClosed() {
				_ = sampler.Close()
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			sampler = s.sample(sampler)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *System) sample(sampler transportpkg.Channel) (next transportpkg.Channel) {
	next = sampler
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("Periodic task failed", fmt.Errorf("%v", r), nil)
		}
	}()

	s.observer.Periodic(time.Now())

	s.mu.Lock()
	conn := s.conn
	queues := make(map[string]queueState, len(s.queues))
	for handler, q := range s.queues {
		queues[handler] = q
	}
	s.mu.Unlock()

	if conn == nil || conn.IsClosed() || len(queues) == 0 {
		return next
	}
	if next == nil || next.IsClosed() {
		ch, err := conn.Channel()
		if err != nil {
			s.Logger.Debug("Unable to open sampling channel", loggingpkg.LogFields{"error": err.Error()})
			return nil
		}
		next = ch
	}

	for handler, q := range queues {
		info, err := next.QueueDeclarePassive(q.name, true, false, false, false, nil)
		if err != nil {
			// The broker closed the channel; a new one is opened next round.
			fields := loggingpkg.LogFields{"queue": q.name, "function": handler}
			if transportpkg.IsNotFound(err) {
				s.Logger.Error("Queue no longer exists", err, fields)
				_, stats := s.handlerState(handler)
				stats.setBacklog(-1)
				return next
			}
			fields["error"] = err.Error()
			s.Logger.Debug("Unable to sample queue depth", fields)
			return next
		}
		s.observer.Backlog(handler, info.Messages)
		_, stats := s.handlerState(handler)
		stats.setBacklog(info.Messages)
	}
	return next
}
