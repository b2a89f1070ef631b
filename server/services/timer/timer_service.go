// Package timer implements the background timer poller that re-enters
// runs suspended on a sleep too long to block a request handler for, and
// fails runs whose hook or plan-level deadline has passed: a
// StatefulService loop selecting between a poll interval and a test-only
// on-demand check channel.
package timer

import (
	"context"
	"time"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/common/util"
	"github.com/flowbeaver/flowbeaver/server/services/run"
)

const (
	defaultPollInterval = 5 * time.Second
	wakeBatchSize       = 100
)

// waker is the subset of interpreter.Service the timer poller needs; kept
// as an interface so timer tests can supply a fake without constructing a
// real interpreter.
type waker interface {
	WakeFromTimer(ctx context.Context, runID models.RunID) error
	FailExpiredHook(ctx context.Context, runID models.RunID) error
	FailExpiredPlan(ctx context.Context, runID models.RunID) error
}

type checkRequest struct {
	done chan int
}

// Service polls the run registry for paused runs whose sleep timer has
// fired and drives them back through the interpreter.
type Service struct {
	*util.StatefulService
	runs         *run.Service
	interp       waker
	pollInterval time.Duration
	checkChan    chan *checkRequest
	log          logger.Log
}

func NewService(runs *run.Service, interp waker, logFactory logger.LogFactory) *Service {
	return NewServiceWithPollInterval(runs, interp, defaultPollInterval, logFactory)
}

// NewServiceWithPollInterval is NewService with an explicit poll interval,
// for a deployment that wants a tighter or looser sleep-wake cadence than
// the default.
func NewServiceWithPollInterval(runs *run.Service, interp waker, pollInterval time.Duration, logFactory logger.LogFactory) *Service {
	s := &Service{
		runs:         runs,
		interp:       interp,
		pollInterval: pollInterval,
		checkChan:    make(chan *checkRequest),
		log:          logFactory("timer_service"),
	}
	s.StatefulService = util.NewStatefulService(context.Background(), s.log, s.loop)
	return s
}

func (s *Service) loop() {
	for {
		select {
		case <-s.StatefulService.Ctx().Done():
			return
		case req := <-s.checkChan:
			req.done <- s.wakeExpired()
		case <-time.After(s.pollInterval):
			s.wakeExpired()
		}
	}
}

func (s *Service) wakeExpired() int {
	ctx := s.StatefulService.Ctx()
	now := models.NewTime(time.Now())

	woken := 0
	expired, err := s.runs.ListPausedWithExpiredTimer(ctx, now, wakeBatchSize)
	if err != nil {
		s.log.Errorf("error listing paused runs with expired timers: %s", err.Error())
	} else {
		for _, r := range expired {
			if err := s.interp.WakeFromTimer(ctx, r.GetRunID()); err != nil {
				s.log.Errorf("error waking run %s from timer: %s", r.GetID().String(), err.Error())
				continue
			}
			woken++
		}
	}

	timedOut, err := s.runs.ListPausedWithExpiredHook(ctx, now, wakeBatchSize)
	if err != nil {
		s.log.Errorf("error listing paused runs with expired hooks: %s", err.Error())
	} else {
		for _, r := range timedOut {
			if err := s.interp.FailExpiredHook(ctx, r.GetRunID()); err != nil {
				s.log.Errorf("error failing run %s on hook timeout: %s", r.GetID().String(), err.Error())
				continue
			}
			woken++
		}
	}

	planExpired, err := s.runs.ListNonTerminalWithExpiredPlanTimeout(ctx, now, wakeBatchSize)
	if err != nil {
		s.log.Errorf("error listing runs with expired plan timeouts: %s", err.Error())
	} else {
		for _, r := range planExpired {
			if err := s.interp.FailExpiredPlan(ctx, r.GetRunID()); err != nil {
				s.log.Errorf("error failing run %s on plan timeout: %s", r.GetID().String(), err.Error())
				continue
			}
			woken++
		}
	}
	return woken
}

// CheckNow forces an immediate poll and blocks until it completes,
// returning the number of runs acted on (woken from a sleep timer, or
// failed on a hook or plan timeout); used by tests.
func (s *Service) CheckNow() int {
	req := &checkRequest{done: make(chan int)}
	s.checkChan <- req
	return <-req.done
}
