// Package rgb keeps the module lighting applied: once at start, again after
// every resume from suspend, and whenever the configured command changes.
//
// At most one apply runs at a time. A request that arrives while one is
// running is folded into a single follow-up run; further requests before that
// run starts are dropped, since it will apply the latest command anyway.
package rgb

import (
	"context"
	"io"
	"sync"
	"time"

	"furyrgb-go/bus"
	"furyrgb-go/errcode"
	"furyrgb-go/services/config"
	"furyrgb-go/services/logind"
	"furyrgb-go/types"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TopicState carries types.ApplyState (retained).
var TopicState = bus.T("rgb", "state")

// Applier is satisfied by *fury.Controller.
type Applier interface {
	SetStaticColor(ctx context.Context, cmd types.Command) error
	Slots() []types.Slot
}

type Service struct {
	ctl   Applier
	conn  *bus.Connection
	log   logrus.FieldLogger
	newID func() string
	now   func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cmd     types.Command
	running bool
	pending bool
	stopped bool
	idle    chan struct{} // closed when no apply is in flight
}

func New(ctl Applier, cmd types.Command, conn *bus.Connection, log logrus.FieldLogger) *Service {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	idle := make(chan struct{})
	close(idle)
	return &Service{
		ctl:   ctl,
		conn:  conn,
		log:   log,
		newID: func() string { return uuid.NewString() },
		now:   time.Now,
		ctx:   context.Background(),
		cmd:   cmd,
		idle:  idle,
	}
}

// Run applies the command once, then follows sleep events and configuration
// updates on the bus until ctx ends. It returns after the in-flight apply,
// if any, has finished.
func (s *Service) Run(ctx context.Context) error {
	sleepSub := s.conn.Subscribe(logind.TopicSleep)
	defer s.conn.Unsubscribe(sleepSub)
	cfgSub := s.conn.Subscribe(config.TopicRGB)
	defer s.conn.Unsubscribe(cfgSub)

	s.mu.Lock()
	s.ctx = ctx
	s.publishLocked(types.ApplyState{Level: types.ApplyIdle})
	s.mu.Unlock()

	s.schedule("startup")

	for {
		select {
		case <-ctx.Done():
			idle := s.stop()
			select {
			case <-idle:
			default:
				s.log.Info("shutting down, waiting for pending color change")
				<-idle
			}
			s.mu.Lock()
			s.publishLocked(types.ApplyState{Level: types.ApplyStopped, Command: s.cmd})
			s.mu.Unlock()
			return nil

		case m, ok := <-sleepSub.Channel():
			if !ok {
				return s.detached()
			}
			if ev, ok := m.Payload.(types.SleepEvent); ok {
				s.OnSleep(ev.GoingToSleep)
			}

		case m, ok := <-cfgSub.Channel():
			if !ok {
				return s.detached()
			}
			if cmd, ok := m.Payload.(types.Command); ok {
				s.SetCommand(cmd)
			}
		}
	}
}

// detached stops the service after its bus connection was torn down.
func (s *Service) detached() error {
	<-s.stop()
	return &errcode.E{C: errcode.Closed, Op: "rgb_run", Msg: "bus connection closed"}
}

// OnSleep handles a logind PrepareForSleep edge. Only the wake edge
// (goingToSleep == false) does anything.
func (s *Service) OnSleep(goingToSleep bool) {
	if goingToSleep {
		return
	}
	s.log.Info("waking from suspend, reapplying rgb color")
	s.schedule("resume")
}

// SetCommand replaces the command and re-applies if it changed.
func (s *Service) SetCommand(cmd types.Command) {
	s.mu.Lock()
	if cmd == s.cmd {
		s.mu.Unlock()
		return
	}
	s.cmd = cmd
	s.mu.Unlock()
	s.log.Infof("configured color changed to %s", cmd)
	s.schedule("config")
}

// Command returns the command the next apply will use.
func (s *Service) Command() types.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd
}

// Wait blocks until no apply is in flight or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------- state machine ----------------

func (s *Service) schedule(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		s.log.WithField("reason", reason).Debug("stopped, ignoring apply request")
	case s.running && s.pending:
		s.log.WithField("reason", reason).Debug("apply already queued")
	case s.running:
		s.pending = true
	default:
		s.running = true
		s.idle = make(chan struct{})
		go s.loop(s.ctx, reason, s.idle)
	}
}

// stop refuses further requests and returns the channel that closes once the
// in-flight apply completes.
func (s *Service) stop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = false
	return s.idle
}

func (s *Service) loop(ctx context.Context, reason string, idle chan struct{}) {
	defer close(idle)
	// Shutdown must not cut a transfer bracket short.
	ctx = context.WithoutCancel(ctx)
	for {
		s.mu.Lock()
		cmd := s.cmd
		s.mu.Unlock()

		s.apply(ctx, reason, cmd)

		s.mu.Lock()
		if !s.pending || s.stopped {
			s.running, s.pending = false, false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
		reason = "coalesced"
	}
}

func (s *Service) apply(ctx context.Context, reason string, cmd types.Command) {
	id := s.newID()
	log := s.log.WithFields(logrus.Fields{"run_id": id, "reason": reason})
	slots := len(s.ctl.Slots())

	s.mu.Lock()
	s.publishLocked(types.ApplyState{Level: types.ApplyRunning, RunID: id, Command: cmd, Slots: slots})
	s.mu.Unlock()

	start := s.now()
	err := s.ctl.SetStaticColor(ctx, cmd)

	st := types.ApplyState{Level: types.ApplyIdle, RunID: id, Command: cmd, Slots: slots}
	if err != nil {
		st.Error = string(errcode.Of(err))
		log.WithError(err).Error("failed to apply rgb color")
	} else {
		log.WithField("took", s.now().Sub(start)).Debug("rgb color applied")
	}
	s.mu.Lock()
	if s.pending && !s.stopped {
		st.Level = types.ApplyRunning
	}
	s.publishLocked(st)
	s.mu.Unlock()
}

func (s *Service) publishLocked(st types.ApplyState) {
	st.TS = s.now().UnixMilli()
	s.conn.Publish(s.conn.NewMessage(TopicState, st, true))
}
