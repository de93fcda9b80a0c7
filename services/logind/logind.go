// Package logind forwards systemd-logind sleep notifications onto the bus.
package logind

import (
	"context"
	"io"
	"time"

	"furyrgb-go/bus"
	"furyrgb-go/errcode"
	"furyrgb-go/types"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	objectPath       = "/org/freedesktop/login1"
	managerInterface = "org.freedesktop.login1.Manager"
	memberSleep      = "PrepareForSleep"
)

// TopicSleep carries types.SleepEvent (not retained).
var TopicSleep = bus.T("power", "sleep")

// signalConn is the subset of *dbus.Conn the listener uses.
type signalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

var _ signalConn = (*dbus.Conn)(nil)

type Listener struct {
	dc  signalConn
	log logrus.FieldLogger
	now func() time.Time
}

// Dial connects to the system bus.
func Dial(log logrus.FieldLogger) (*Listener, error) {
	dc, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, &errcode.E{C: errcode.Unsupported, Op: "logind_dial", Err: err}
	}
	return newListener(dc, log), nil
}

func newListener(dc signalConn, log logrus.FieldLogger) *Listener {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Listener{dc: dc, log: log, now: time.Now}
}

func matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(objectPath),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember(memberSleep),
	}
}

// Run publishes a SleepEvent on TopicSleep for every PrepareForSleep signal
// until ctx ends or the D-Bus connection goes away.
func (l *Listener) Run(ctx context.Context, conn *bus.Connection) error {
	if err := l.dc.AddMatchSignal(matchOptions()...); err != nil {
		return &errcode.E{C: errcode.IOError, Op: "logind_match", Err: err}
	}
	defer func() { _ = l.dc.RemoveMatchSignal(matchOptions()...) }()

	ch := make(chan *dbus.Signal, 8)
	l.dc.Signal(ch)
	defer l.dc.RemoveSignal(ch)

	l.log.Debug("listening for logind PrepareForSleep")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				return &errcode.E{C: errcode.Closed, Op: "logind_run", Msg: "d-bus signal channel closed"}
			}
			goingDown, ok := parseSleep(sig)
			if !ok {
				continue
			}
			l.log.WithField("going_to_sleep", goingDown).Debug("prepare for sleep")
			conn.Publish(conn.NewMessage(TopicSleep, types.SleepEvent{
				GoingToSleep: goingDown,
				TS:           l.now().UnixMilli(),
			}, false))
		}
	}
}

// Close drops the D-Bus connection.
func (l *Listener) Close() error { return l.dc.Close() }

func parseSleep(sig *dbus.Signal) (bool, bool) {
	if sig == nil || sig.Name != managerInterface+"."+memberSleep || sig.Path != objectPath {
		return false, false
	}
	if len(sig.Body) != 1 {
		return false, false
	}
	b, ok := sig.Body[0].(bool)
	return b, ok
}
