package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"furyrgb-go/bus"
	"furyrgb-go/drivers/fury"
	"furyrgb-go/drivers/smbus"
	"furyrgb-go/errcode"
	"furyrgb-go/services/config"
	"furyrgb-go/services/discovery"
	"furyrgb-go/services/logind"
	"furyrgb-go/services/rgb"
	"furyrgb-go/x/mathx"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"tinygo.org/x/drivers"
)

// hardware is an open bus channel with its confirmed modules.
type hardware struct {
	ch        *smbus.Channel
	ctl       *fury.Controller
	simulated bool
}

func (h *hardware) Close() error { return h.ch.Close() }

// openHardware discovers candidates, opens their SMBus and confirms each
// module's signature. With --simulate the bus is an in-memory simulator.
func (a *app) openHardware(ctx context.Context) (*hardware, error) {
	log := a.logger
	var (
		dev   drivers.I2C
		addrs []uint16
	)

	if n := a.opts.simulate; n != 0 {
		if !mathx.Between(n, 1, fury.MaxSlots) {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "simulate", Msg: fmt.Sprintf("%d modules, want 1..%d", n, fury.MaxSlots)}
		}
		for i := 0; i < n; i++ {
			addrs = append(addrs, fury.BaseAddr+uint16(i))
		}
		dev = fury.NewSim(addrs...)
		log.Warnf("using %d simulated modules", n)
	} else {
		cands, err := discovery.New(a.cfg.Sysfs, log.WithField("component", "discovery")).Scan()
		if err != nil {
			return nil, err
		}
		busNum := cands.Bus
		if a.cfg.Bus >= 0 && a.cfg.Bus != busNum {
			log.Infof("using smbus %d instead of discovered %d", a.cfg.Bus, busNum)
			busNum = a.cfg.Bus
		}
		d, err := smbus.Open(busNum)
		if err != nil {
			return nil, &errcode.E{C: errcode.IOError, Op: "open_smbus", Err: err}
		}
		dev, addrs = d, cands.Addrs
	}

	ch := smbus.New(dev, a.cfg.ChannelConfig(), log.WithField("component", "smbus"))
	slots, err := fury.Confirm(ctx, ch, addrs, log)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	ctl, err := fury.NewController(ch, slots, log)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &hardware{ch: ch, ctl: ctl, simulated: a.opts.simulate != 0}, nil
}

// interrupted reports whether err is a shutdown signal that arrived while
// the modules were still being confirmed. That is a clean exit, not a
// startup failure.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (a *app) runDetect(ctx context.Context, out io.Writer) error {
	hw, err := a.openHardware(ctx)
	if interrupted(ctx, err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer hw.Close()
	for _, s := range hw.ctl.Slots() {
		fmt.Fprintf(out, "slot %d: 0x%02x\n", s.Index, s.Addr)
	}
	return nil
}

func (a *app) runSet(ctx context.Context) error {
	cmd, err := a.cfg.Command()
	if err != nil {
		return err
	}
	hw, err := a.openHardware(ctx)
	if interrupted(ctx, err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer hw.Close()
	return hw.ctl.SetStaticColor(context.WithoutCancel(ctx), cmd)
}

// runDaemon applies the color, then keeps it applied across resumes until
// ctx ends. Startup failures return before any service starts.
func (a *app) runDaemon(ctx context.Context) error {
	cmd, err := a.cfg.Command()
	if err != nil {
		return err
	}
	hw, err := a.openHardware(ctx)
	if interrupted(ctx, err) {
		a.logger.Info("interrupted during startup")
		return nil
	}
	if err != nil {
		return err
	}
	defer hw.Close()

	var listener *logind.Listener
	if !hw.simulated {
		listener, err = logind.Dial(a.logger.WithField("component", "logind"))
		if err != nil {
			return err
		}
		defer listener.Close()
	}

	b := bus.NewBus(16)
	cfgConn := b.NewConnection("config")
	if err := config.Publish(cfgConn, a.cfg); err != nil {
		return err
	}
	svc := rgb.New(hw.ctl, cmd, b.NewConnection("rgb"), a.logger.WithField("component", "rgb"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if listener != nil {
		g.Go(func() error { return listener.Run(gctx, b.NewConnection("logind")) })
	}
	g.Go(func() error { return a.reloadOnHangup(gctx, cfgConn) })
	g.Go(func() error { return monitor(gctx, b.NewConnection("monitor"), a.logger) })

	err = g.Wait()
	if err == nil {
		a.logger.Info("shut down")
	}
	return err
}

// reloadOnHangup re-reads the configuration on SIGHUP and publishes the new
// lighting command. A bad file keeps the running configuration.
func (a *app) reloadOnHangup(ctx context.Context, conn *bus.Connection) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := a.reload(conn); err != nil {
				a.logger.WithError(err).Error("reload failed, keeping current configuration")
				continue
			}
			a.logger.Info("configuration reloaded")
		}
	}
}

// reload re-reads the file and the command line, applies the log level and
// publishes the lighting command. Nothing changes when the result is invalid.
func (a *app) reload(conn *bus.Connection) error {
	cfg, err := a.loadConfig(a.root.PersistentFlags())
	if err != nil {
		return err
	}
	if err := config.Publish(conn, cfg); err != nil {
		return err
	}
	a.cfg = cfg
	a.setLogLevel()
	return nil
}

// monitor logs every lighting state change at debug level.
func monitor(ctx context.Context, conn *bus.Connection, log logrus.FieldLogger) error {
	sub := conn.Subscribe(bus.T("rgb", "#"))
	defer conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.Channel():
			if !ok {
				return nil
			}
			log.WithField("topic", fmt.Sprintf("%v", m.Topic)).Debugf("%+v", m.Payload)
		}
	}
}
