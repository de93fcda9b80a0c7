// Package smbus provides a serialised SMBus channel on top of any
// tinygo.org/x/drivers.I2C transport.
//
// The channel owns retry, back-off and settle timing for register transfers.
// Every successful transfer is followed by a fixed settle delay; devices on
// the DIMM RGB bus drop commands that arrive faster than that.
//
// Transfer shapes (all through drivers.I2C.Tx):
//
//	write byte data   Tx(addr, [reg, val], nil)
//	read word data    Tx(addr, [reg], r[2])   little-endian: LOW then HIGH
//	read byte         Tx(addr, nil, r[1])
package smbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"furyrgb-go/errcode"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"tinygo.org/x/drivers"
)

// ErrFloatingBus is returned when a word read yields 0xFFFF: nothing drove
// the bus, so the value is not data.
var ErrFloatingBus = errors.New("smbus: floating bus (0xffff)")

const floatingWord = 0xFFFF

// Config controls timing. Zero fields take defaults.
type Config struct {
	// Attempts is the total number of tries per transfer. Default 4.
	Attempts int
	// RetryBase is multiplied by the failed attempt number to get the
	// back-off before the next try. Default 20 ms.
	RetryBase time.Duration
	// Settle is slept after every successful transfer. Default 10 ms.
	Settle time.Duration
	// Sleep is the delay primitive. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 20 * time.Millisecond
	}
	if c.Settle <= 0 {
		c.Settle = 10 * time.Millisecond
	}
	if c.Sleep == nil {
		c.Sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is the set of register primitives available while the channel is held.
type Conn interface {
	WriteByteData(ctx context.Context, addr uint16, reg, val byte) error
	ReadWordData(ctx context.Context, addr uint16, reg byte) (uint16, error)
	ReadByte(ctx context.Context, addr uint16) (byte, error)
}

// Channel serialises every transfer on one physical bus. It is safe for
// concurrent use; callers needing several transfers back to back without
// interleaving use Exclusive.
type Channel struct {
	hw  drivers.I2C
	cfg Config
	log logrus.FieldLogger
	sem *semaphore.Weighted

	mu     sync.Mutex
	closed bool
}

// New wraps hw. log may be nil.
func New(hw drivers.I2C, cfg Config, log logrus.FieldLogger) *Channel {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Channel{
		hw:  hw,
		cfg: cfg.withDefaults(),
		log: log,
		sem: semaphore.NewWeighted(1),
	}
}

// Exclusive runs fn while holding the channel. No other caller's transfer is
// issued until fn returns.
func (c *Channel) Exclusive(ctx context.Context, fn func(Conn) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)
	if c.isClosed() {
		return errcode.Closed
	}
	return fn(held{c})
}

func (c *Channel) WriteByteData(ctx context.Context, addr uint16, reg, val byte) error {
	return c.Exclusive(ctx, func(h Conn) error { return h.WriteByteData(ctx, addr, reg, val) })
}

func (c *Channel) ReadWordData(ctx context.Context, addr uint16, reg byte) (v uint16, err error) {
	err = c.Exclusive(ctx, func(h Conn) error {
		v, err = h.ReadWordData(ctx, addr, reg)
		return err
	})
	return v, err
}

func (c *Channel) ReadByte(ctx context.Context, addr uint16) (v byte, err error) {
	err = c.Exclusive(ctx, func(h Conn) error {
		v, err = h.ReadByte(ctx, addr)
		return err
	})
	return v, err
}

// Close waits for the holder to finish, then closes the transport if it is
// an io.Closer. Later calls fail with errcode.Closed.
func (c *Channel) Close() error {
	if err := c.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if cl, ok := c.hw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// retry runs op up to cfg.Attempts times. The last error is returned as is.
func (c *Channel) retry(ctx context.Context, log logrus.FieldLogger, op func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if err = op(); err == nil {
			return c.cfg.Sleep(ctx, c.cfg.Settle)
		}
		if !transient(err) || attempt == c.cfg.Attempts {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Debug("transfer failed, retrying")
		if serr := c.cfg.Sleep(ctx, time.Duration(attempt)*c.cfg.RetryBase); serr != nil {
			return serr
		}
	}
	return err
}

// transient reports whether a transfer error is worth another attempt.
func transient(err error) bool {
	switch {
	case errors.Is(err, errcode.Closed),
		errors.Is(err, errcode.Unsupported),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// held is the Conn handed to Exclusive callbacks.
type held struct{ c *Channel }

func (h held) WriteByteData(ctx context.Context, addr uint16, reg, val byte) error {
	log := h.c.log.WithFields(logrus.Fields{"addr": hex(addr), "reg": hex(uint16(reg)), "value": hex(uint16(val))})
	w := [2]byte{reg, val}
	err := h.c.retry(ctx, log, func() error { return h.c.hw.Tx(addr, w[:], nil) })
	if err == nil {
		log.Debug("write byte data")
	}
	return err
}

func (h held) ReadWordData(ctx context.Context, addr uint16, reg byte) (uint16, error) {
	log := h.c.log.WithFields(logrus.Fields{"addr": hex(addr), "reg": hex(uint16(reg))})
	var v uint16
	w := [1]byte{reg}
	err := h.c.retry(ctx, log, func() error {
		var r [2]byte
		if err := h.c.hw.Tx(addr, w[:], r[:]); err != nil {
			return err
		}
		v = uint16(r[0]) | uint16(r[1])<<8
		if v == floatingWord {
			return ErrFloatingBus
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.WithField("value", hex(v)).Debug("read word data")
	return v, nil
}

// ReadByte is a single presence probe (the i2cdetect "read byte" method); it
// is not retried.
func (h held) ReadByte(ctx context.Context, addr uint16) (byte, error) {
	var r [1]byte
	if err := h.c.hw.Tx(addr, nil, r[:]); err != nil {
		return 0, err
	}
	h.c.log.WithField("addr", hex(addr)).Debug("read byte")
	return r[0], h.c.cfg.Sleep(ctx, h.c.cfg.Settle)
}

func hex(v uint16) string { return fmt.Sprintf("0x%02x", v) }
