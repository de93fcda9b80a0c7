// Package fury drives the RGB controllers on Kingston FURY DDR4 modules.
//
// Design notes:
//   - Every register write the lighting engine acts on must sit inside a
//     transfer bracket: BEGIN (0x53) then END (0x44) written to RegApply.
//   - With several modules the brackets are asymmetric: BEGIN goes to the
//     modules in reverse discovery order, END in forward order, so the last
//     module enters programming first and the first module leaves it first.
//   - Detection reads a four byte signature and a model byte; the END marker
//     is always written so a rejected candidate is not left latched.
package fury

import (
	"context"
	"fmt"
	"io"

	"furyrgb-go/drivers/smbus"
	"furyrgb-go/errcode"
	"furyrgb-go/types"

	"github.com/sirupsen/logrus"
)

// Bus is the part of *smbus.Channel the driver needs.
type Bus interface {
	Exclusive(ctx context.Context, fn func(smbus.Conn) error) error
}

var _ Bus = (*smbus.Channel)(nil)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ---------------- Detection ----------------

// ValidAddr reports whether addr lies in the RGB address window
// [BaseAddr, BaseAddr+MaxSlots].
func ValidAddr(addr uint16) bool {
	return addr >= BaseAddr && addr <= BaseAddr+MaxSlots
}

// Probe classifies one candidate. It returns (true, nil) for a genuine FURY
// controller and (false, nil) for anything else answering on the bus. A
// transfer error means the device is unreachable. Addresses outside the RGB
// window are rejected without bus traffic.
//
// ctx bounds the wait for the bus and the presence read. Once BEGIN is
// written the bracket runs to END regardless of cancellation, so a
// shutdown never leaves a module latched.
func Probe(ctx context.Context, bus Bus, addr uint16, log logrus.FieldLogger) (bool, error) {
	if !ValidAddr(addr) {
		return false, nil
	}
	if log == nil {
		log = discardLogger()
	}
	log = log.WithField("addr", fmt.Sprintf("0x%02x", addr))

	var valid bool
	err := bus.Exclusive(ctx, func(c smbus.Conn) error {
		if _, err := c.ReadByte(ctx, addr); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		valid, err = checkSignature(context.WithoutCancel(ctx), c, addr, log)
		return err
	})
	if err != nil {
		return false, err
	}
	return valid, nil
}

func checkSignature(ctx context.Context, c smbus.Conn, addr uint16, log logrus.FieldLogger) (bool, error) {
	var valid bool
	err := c.WriteByteData(ctx, addr, RegApply, TransferBegin)
	if err == nil {
		valid, err = readSignature(ctx, c, addr, log)
	}

	// END goes out even after a mismatch or a failed read. A failed BEGIN
	// may still have latched the module, so it gets one too.
	if endErr := c.WriteByteData(ctx, addr, RegApply, TransferEnd); err == nil {
		err = endErr
	}
	if err != nil {
		return false, err
	}
	return valid, nil
}

func readSignature(ctx context.Context, c smbus.Conn, addr uint16, log logrus.FieldLogger) (bool, error) {
	for i := 0; i < len(Signature); i++ {
		w, err := c.ReadWordData(ctx, addr, byte(i+1))
		if err != nil {
			return false, err
		}
		if got := byte(w >> 8); got != Signature[i] {
			log.WithField("offset", i+1).Debugf("signature mismatch: got 0x%02x want %q", got, Signature[i])
			return false, nil
		}
	}
	w, err := c.ReadWordData(ctx, addr, RegModel)
	if err != nil {
		return false, err
	}
	if model := byte(w >> 8); model != ModelBeastDDR4 {
		log.Debugf("model mismatch: got 0x%02x want 0x%02x", model, ModelBeastDDR4)
		return false, nil
	}
	return true, nil
}

// Confirm probes candidates in discovery order and returns the genuine ones
// as slots. A failure on one address never stops the others; cancellation
// does, after the address in progress has finished its bracket.
func Confirm(ctx context.Context, bus Bus, addrs []uint16, log logrus.FieldLogger) ([]types.Slot, error) {
	if log == nil {
		log = discardLogger()
	}
	if len(addrs) > MaxSlots {
		return nil, &errcode.E{C: errcode.TooManyDevices, Op: "confirm", Msg: fmt.Sprintf("%d candidates, at most %d supported", len(addrs), MaxSlots)}
	}

	var slots []types.Slot
	for _, addr := range addrs {
		ok, err := Probe(ctx, bus, addr, log)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			log.WithError(err).Warnf("device at 0x%02x unreachable, skipping", addr)
			continue
		case !ok:
			log.Infof("no fury signature at 0x%02x", addr)
			continue
		}
		log.Infof("found fury rgb controller at 0x%02x", addr)
		slots = append(slots, types.Slot{Index: len(slots), Addr: addr})
	}
	if len(slots) == 0 {
		return nil, &errcode.E{C: errcode.DeviceNotFound, Op: "confirm", Msg: "no address with a valid fury signature"}
	}
	return slots, nil
}

// ---------------- Color control ----------------

// Controller owns the confirmed slots and runs the transactional write
// protocol against them.
type Controller struct {
	bus      Bus
	log      logrus.FieldLogger
	slots    []types.Slot
	reversed []types.Slot
}

// NewController takes slots in discovery order; the order is fixed from here.
func NewController(bus Bus, slots []types.Slot, log logrus.FieldLogger) (*Controller, error) {
	if len(slots) == 0 {
		return nil, errcode.DeviceNotFound
	}
	if len(slots) > MaxSlots {
		return nil, errcode.TooManyDevices
	}
	for _, s := range slots {
		if !ValidAddr(s.Addr) {
			return nil, &errcode.E{C: errcode.InvalidConfig, Op: "new_controller", Msg: fmt.Sprintf("address 0x%02x outside rgb window", s.Addr)}
		}
	}
	if log == nil {
		log = discardLogger()
	}
	c := &Controller{
		bus:      bus,
		log:      log,
		slots:    append([]types.Slot(nil), slots...),
		reversed: make([]types.Slot, len(slots)),
	}
	for i, s := range c.slots {
		c.reversed[len(slots)-1-i] = s
	}
	return c, nil
}

// Slots returns a copy of the slots in discovery order.
func (c *Controller) Slots() []types.Slot {
	return append([]types.Slot(nil), c.slots...)
}

// SetStaticColor programs every slot with a static color. With more than one
// slot the ordinal indexes are synchronised first. The channel is held for
// the whole call. On error the call is abandoned where it failed; some
// modules may stay inside an open bracket until the next successful call.
func (c *Controller) SetStaticColor(ctx context.Context, cmd types.Command) error {
	err := c.bus.Exclusive(ctx, func(conn smbus.Conn) error {
		if len(c.slots) > 1 {
			if err := c.transaction(ctx, conn, c.syncSlots); err != nil {
				return err
			}
		}
		return c.transaction(ctx, conn, func(ctx context.Context, conn smbus.Conn) error {
			return c.writeStatic(ctx, conn, cmd)
		})
	})
	if err != nil {
		return &errcode.E{C: errcode.Of(err), Op: "set_static_color", Err: err}
	}
	c.log.Infof("changed color to %s with %d%% brightness", cmd.Color, cmd.Brightness)
	return nil
}

// transaction brackets body: BEGIN in reverse order, END in forward order.
func (c *Controller) transaction(ctx context.Context, conn smbus.Conn, body func(context.Context, smbus.Conn) error) error {
	for _, s := range c.reversed {
		if err := conn.WriteByteData(ctx, s.Addr, RegApply, TransferBegin); err != nil {
			return err
		}
	}
	if err := body(ctx, conn); err != nil {
		return err
	}
	for _, s := range c.slots {
		if err := conn.WriteByteData(ctx, s.Addr, RegApply, TransferEnd); err != nil {
			return err
		}
	}
	return nil
}

// syncSlots writes each slot's position to RegIndex, last slot first.
func (c *Controller) syncSlots(ctx context.Context, conn smbus.Conn) error {
	for i := len(c.slots) - 1; i >= 0; i-- {
		if err := conn.WriteByteData(ctx, c.slots[i].Addr, RegIndex, byte(i)); err != nil {
			return err
		}
	}
	return nil
}

// writeStatic programs each slot in ascending order. Mode and direction go
// first; the firmware interprets the color registers according to them.
func (c *Controller) writeStatic(ctx context.Context, conn smbus.Conn, cmd types.Command) error {
	n := byte(len(c.slots))
	for _, s := range c.slots {
		seq := [...]struct {
			reg Reg
			val byte
		}{
			{RegMode, ModeStatic},
			{RegDirection, DirBottomToTop},
			{RegDelay, 0x00},
			{RegSpeed, 0x00},
			{RegNumSlots, n},
			{RegModeBaseRed, cmd.Color.R},
			{RegModeBaseGreen, cmd.Color.G},
			{RegModeBaseBlue, cmd.Color.B},
			{RegBrightness, cmd.Brightness},
		}
		for _, w := range seq {
			if err := conn.WriteByteData(ctx, s.Addr, w.reg, w.val); err != nil {
				return err
			}
		}
	}
	return nil
}
