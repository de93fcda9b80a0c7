package fury

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"furyrgb-go/drivers/smbus"
	"furyrgb-go/errcode"
	"furyrgb-go/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nopSleep(context.Context, time.Duration) error { return nil }

func newSimChannel(sim *Sim) *smbus.Channel {
	return smbus.New(sim, smbus.Config{Sleep: nopSleep}, nil)
}

func slotsAt(addrs ...uint16) []types.Slot {
	out := make([]types.Slot, len(addrs))
	for i, a := range addrs {
		out[i] = types.Slot{Index: i, Addr: a}
	}
	return out
}

func w(addr uint16, reg, val byte) Op { return Op{Addr: addr, Write: true, Reg: reg, Val: val} }

// ---- Detection ----

func TestProbeAddressWindow(t *testing.T) {
	sim := NewSim(0x57, 0x58, 0x5C, 0x5D)
	ch := newSimChannel(sim)
	ctx := context.Background()

	for _, tc := range []struct {
		addr uint16
		want bool
	}{{0x58, true}, {0x5C, true}, {0x57, false}, {0x5D, false}} {
		sim.Reset()
		ok, err := Probe(ctx, ch, tc.addr, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "addr 0x%02x", tc.addr)
		if !tc.want {
			assert.Empty(t, sim.Ops(), "no traffic for 0x%02x", tc.addr)
		}
	}
}

func TestProbeSequence(t *testing.T) {
	sim := NewSim(0x59)
	ok, err := Probe(context.Background(), newSimChannel(sim), 0x59, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ops := sim.Ops()
	require.Len(t, ops, 8)
	assert.True(t, ops[0].Probe)
	assert.Equal(t, w(0x59, RegApply, TransferBegin), ops[1])
	for i := 0; i < 4; i++ {
		assert.Equal(t, byte(i+1), ops[2+i].Reg)
		assert.Equal(t, Signature[i], byte(ops[2+i].Word>>8))
	}
	assert.Equal(t, RegModel, ops[6].Reg)
	assert.Equal(t, w(0x59, RegApply, TransferEnd), ops[7])
	assert.False(t, sim.InTransfer(0x59))
}

func TestProbeSignatureMismatchStillEnds(t *testing.T) {
	sim := &Sim{modules: map[uint16]*simModule{}, faults: map[writeFault]error{}}
	sim.AddModule(0x58, "FUZY", ModelBeastDDR4)

	ok, err := Probe(context.Background(), newSimChannel(sim), 0x58, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ws := sim.Writes()
	require.NotEmpty(t, ws)
	assert.Equal(t, w(0x58, RegApply, TransferEnd), ws[len(ws)-1])
	assert.False(t, sim.InTransfer(0x58))
}

func TestProbeModelMismatch(t *testing.T) {
	sim := &Sim{modules: map[uint16]*simModule{}, faults: map[writeFault]error{}}
	sim.AddModule(0x5A, Signature, 0x22)

	ok, err := Probe(context.Background(), newSimChannel(sim), 0x5A, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, sim.InTransfer(0x5A))
}

func TestProbeReadFailureStillEnds(t *testing.T) {
	sim := NewSim(0x58)
	sim.SetFloating(0x58, true)

	_, err := Probe(context.Background(), newSimChannel(sim), 0x58, nil)
	assert.ErrorIs(t, err, smbus.ErrFloatingBus)

	ws := sim.Writes()
	require.Len(t, ws, 2)
	assert.Equal(t, w(0x58, RegApply, TransferBegin), ws[0])
	assert.Equal(t, w(0x58, RegApply, TransferEnd), ws[1])
}

func TestProbeAbsent(t *testing.T) {
	sim := NewSim()
	_, err := Probe(context.Background(), newSimChannel(sim), 0x5B, nil)
	assert.ErrorIs(t, err, syscall.ENXIO)
}

// cancelOnSleep returns a channel whose n-th settle or back-off sleep
// cancels the caller's context.
func cancelOnSleep(sim *Sim, n int, cancel context.CancelFunc) *smbus.Channel {
	count := 0
	return smbus.New(sim, smbus.Config{Sleep: func(ctx context.Context, _ time.Duration) error {
		count++
		if count == n {
			cancel()
		}
		return ctx.Err()
	}}, nil)
}

func TestProbeCancelledMidBracketStillEnds(t *testing.T) {
	sim := NewSim(0x58)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Sleep 1 settles the presence read, sleep 2 settles BEGIN.
	ch := cancelOnSleep(sim, 2, cancel)

	ok, err := Probe(ctx, ch, 0x58, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, sim.InTransfer(0x58))
	assert.Zero(t, sim.Stray(0x58))

	ws := sim.Writes()
	require.Len(t, ws, 2)
	assert.Equal(t, w(0x58, RegApply, TransferBegin), ws[0])
	assert.Equal(t, w(0x58, RegApply, TransferEnd), ws[1])
}

func TestProbeCancelledBeforeBeginWritesNothing(t *testing.T) {
	sim := NewSim(0x58)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := cancelOnSleep(sim, 1, cancel)

	_, err := Probe(ctx, ch, 0x58, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sim.Writes())
	assert.False(t, sim.InTransfer(0x58))
}

func TestProbeFailedBeginStillEnds(t *testing.T) {
	sim := NewSim(0x58)
	count := 0
	ch := smbus.New(sim, smbus.Config{Attempts: 1, Sleep: func(context.Context, time.Duration) error {
		count++
		if count == 1 {
			// The transfer after the presence read is BEGIN.
			sim.FailNext(1, syscall.EIO)
		}
		return nil
	}}, nil)

	_, err := Probe(context.Background(), ch, 0x58, nil)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, []Op{w(0x58, RegApply, TransferEnd)}, sim.Writes())
	assert.False(t, sim.InTransfer(0x58))
}

func TestConfirmStopsOnCancel(t *testing.T) {
	sim := NewSim(0x58, 0x59)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := cancelOnSleep(sim, 2, cancel)

	_, err := Confirm(ctx, ch, []uint16{0x58, 0x59}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, sim.InTransfer(0x58))
	for _, op := range sim.Ops() {
		assert.NotEqual(t, uint16(0x59), op.Addr, "no traffic after cancel")
	}
}

func TestConfirm(t *testing.T) {
	sim := NewSim(0x58, 0x5A)
	sim.AddModule(0x59, "ABCD", 0x01)

	slots, err := Confirm(context.Background(), newSimChannel(sim), []uint16{0x58, 0x59, 0x5A, 0x5B}, nil)
	require.NoError(t, err)
	assert.Equal(t, slotsAt(0x58, 0x5A), slots)
}

func TestConfirmTooMany(t *testing.T) {
	sim := NewSim(0x58, 0x59, 0x5A, 0x5B, 0x5C)
	_, err := Confirm(context.Background(), newSimChannel(sim), []uint16{0x58, 0x59, 0x5A, 0x5B, 0x5C}, nil)
	assert.ErrorIs(t, err, errcode.TooManyDevices)
	assert.Empty(t, sim.Ops())
}

func TestConfirmNoneFound(t *testing.T) {
	sim := NewSim()
	_, err := Confirm(context.Background(), newSimChannel(sim), []uint16{0x58, 0x59}, nil)
	assert.ErrorIs(t, err, errcode.DeviceNotFound)
}

// ---- Controller ----

func TestNewControllerRejects(t *testing.T) {
	ch := newSimChannel(NewSim())

	_, err := NewController(ch, nil, nil)
	assert.ErrorIs(t, err, errcode.DeviceNotFound)

	_, err = NewController(ch, slotsAt(0x58, 0x59, 0x5A, 0x5B, 0x5C), nil)
	assert.ErrorIs(t, err, errcode.TooManyDevices)

	_, err = NewController(ch, slotsAt(0x50), nil)
	assert.ErrorIs(t, err, errcode.InvalidConfig)
}

// expectedWrites builds the full write log for one SetStaticColor call.
func expectedWrites(addrs []uint16, cmd types.Command) []Op {
	n := len(addrs)
	var out []Op
	bracket := func(body func()) {
		for i := n - 1; i >= 0; i-- {
			out = append(out, w(addrs[i], RegApply, TransferBegin))
		}
		body()
		for i := 0; i < n; i++ {
			out = append(out, w(addrs[i], RegApply, TransferEnd))
		}
	}
	if n > 1 {
		bracket(func() {
			for i := n - 1; i >= 0; i-- {
				out = append(out, w(addrs[i], RegIndex, byte(i)))
			}
		})
	}
	bracket(func() {
		for _, a := range addrs {
			out = append(out,
				w(a, RegMode, ModeStatic),
				w(a, RegDirection, DirBottomToTop),
				w(a, RegDelay, 0),
				w(a, RegSpeed, 0),
				w(a, RegNumSlots, byte(n)),
				w(a, RegModeBaseRed, cmd.Color.R),
				w(a, RegModeBaseGreen, cmd.Color.G),
				w(a, RegModeBaseBlue, cmd.Color.B),
				w(a, RegBrightness, cmd.Brightness),
			)
		}
	})
	return out
}

func TestSetStaticColorBrackets(t *testing.T) {
	all := []uint16{0x58, 0x59, 0x5A, 0x5B}
	cmd := types.Command{Color: types.MustParseColor("#102030"), Brightness: 80}

	for n := 1; n <= MaxSlots; n++ {
		addrs := all[:n]
		sim := NewSim(addrs...)
		ctl, err := NewController(newSimChannel(sim), slotsAt(addrs...), nil)
		require.NoError(t, err)

		require.NoError(t, ctl.SetStaticColor(context.Background(), cmd))
		assert.Equal(t, expectedWrites(addrs, cmd), sim.Writes(), "n=%d", n)

		for i, a := range addrs {
			assert.Zero(t, sim.Stray(a), "stray writes on 0x%02x", a)
			assert.False(t, sim.InTransfer(a))
			got, _ := sim.Shown(a)
			assert.Equal(t, Lighting{
				Mode: ModeStatic, Direction: DirBottomToTop, NumSlots: byte(n),
				Index: byte(i), Color: cmd.Color, Brightness: 80,
			}, got)
		}
	}
}

func TestSetStaticColorSingleSlotSkipsSync(t *testing.T) {
	sim := NewSim(0x5A)
	ctl, err := NewController(newSimChannel(sim), slotsAt(0x5A), nil)
	require.NoError(t, err)
	require.NoError(t, ctl.SetStaticColor(context.Background(), types.Command{Color: types.Color{R: 1}, Brightness: 1}))

	for _, o := range sim.Writes() {
		assert.NotEqual(t, RegIndex, o.Reg)
	}
	assert.Len(t, sim.Writes(), 11)
}

func TestTwoSlotsGreenAtHalf(t *testing.T) {
	sim := NewSim(0x58, 0x59)
	ctl, err := NewController(newSimChannel(sim), slotsAt(0x58, 0x59), nil)
	require.NoError(t, err)

	require.NoError(t, ctl.SetStaticColor(context.Background(), types.Command{Color: types.MustParseColor("#00ff00"), Brightness: 50}))

	ws := sim.Writes()
	assert.Equal(t, []Op{
		w(0x59, RegApply, TransferBegin),
		w(0x58, RegApply, TransferBegin),
		w(0x59, RegIndex, 1),
		w(0x58, RegIndex, 0),
		w(0x58, RegApply, TransferEnd),
		w(0x59, RegApply, TransferEnd),
	}, ws[:6])

	var greens []uint16
	for _, o := range ws {
		if o.Reg == RegModeBaseGreen {
			assert.Equal(t, byte(0xFF), o.Val)
			greens = append(greens, o.Addr)
		}
	}
	assert.Equal(t, []uint16{0x58, 0x59}, greens)
}

func TestSetStaticColorAbortsOnError(t *testing.T) {
	sim := NewSim(0x58, 0x59)
	sim.FailWrites(0x59, RegModeBaseRed, syscall.EIO)
	ctl, err := NewController(newSimChannel(sim), slotsAt(0x58, 0x59), nil)
	require.NoError(t, err)

	err = ctl.SetStaticColor(context.Background(), types.Command{Color: types.Color{R: 9}, Brightness: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, errcode.IOError, errcode.Of(err))

	var e *errcode.E
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "set_static_color", e.Op)

	ws := sim.Writes()
	last := ws[len(ws)-1]
	assert.Equal(t, w(0x59, RegNumSlots, 2), last, "nothing written after the failing register")
	assert.True(t, sim.InTransfer(0x58))
	assert.True(t, sim.InTransfer(0x59))

	// A later successful call closes every bracket.
	sim.FailWrites(0x59, RegModeBaseRed, nil)
	require.NoError(t, ctl.SetStaticColor(context.Background(), types.Command{Color: types.Color{R: 9}, Brightness: 10}))
	assert.False(t, sim.InTransfer(0x58))
	assert.False(t, sim.InTransfer(0x59))
}

func TestSetStaticColorRecoversTransientFault(t *testing.T) {
	sim := NewSim(0x58)
	ctl, err := NewController(newSimChannel(sim), slotsAt(0x58), nil)
	require.NoError(t, err)

	sim.FailNext(2, syscall.ENXIO)
	require.NoError(t, ctl.SetStaticColor(context.Background(), types.Command{Color: types.Color{B: 0x80}, Brightness: 100}))
	got, _ := sim.Shown(0x58)
	assert.Equal(t, byte(0x80), got.Color.B)
}

func TestSetStaticColorClosedChannel(t *testing.T) {
	sim := NewSim(0x58)
	ch := newSimChannel(sim)
	ctl, err := NewController(ch, slotsAt(0x58), nil)
	require.NoError(t, err)
	require.NoError(t, ch.Close())

	err = ctl.SetStaticColor(context.Background(), types.Command{})
	assert.ErrorIs(t, err, errcode.Closed)
	assert.Empty(t, sim.Ops())
}
