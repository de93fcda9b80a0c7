package fury

import (
	"fmt"
	"sync"
	"syscall"

	"furyrgb-go/types"

	"tinygo.org/x/drivers"
)

// -----------------------------------------------------------------------------
// Host simulator: an SMBus segment with FURY controllers on it
// -----------------------------------------------------------------------------

// Op is one transfer seen by the simulator.
type Op struct {
	Addr  uint16
	Write bool
	Reg   byte
	Val   byte   // write value
	Word  uint16 // word read result
	Probe bool   // receive-byte presence check
}

func (o Op) String() string {
	switch {
	case o.Probe:
		return fmt.Sprintf("0x%02x probe", o.Addr)
	case o.Write:
		return fmt.Sprintf("0x%02x w[0x%02x]=0x%02x", o.Addr, o.Reg, o.Val)
	default:
		return fmt.Sprintf("0x%02x r[0x%02x]=0x%04x", o.Addr, o.Reg, o.Word)
	}
}

// Lighting is what a simulated module displays after its last END marker.
type Lighting struct {
	Mode       byte
	Direction  byte
	Index      byte
	NumSlots   byte
	Color      types.Color
	Brightness byte
}

type simModule struct {
	regs       [256]byte
	inTransfer bool
	stray      int
	floating   bool
	shown      Lighting
}

type writeFault struct {
	addr uint16
	reg  byte
}

// Sim implements drivers.I2C. Absent addresses answer ENXIO.
type Sim struct {
	mu      sync.Mutex
	modules map[uint16]*simModule
	ops     []Op
	faults  map[writeFault]error
	failN   int
	failErr error
}

var _ drivers.I2C = (*Sim)(nil)

// NewSim places a genuine FURY Beast module at each addr.
func NewSim(addrs ...uint16) *Sim {
	s := &Sim{modules: map[uint16]*simModule{}, faults: map[writeFault]error{}}
	for _, a := range addrs {
		s.AddModule(a, Signature, ModelBeastDDR4)
	}
	return s
}

// AddModule places a device at addr that reports sig and model.
func (s *Sim) AddModule(addr uint16, sig string, model byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &simModule{}
	for i := 0; i < len(sig) && i < 4; i++ {
		m.regs[1+i] = sig[i]
	}
	m.regs[RegModel] = model
	s.modules[addr] = m
}

// SetFloating makes word reads from addr return 0xFFFF.
func (s *Sim) SetFloating(addr uint16, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.modules[addr]; m != nil {
		m.floating = on
	}
}

// FailWrites makes every write of reg on addr fail with err. A nil err
// clears the fault.
func (s *Sim) FailWrites(addr uint16, reg byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := writeFault{addr, reg}
	if err == nil {
		delete(s.faults, k)
		return
	}
	s.faults[k] = err
}

// FailNext fails the next n transfers, whatever they are, with err.
func (s *Sim) FailNext(n int, err error) {
	s.mu.Lock()
	s.failN, s.failErr = n, err
	s.mu.Unlock()
}

// Ops returns a copy of the transfer log.
func (s *Sim) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Writes returns only the write transfers.
func (s *Sim) Writes() []Op {
	var out []Op
	for _, o := range s.Ops() {
		if o.Write {
			out = append(out, o)
		}
	}
	return out
}

func (s *Sim) Reset() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

// Shown returns the lighting state latched by addr's last END marker.
func (s *Sim) Shown(addr uint16) (Lighting, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.modules[addr]
	if m == nil {
		return Lighting{}, false
	}
	return m.shown, true
}

// InTransfer reports whether addr is inside an open bracket.
func (s *Sim) InTransfer(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.modules[addr]
	return m != nil && m.inTransfer
}

// Stray counts register writes addr received outside a bracket.
func (s *Sim) Stray(addr uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.modules[addr]; m != nil {
		return m.stray
	}
	return 0
}

func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failN > 0 {
		s.failN--
		return s.failErr
	}
	m := s.modules[addr]
	if m == nil {
		return syscall.ENXIO
	}

	switch {
	case len(w) == 0 && len(r) == 1:
		r[0] = 0x00
		s.ops = append(s.ops, Op{Addr: addr, Probe: true})
		return nil

	case len(w) == 1 && len(r) == 2:
		word := uint16(m.regs[w[0]]) << 8
		if m.floating {
			word = 0xFFFF
		}
		r[0], r[1] = byte(word), byte(word>>8)
		s.ops = append(s.ops, Op{Addr: addr, Reg: w[0], Word: word})
		return nil

	case len(w) == 2 && len(r) == 0:
		if err := s.faults[writeFault{addr, w[0]}]; err != nil {
			return err
		}
		s.ops = append(s.ops, Op{Addr: addr, Write: true, Reg: w[0], Val: w[1]})
		m.write(w[0], w[1])
		return nil
	}
	return syscall.EOPNOTSUPP
}

func (m *simModule) write(reg, val byte) {
	if reg == RegApply {
		switch val {
		case TransferBegin:
			m.inTransfer = true
		case TransferEnd:
			if m.inTransfer {
				m.latch()
			}
			m.inTransfer = false
		}
		return
	}
	if !m.inTransfer {
		m.stray++
	}
	m.regs[reg] = val
}

func (m *simModule) latch() {
	m.shown = Lighting{
		Mode:       m.regs[RegMode],
		Direction:  m.regs[RegDirection],
		Index:      m.regs[RegIndex],
		NumSlots:   m.regs[RegNumSlots],
		Color:      types.Color{R: m.regs[RegModeBaseRed], G: m.regs[RegModeBaseGreen], B: m.regs[RegModeBaseBlue]},
		Brightness: m.regs[RegBrightness],
	}
}
