// Package discovery finds Kingston DDR4 modules by their SPD EEPROMs, as
// bound to the ee1004 driver in sysfs, and maps each one to the address of
// its RGB controller.
package discovery

import (
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"furyrgb-go/drivers/fury"
	"furyrgb-go/errcode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	DefaultSysfs = "/sys"
	ee1004Dir    = "bus/i2c/drivers/ee1004"

	BaseSPDAddr   = 0x50
	JEDECKingston = 0x0117

	spdMemoryType = 0x02
	spdTypeDDR4   = 0x0C
	spdJEDECHi    = 0x140
	spdJEDECLo    = 0x141
)

var entryRe = regexp.MustCompile(`^[0-9]+-[0-9a-fA-F]+$`)

// Candidates is the outcome of a scan: one SMBus number and the RGB
// controller addresses to probe on it, in directory order.
type Candidates struct {
	Bus   int      `json:"bus"`
	Addrs []uint16 `json:"addrs"`
}

// Scanner enumerates SPD EEPROMs below Root on FS.
type Scanner struct {
	FS   afero.Fs
	Root string
	Log  logrus.FieldLogger
}

// New returns a Scanner over the host filesystem rooted at sysfs.
func New(sysfs string, log logrus.FieldLogger) *Scanner {
	if sysfs == "" {
		sysfs = DefaultSysfs
	}
	return &Scanner{FS: afero.NewOsFs(), Root: sysfs, Log: log}
}

// JEDECID decodes the module manufacturer from an SPD image.
func JEDECID(spd []byte) (uint16, bool) {
	if len(spd) <= spdJEDECLo {
		return 0, false
	}
	return (uint16(spd[spdJEDECHi]) << 8) + uint16(spd[spdJEDECLo]&0x7F) - 1, true
}

// RGBAddr maps an SPD EEPROM address to the RGB controller of the same module.
func RGBAddr(spdAddr uint16) uint16 {
	return spdAddr - BaseSPDAddr + fury.BaseAddr
}

// Scan returns the RGB candidates for every Kingston DDR4 module found.
func (s *Scanner) Scan() (Candidates, error) {
	log := s.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	dir := path.Join(s.Root, ee1004Dir)
	entries, err := afero.ReadDir(s.FS, dir)
	if err != nil {
		return Candidates{}, &errcode.E{C: errcode.DeviceNotFound, Op: "scan", Msg: "no ee1004 devices", Err: err}
	}

	out := Candidates{Bus: -1}
	for _, e := range entries {
		name := e.Name()
		if !entryRe.MatchString(name) {
			continue
		}
		bus, spdAddr, err := parseEntry(name)
		if err != nil {
			log.WithError(err).Debugf("skipping %s", name)
			continue
		}
		spd, err := afero.ReadFile(s.FS, path.Join(dir, name, "eeprom"))
		if err != nil {
			log.WithError(err).Warnf("reading spd of %s", name)
			continue
		}
		if len(spd) <= spdMemoryType || spd[spdMemoryType] != spdTypeDDR4 {
			log.Debugf("%s: not ddr4", name)
			continue
		}
		id, ok := JEDECID(spd)
		if !ok {
			log.Debugf("%s: spd image too short (%d bytes)", name, len(spd))
			continue
		}
		if id != JEDECKingston {
			log.Debugf("%s: jedec id 0x%04x is not kingston", name, id)
			continue
		}
		if out.Bus >= 0 && out.Bus != bus {
			return Candidates{}, &errcode.E{C: errcode.MultipleBuses, Op: "scan", Msg: fmt.Sprintf("modules on smbus %d and %d", out.Bus, bus)}
		}
		out.Bus = bus
		addr := RGBAddr(spdAddr)
		log.Debugf("kingston ddr4 on smbus %d, spd 0x%02x, rgb 0x%02x", bus, spdAddr, addr)
		out.Addrs = append(out.Addrs, addr)
	}

	switch {
	case len(out.Addrs) == 0:
		return Candidates{}, &errcode.E{C: errcode.DeviceNotFound, Op: "scan", Msg: "no kingston ddr4 module"}
	case len(out.Addrs) > fury.MaxSlots:
		return Candidates{}, &errcode.E{C: errcode.TooManyDevices, Op: "scan", Msg: fmt.Sprintf("%d modules", len(out.Addrs))}
	}
	log.Infof("found kingston dram on smbus %d", out.Bus)
	return out, nil
}

func parseEntry(name string) (bus int, addr uint16, err error) {
	b, a, _ := strings.Cut(name, "-")
	bus, err = strconv.Atoi(b)
	if err != nil {
		return 0, 0, err
	}
	v, err := strconv.ParseUint(a, 16, 16)
	if err != nil {
		return 0, 0, err
	}
	if v < BaseSPDAddr {
		return 0, 0, fmt.Errorf("spd address 0x%02x below 0x%02x", v, BaseSPDAddr)
	}
	return bus, uint16(v), nil
}
