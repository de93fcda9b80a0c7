//go:build linux

package smbus

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"furyrgb-go/errcode"

	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers"
)

// linux/i2c-dev.h, linux/i2c.h
const (
	ioctlI2CSlave = 0x0703
	ioctlI2CSMBus = 0x0720

	smbusWrite = 0
	smbusRead  = 1

	sizeQuick    = 0
	sizeByte     = 1
	sizeByteData = 2
	sizeWordData = 3

	smbusBlockMax = 32
)

// struct i2c_smbus_ioctl_data
type smbusIoctlData struct {
	readWrite uint8
	command   uint8
	size      uint32
	data      unsafe.Pointer
}

// Dev is an i2c-dev character device (/dev/i2c-N) speaking SMBus
// transactions. It implements drivers.I2C by mapping Tx shapes onto SMBus
// transfers, since PC SMBus controllers (i801, piix4) do not offer raw I2C.
type Dev struct {
	mu   sync.Mutex
	fd   int
	bus  int
	addr int // currently selected slave, -1 if none
}

var _ drivers.I2C = (*Dev)(nil)

// Open opens /dev/i2c-<bus>.
func Open(bus int) (*Dev, error) {
	path := fmt.Sprintf("/dev/i2c-%d", bus)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Dev{fd: fd, bus: bus, addr: -1}, nil
}

func (d *Dev) Bus() int { return d.bus }

// Tx performs one SMBus transaction selected by the buffer lengths:
//
//	w=[reg,val] r=nil  write byte data
//	w=[reg]     r[2]   read word data
//	w=[reg]     r[1]   read byte data
//	w=nil       r[1]   read byte
//	w=[b]       r=nil  send byte
//	w=nil       r=nil  quick write
func (d *Dev) Tx(addr uint16, w, r []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fd < 0 {
		return errcode.Closed
	}
	if err := d.selectAddr(addr); err != nil {
		return err
	}

	var buf [smbusBlockMax + 2]byte
	switch {
	case len(w) == 2 && len(r) == 0:
		buf[0] = w[1]
		return d.smbus(smbusWrite, w[0], sizeByteData, &buf)
	case len(w) == 1 && len(r) == 2:
		if err := d.smbus(smbusRead, w[0], sizeWordData, &buf); err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(r, binary.NativeEndian.Uint16(buf[:2]))
		return nil
	case len(w) == 1 && len(r) == 1:
		if err := d.smbus(smbusRead, w[0], sizeByteData, &buf); err != nil {
			return err
		}
		r[0] = buf[0]
		return nil
	case len(w) == 0 && len(r) == 1:
		if err := d.smbus(smbusRead, 0, sizeByte, &buf); err != nil {
			return err
		}
		r[0] = buf[0]
		return nil
	case len(w) == 1 && len(r) == 0:
		return d.smbus(smbusWrite, w[0], sizeByte, nil)
	case len(w) == 0 && len(r) == 0:
		return d.smbus(smbusWrite, 0, sizeQuick, nil)
	}
	return &errcode.E{C: errcode.Unsupported, Op: "smbus_tx", Msg: fmt.Sprintf("w=%d r=%d", len(w), len(r))}
}

// Close releases the file descriptor.
func (d *Dev) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Dev) selectAddr(addr uint16) error {
	if d.addr == int(addr) {
		return nil
	}
	if err := unix.IoctlSetInt(d.fd, ioctlI2CSlave, int(addr)); err != nil {
		return fmt.Errorf("select 0x%02x on i2c-%d: %w", addr, d.bus, err)
	}
	d.addr = int(addr)
	return nil
}

func (d *Dev) smbus(rw, cmd uint8, size uint32, data *[smbusBlockMax + 2]byte) error {
	args := smbusIoctlData{readWrite: rw, command: cmd, size: size}
	if data != nil {
		args.data = unsafe.Pointer(data)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), ioctlI2CSMBus, uintptr(unsafe.Pointer(&args)))
	if errno != 0 {
		return errno
	}
	return nil
}
