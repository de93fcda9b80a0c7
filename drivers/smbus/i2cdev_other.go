//go:build !linux

package smbus

import (
	"furyrgb-go/errcode"

	"tinygo.org/x/drivers"
)

// Dev is unavailable off Linux; Open always fails.
type Dev struct{}

var _ drivers.I2C = (*Dev)(nil)

func Open(int) (*Dev, error) { return nil, errcode.Unsupported }

func (*Dev) Bus() int                        { return -1 }
func (*Dev) Tx(uint16, []byte, []byte) error { return errcode.Unsupported }
func (*Dev) Close() error                    { return nil }
