// Package fury provides constants for register addresses and values used by
// the RGB controller on Kingston FURY DDR4 modules.
package fury

const (
	// First RGB controller address; module n (SPD address 0x50+n) sits at
	// BaseAddr+n.
	BaseAddr = 0x58
	MaxSlots = 4

	// Signature read back from registers 1..4 (high byte of each word).
	Signature = "FURY"
	// High byte of the MODEL word on Beast DDR4 modules.
	ModelBeastDDR4 = 0x23
)

// Reg is a byte register offset on an RGB controller.
type Reg = byte

const (
	RegModel         Reg = 0x06 // R (word, high byte)
	RegApply         Reg = 0x08 // W, transfer marker
	RegMode          Reg = 0x09 // W
	RegIndex         Reg = 0x0B // W, ordinal position of the module
	RegDirection     Reg = 0x0C // W
	RegDelay         Reg = 0x0D // W
	RegSpeed         Reg = 0x0E // W
	RegBrightness    Reg = 0x20 // W, percent
	RegNumSlots      Reg = 0x27 // W
	RegModeBaseRed   Reg = 0x31 // W
	RegModeBaseGreen Reg = 0x32 // W
	RegModeBaseBlue  Reg = 0x33 // W
)

// Transfer markers written to RegApply.
const (
	TransferBegin byte = 0x53
	TransferEnd   byte = 0x44
)

// Modes written to RegMode.
const (
	ModeStatic byte = 0x00
)

// Directions written to RegDirection.
const (
	DirBottomToTop byte = 0x01
	DirTopToBottom byte = 0x02
)
