package types

import (
	"fmt"
	"regexp"
	"strconv"

	"furyrgb-go/errcode"
)

// ---- Color command ----

// Color is an RGB triplet, one byte per channel.
type Color struct {
	R, G, B uint8
}

var colorRe = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// ParseColor parses "#rrggbb" (lowercase hex, exactly six digits).
func ParseColor(s string) (Color, error) {
	if !colorRe.MatchString(s) {
		return Color{}, &errcode.E{C: errcode.InvalidColorFormat, Op: "parse_color", Msg: strconv.Quote(s)}
	}
	v, _ := strconv.ParseUint(s[1:], 16, 32)
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// MustParseColor is ParseColor for constants; it panics on malformed input.
func MustParseColor(s string) Color {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Command is a static lighting request. Brightness is a percentage; the
// protocol layer writes it verbatim.
type Command struct {
	Color      Color `json:"color"`
	Brightness uint8 `json:"brightness"`
}

func (c Command) String() string {
	return fmt.Sprintf("%s@%d%%", c.Color, c.Brightness)
}

// ---- Slots ----

// Slot is a confirmed module: its discovery position and RGB register address.
type Slot struct {
	Index int    `json:"index"`
	Addr  uint16 `json:"addr"`
}
