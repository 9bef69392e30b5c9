package actions

import (
	"errors"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// String actions. Strings are byte strings; positions count bytes.
// ---------------------------------------------------------------------------

func (h *Host) registerStringActions() {
	h.define("GetStringLength", func(c *Call) error {
		c.ReturnInt(int32(len(c.Str(0))))
		return nil
	})

	h.define("GetStringUpperCase", func(c *Call) error {
		c.ReturnString(strings.ToUpper(c.Str(0)))
		return nil
	})

	h.define("GetStringLowerCase", func(c *Call) error {
		c.ReturnString(strings.ToLower(c.Str(0)))
		return nil
	})

	h.define("GetStringRight", func(c *Call) error {
		s, n := c.Str(0), int(c.Int(1))
		switch {
		case n <= 0:
			c.ReturnString("")
		case n >= len(s):
			c.ReturnString(s)
		default:
			c.ReturnString(s[len(s)-n:])
		}
		return nil
	})

	h.define("GetStringLeft", func(c *Call) error {
		s, n := c.Str(0), int(c.Int(1))
		switch {
		case n <= 0:
			c.ReturnString("")
		case n >= len(s):
			c.ReturnString(s)
		default:
			c.ReturnString(s[:n])
		}
		return nil
	})

	h.define("InsertString", func(c *Call) error {
		dest, src, pos := c.Str(0), c.Str(1), int(c.Int(2))
		if pos < 0 || pos > len(dest) {
			c.ReturnString("")
			return nil
		}
		c.ReturnString(dest[:pos] + src + dest[pos:])
		return nil
	})

	h.define("GetSubString", func(c *Call) error {
		c.ReturnString(subString(c.Str(0), int(c.Int(1)), int(c.Int(2))))
		return nil
	})

	h.define("FindSubString", func(c *Call) error {
		s, sub, start := c.Str(0), c.Str(1), int(c.IntOr(2, 0))
		if start < 0 || start > len(s) {
			c.ReturnInt(-1)
			return nil
		}
		i := strings.Index(s[start:], sub)
		if i >= 0 {
			i += start
		}
		c.ReturnInt(int32(i))
		return nil
	})

	h.define("IntToString", func(c *Call) error {
		c.ReturnString(strconv.Itoa(int(c.Int(0))))
		return nil
	})

	h.define("StringToInt", func(c *Call) error {
		c.ReturnInt(leadingInt(c.Str(0)))
		return nil
	})

	h.define("StringToFloat", func(c *Call) error {
		c.ReturnFloat(leadingFloat(c.Str(0)))
		return nil
	})
}

// subString returns count bytes of s from start, or "" when start is out
// of range.
func subString(s string, start, count int) string {
	if start < 0 || start >= len(s) || count <= 0 {
		return ""
	}
	end := start + count
	if end > len(s) || end < start {
		end = len(s)
	}
	return s[start:end]
}

// numberPrefix returns the longest prefix of s, after leading spaces, that
// looks like a decimal number.
func numberPrefix(s string, fraction bool) string {
	s = strings.TrimLeft(s, " \t\r\n")
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if fraction && i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
	}
	if i == digits {
		return ""
	}
	return s[:i]
}

// leadingInt parses like C atoi: trailing garbage is ignored and no digits
// yields 0.
func leadingInt(s string) int32 {
	n, err := strconv.ParseInt(numberPrefix(s, false), 10, 32)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return int32(n)
		}
		return 0
	}
	return int32(n)
}

func leadingFloat(s string) float32 {
	f, err := strconv.ParseFloat(numberPrefix(s, true), 32)
	if err != nil {
		return 0
	}
	return float32(f)
}
