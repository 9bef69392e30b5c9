package actions

import (
	"fmt"
	"time"

	"github.com/chazu/nwvm/vm"
)

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func (h *Host) registerPrintActions() {
	h.define("PrintString", func(c *Call) error {
		_, err := fmt.Fprintln(h.out, c.Str(0))
		return err
	})

	h.define("PrintInteger", func(c *Call) error {
		_, err := fmt.Fprintln(h.out, c.Int(0))
		return err
	})

	h.define("PrintFloat", func(c *Call) error {
		_, err := fmt.Fprintln(h.out, formatFloat(c))
		return err
	})

	h.define("PrintObject", func(c *Call) error {
		_, err := fmt.Fprintf(h.out, "%x\n", uint32(c.Object(0)))
		return err
	})

	h.define("FloatToString", func(c *Call) error {
		c.ReturnString(formatFloat(c))
		return nil
	})
}

// formatFloat renders argument 0 right-aligned in width characters with
// the given number of decimals (defaults 18 and 9).
func formatFloat(c *Call) string {
	width := c.IntOr(1, 18)
	decimals := c.IntOr(2, 9)
	if width < 0 || width > 18 {
		width = 18
	}
	if decimals < 0 || decimals > 9 {
		decimals = 9
	}
	return fmt.Sprintf("%*.*f", width, decimals, c.Float(0))
}

// ---------------------------------------------------------------------------
// Commands and scripts
// ---------------------------------------------------------------------------

func (h *Host) registerCommandActions() {
	h.define("Random", func(c *Call) error {
		n := c.Int(0)
		if n <= 0 {
			c.ReturnInt(0)
			return nil
		}
		c.ReturnInt(h.rng.Int32N(n))
		return nil
	})

	h.define("AssignCommand", func(c *Call) error {
		sit, err := c.Situation()
		if err != nil {
			return err
		}
		target := c.Object(0)
		if target == vm.ObjectInvalid {
			sit.Discard()
			return nil
		}
		if err := h.sched.AssignCommand(c.VM, sit, target); err != nil {
			return h.commandFailed(c, err)
		}
		return nil
	})

	h.define("DelayCommand", func(c *Call) error {
		sit, err := c.Situation()
		if err != nil {
			return err
		}
		delay := time.Duration(float64(c.Float(0)) * float64(time.Second))
		if delay < 0 {
			delay = 0
		}
		if err := h.sched.DelayCommand(c.VM, sit, delay); err != nil {
			return h.commandFailed(c, err)
		}
		return nil
	})

	h.define("ExecuteScript", func(c *Call) error {
		target := c.Object(1)
		if target == vm.ObjectInvalid {
			target = c.Self()
		}
		if err := h.sched.ExecuteScript(c.VM, c.Str(0), target); err != nil {
			return h.commandFailed(c, err)
		}
		return nil
	})

	h.define("ClearAllActions", func(c *Call) error { return nil })

	h.define("GetIsObjectValid", func(c *Call) error {
		c.ReturnBool(c.Object(0) != vm.ObjectInvalid)
		return nil
	})
}

// commandFailed keeps a failing deferred or nested script from failing the
// script that started it. Aborts still propagate.
func (h *Host) commandFailed(c *Call, err error) error {
	if vm.IsAbort(err) {
		return err
	}
	h.log.Warningf("%s from %s: %s", c.Def.Name, c.VM.CurrentScript(), err)
	return nil
}
