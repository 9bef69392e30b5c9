package actions

import (
	"math"

	"github.com/chazu/nwvm/vm"
)

// ---------------------------------------------------------------------------
// Math actions. Angles are in degrees.
// ---------------------------------------------------------------------------

const degrees = 180 / math.Pi

func (h *Host) registerMathActions() {
	unary := func(name string, fn func(float64) float64) {
		h.define(name, func(c *Call) error {
			r := fn(float64(c.Float(0)))
			if math.IsNaN(r) || math.IsInf(r, 0) {
				r = 0
			}
			c.ReturnFloat(float32(r))
			return nil
		})
	}

	unary("fabs", math.Abs)
	unary("cos", func(x float64) float64 { return math.Cos(x / degrees) })
	unary("sin", func(x float64) float64 { return math.Sin(x / degrees) })
	unary("tan", func(x float64) float64 { return math.Tan(x / degrees) })
	unary("acos", func(x float64) float64 { return math.Acos(x) * degrees })
	unary("asin", func(x float64) float64 { return math.Asin(x) * degrees })
	unary("atan", func(x float64) float64 { return math.Atan(x) * degrees })
	unary("log", math.Log)
	unary("sqrt", math.Sqrt)

	h.define("pow", func(c *Call) error {
		r := math.Pow(float64(c.Float(0)), float64(c.Float(1)))
		if math.IsNaN(r) || math.IsInf(r, 0) {
			r = 0
		}
		c.ReturnFloat(float32(r))
		return nil
	})

	h.define("abs", func(c *Call) error {
		n := c.Int(0)
		if n < 0 {
			n = -n
		}
		c.ReturnInt(n)
		return nil
	})

	h.define("IntToFloat", func(c *Call) error {
		c.ReturnFloat(float32(c.Int(0)))
		return nil
	})

	h.define("FloatToInt", func(c *Call) error {
		f := float64(c.Float(0))
		if math.IsNaN(f) || f > math.MaxInt32 || f < math.MinInt32 {
			c.ReturnInt(0)
			return nil
		}
		c.ReturnInt(int32(f))
		return nil
	})

	h.define("Vector", func(c *Call) error {
		c.ReturnVector(vm.Vector{X: c.Float(0), Y: c.Float(1), Z: c.Float(2)})
		return nil
	})

	h.define("VectorMagnitude", func(c *Call) error {
		c.ReturnFloat(c.Vector(0).Magnitude())
		return nil
	})

	h.define("VectorNormalize", func(c *Call) error {
		v := c.Vector(0)
		m := v.Magnitude()
		if m == 0 {
			c.ReturnVector(vm.Vector{})
			return nil
		}
		c.ReturnVector(v.Divide(m))
		return nil
	})
}
