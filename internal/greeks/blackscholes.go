// Package greeks prices European index options under Black-Scholes and
// solves implied volatility. Time to expiry uses an actual/365 day count.
package greeks

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/g6run/g6run/internal/domain"
)

var (
	ErrBadPrice      = errors.New("option price outside no-arbitrage bounds")
	ErrNoConvergence = errors.New("implied vol did not converge")
)

// Params are the pricing inputs shared by all options of one expiry.
type Params struct {
	Spot         float64
	Strike       float64
	TimeToExpiry float64
	Rate         float64
}

// Solver bounds the implied-vol search.
type Solver struct {
	Min           float64
	Max           float64
	Precision     float64
	MaxIterations int
}

// minTTE keeps expiry-day options solvable instead of dividing by zero.
const minTTE = 1.0 / (365 * 24)

// TimeToExpiry returns (expiry - now) in years, actual/365, floored to one hour.
func TimeToExpiry(now, expiry time.Time) float64 {
	t := expiry.Sub(now).Hours() / 24 / 365
	if t < minTTE {
		return minTTE
	}
	return t
}

func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1d2(p Params, vol float64) (float64, float64) {
	sqrtT := math.Sqrt(p.TimeToExpiry)
	d1 := (math.Log(p.Spot/p.Strike) + (p.Rate+0.5*vol*vol)*p.TimeToExpiry) / (vol * sqrtT)
	return d1, d1 - vol*sqrtT
}

// Price returns the Black-Scholes value of the option at the given vol.
func Price(opt domain.OptionType, p Params, vol float64) float64 {
	d1, d2 := d1d2(p, vol)
	disc := math.Exp(-p.Rate * p.TimeToExpiry)
	if opt == domain.CallOption {
		return p.Spot*normCDF(d1) - p.Strike*disc*normCDF(d2)
	}
	return p.Strike*disc*normCDF(-d2) - p.Spot*normCDF(-d1)
}

// Vega is the price sensitivity to one unit of vol (not per point).
func Vega(p Params, vol float64) float64 {
	d1, _ := d1d2(p, vol)
	return p.Spot * normPDF(d1) * math.Sqrt(p.TimeToExpiry)
}

// Compute returns the greeks at the given vol. Theta is per calendar day,
// Vega per vol point, Rho per rate point.
func Compute(opt domain.OptionType, p Params, vol float64) domain.Greeks {
	d1, d2 := d1d2(p, vol)
	sqrtT := math.Sqrt(p.TimeToExpiry)
	disc := math.Exp(-p.Rate * p.TimeToExpiry)

	var delta, thetaAnnual, rho float64
	decay := -(p.Spot * normPDF(d1) * vol) / (2 * sqrtT)
	if opt == domain.CallOption {
		delta = normCDF(d1)
		thetaAnnual = decay - p.Rate*p.Strike*disc*normCDF(d2)
		rho = p.Strike * p.TimeToExpiry * disc * normCDF(d2)
	} else {
		delta = normCDF(d1) - 1
		thetaAnnual = decay + p.Rate*p.Strike*disc*normCDF(-d2)
		rho = -p.Strike * p.TimeToExpiry * disc * normCDF(-d2)
	}

	return domain.Greeks{
		Delta: delta,
		Gamma: normPDF(d1) / (p.Spot * vol * sqrtT),
		Theta: thetaAnnual / 365,
		Vega:  Vega(p, vol) / 100,
		Rho:   rho / 100,
	}
}

// intrinsic is the discounted lower bound for a European option.
func intrinsic(opt domain.OptionType, p Params) float64 {
	disc := math.Exp(-p.Rate * p.TimeToExpiry)
	if opt == domain.CallOption {
		return math.Max(0, p.Spot-p.Strike*disc)
	}
	return math.Max(0, p.Strike*disc-p.Spot)
}

// ImpliedVol solves for the vol that reproduces price. Newton-Raphson on
// vega, falling back to bisection when vega flattens out, bounded to
// [cfg.Min, cfg.Max]. Returns the vol and the iterations consumed.
func ImpliedVol(opt domain.OptionType, p Params, price float64, cfg Solver) (float64, int, error) {
	if p.Spot <= 0 || p.Strike <= 0 || p.TimeToExpiry <= 0 {
		return 0, 0, fmt.Errorf("%w: spot=%g strike=%g t=%g", ErrBadPrice, p.Spot, p.Strike, p.TimeToExpiry)
	}
	upper := p.Spot
	if opt == domain.PutOption {
		upper = p.Strike * math.Exp(-p.Rate*p.TimeToExpiry)
	}
	if price <= intrinsic(opt, p) || price >= upper {
		return 0, 0, fmt.Errorf("%w: price=%g intrinsic=%g", ErrBadPrice, price, intrinsic(opt, p))
	}

	lo, hi := cfg.Min, cfg.Max
	vol := 0.5 * (lo + hi)
	if guess := initialGuess(p, price); guess > lo && guess < hi {
		vol = guess
	}

	for i := 1; i <= cfg.MaxIterations; i++ {
		diff := Price(opt, p, vol) - price
		if math.Abs(diff) < cfg.Precision {
			return vol, i, nil
		}
		if diff > 0 {
			hi = vol
		} else {
			lo = vol
		}

		v := Vega(p, vol)
		next := vol
		if v > 1e-10 {
			next = vol - diff/v
		}
		// Newton step outside the bracket means the slope misled us.
		if next <= lo || next >= hi {
			next = 0.5 * (lo + hi)
		}
		vol = next
	}
	return 0, cfg.MaxIterations, fmt.Errorf("%w after %d iterations", ErrNoConvergence, cfg.MaxIterations)
}

// initialGuess is the Brenner-Subrahmanyam approximation for near-ATM options.
func initialGuess(p Params, price float64) float64 {
	return math.Sqrt(2*math.Pi/p.TimeToExpiry) * price / p.Spot
}
