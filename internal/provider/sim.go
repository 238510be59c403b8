package provider

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/g6run/g6run/internal/config"
	"github.com/g6run/g6run/internal/domain"
	"github.com/g6run/g6run/internal/greeks"
)

// simProvider synthesises a plausible NFO option universe. Everything is
// derived from seeded hashes of (index, date), so repeated calls within a
// day agree with each other and tests get stable fixtures.
type simProvider struct {
	cfg   config.ProviderSection
	clock func() time.Time
	loc   *time.Location
}

var simBaseSpot = map[string]float64{
	"NIFTY":     24800,
	"BANKNIFTY": 51200,
	"FINNIFTY":  23600,
	"SENSEX":    81000,
}

const simRiskFree = 0.06

// SimFactory registers under the name "sim".
func SimFactory(cfg config.ProviderSection, _ *CredentialStore) (Provider, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.UTC
	}
	return &simProvider{cfg: cfg, clock: time.Now, loc: loc}, nil
}

// NewSim builds a sim provider with an injected clock for tests.
func NewSim(cfg config.ProviderSection, clock func() time.Time) Provider {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &simProvider{cfg: cfg, clock: clock, loc: loc}
}

func (s *simProvider) Name() string { return "sim" }

func (s *simProvider) Capabilities() Capability {
	return CapInstruments | CapQuotes | CapLTP | CapExpiries | CapSpot
}

func (s *simProvider) Healthy(ctx context.Context) error { return ctx.Err() }

func (s *simProvider) rng(parts ...string) *rand.Rand {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func (s *simProvider) day() string {
	return s.clock().In(s.loc).Format("2006-01-02")
}

// GetSpot walks the base level with a daily seeded offset plus a slow
// intraday drift so consecutive cycles differ without jumping.
func (s *simProvider) GetSpot(ctx context.Context, index string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	base, ok := simBaseSpot[index]
	if !ok {
		base = 20000
	}
	rng := s.rng("spot", index, s.day())
	daily := (rng.Float64() - 0.5) * 0.01 * base

	now := s.clock().In(s.loc)
	minutes := float64(now.Hour()*60 + now.Minute())
	drift := math.Sin(minutes/75) * 0.002 * base

	return math.Round((base+daily+drift)*100) / 100, nil
}

func (s *simProvider) ResolveExpiries(ctx context.Context, index string) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock()
	weeklies := FabricateExpiries(now, s.loc)
	third := weeklies[1].AddDate(0, 0, 7)
	fourth := weeklies[1].AddDate(0, 0, 14)

	set := map[string]time.Time{}
	for _, e := range []time.Time{
		weeklies[0], weeklies[1], third, fourth,
		MonthlyExpiry(now, s.loc),
		MonthlyExpiry(now.AddDate(0, 1, 0), s.loc),
	} {
		if !e.Before(weeklies[0]) {
			set[domain.ExpiryKey(e)] = e
		}
	}
	out := make([]time.Time, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *simProvider) GetInstruments(ctx context.Context, exchange string) ([]domain.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []domain.Instrument
	for index := range simBaseSpot {
		spot, err := s.GetSpot(ctx, index)
		if err != nil {
			return nil, err
		}
		expiries, err := s.ResolveExpiries(ctx, index)
		if err != nil {
			return nil, err
		}
		step := StepFor(index, spot, s.cfg.StrikeSteps)
		atm := ATMStrike(spot, step)
		for _, expiry := range expiries {
			for _, strike := range StrikeLadder(atm, step, 12, 12) {
				for _, side := range []domain.OptionType{domain.CallOption, domain.PutOption} {
					sym := simSymbol(index, expiry, strike, side)
					rng := s.rng("inst", sym, s.day())
					dist := (strike - atm) / (8 * step)
					out = append(out, domain.Instrument{
						ID:         sym,
						Symbol:     sym,
						Index:      index,
						Exchange:   exchange,
						Strike:     strike,
						OptionType: side,
						Expiry:     expiry,
						LotSize:    simLotSize(index),
						Volume:     int64(10000 + 350000*math.Exp(-dist*dist)*rng.Float64()),
						OI:         int64(400000 + 2600000*math.Exp(-dist*dist)*(0.8+0.4*rng.Float64())),
					})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func simSymbol(index string, expiry time.Time, strike float64, side domain.OptionType) string {
	return fmt.Sprintf("%s%s%d%s", index, expiry.Format("060102"), int(strike), side)
}

var simSymbolRe = regexp.MustCompile(`^([A-Z]+)(\d{6})(\d+)(CE|PE)$`)

func parseSimSymbol(sym string) (index string, expiry time.Time, strike float64, side domain.OptionType, err error) {
	m := simSymbolRe.FindStringSubmatch(sym)
	if m == nil {
		return "", time.Time{}, 0, "", fmt.Errorf("unparseable symbol %q", sym)
	}
	expiry, err = time.Parse("060102", m[2])
	if err != nil {
		return "", time.Time{}, 0, "", err
	}
	k, err := strconv.Atoi(m[3])
	if err != nil {
		return "", time.Time{}, 0, "", err
	}
	return m[1], expiry, float64(k), domain.OptionType(m[4]), nil
}

func simLotSize(index string) int {
	switch index {
	case "BANKNIFTY":
		return 15
	case "SENSEX":
		return 10
	}
	return 25
}

func (s *simProvider) GetQuotes(ctx context.Context, refs []InstrumentRef) (map[string]domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]domain.Quote, len(refs))
	for _, ref := range refs {
		q, ok := s.quoteFor(ref.Symbol)
		if ok {
			out[ref.Symbol] = q
		}
	}
	return out, nil
}

func (s *simProvider) GetLTP(ctx context.Context, refs []InstrumentRef) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(refs))
	for _, ref := range refs {
		if q, ok := s.quoteFor(ref.Symbol); ok {
			out[ref.Symbol] = q.LastPrice
		}
	}
	return out, nil
}

func (s *simProvider) quoteFor(sym string) (domain.Quote, bool) {
	index, expiry, strike, side, err := parseSimSymbol(sym)
	if err != nil {
		return domain.Quote{}, false
	}
	spot, err := s.GetSpot(context.Background(), index)
	if err != nil {
		return domain.Quote{}, false
	}

	now := s.clock()
	sessionClose := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 15, 30, 0, 0, s.loc)
	p := greeks.Params{
		Spot:         spot,
		Strike:       strike,
		TimeToExpiry: greeks.TimeToExpiry(now, sessionClose),
		Rate:         simRiskFree,
	}

	rng := s.rng("quote", sym, s.day())
	m := math.Log(strike / spot)
	vol := 0.12 + 1.4*m*m - 0.05*m + (rng.Float64()-0.5)*0.01
	if vol < 0.08 {
		vol = 0.08
	}

	price := greeks.Price(side, p, vol)
	if price < 0.05 {
		price = 0.05
	}
	price = math.Round(price*20) / 20

	spread := math.Max(0.05, price*0.002)
	dist := (strike - spot) / (8 * StepFor(index, spot, s.cfg.StrikeSteps))
	oi := int64(400000 + 2600000*math.Exp(-dist*dist)*(0.8+0.4*rng.Float64()))
	volume := int64(10000 + 350000*math.Exp(-dist*dist)*rng.Float64())

	return domain.Quote{
		Symbol:    sym,
		LastPrice: price,
		Bid:       math.Max(0.05, price-spread),
		Ask:       price + spread,
		Volume:    volume,
		OI:        oi,
		Timestamp: now.Add(-time.Duration(rng.Intn(90)) * time.Second),
	}, true
}
