package provider

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g6run/g6run/internal/config"
)

func TestRegistry_RegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Sim", SimFactory))

	err := reg.Register("sim", SimFactory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Equal(t, []string{"sim"}, reg.Names())

	p, err := reg.Build("SIM", config.ProviderSection{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sim", p.Name())
	assert.True(t, p.Capabilities().Has(RequiredCaps))
}

func TestRegistry_EmptyNameSelectsFirstSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("zeta", SimFactory))
	require.NoError(t, reg.Register("alpha", SimFactory))

	p, err := reg.Build("", config.ProviderSection{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "sim", p.Name())
	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build("kite", config.ProviderSection{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers registered")

	require.NoError(t, reg.Register("sim", SimFactory))
	_, err = reg.Build("kite", config.ProviderSection{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "kite"`)
}

func TestStepFor_SpotThreshold(t *testing.T) {
	assert.Equal(t, 100.0, StepFor("BANKNIFTY", 51200, nil))
	assert.Equal(t, 100.0, StepFor("NIFTY", 24800, nil))
	assert.Equal(t, 50.0, StepFor("FINNIFTY", 19900, nil))
	assert.Equal(t, 50.0, StepFor("NIFTY", 20000, nil), "threshold is strictly above 20000")
	assert.Equal(t, 50.0, StepFor("NIFTY", 24800, map[string]float64{"NIFTY": 50}), "configured step wins")
}

func TestATMStrike_RoundsToNearest(t *testing.T) {
	assert.Equal(t, 24800.0, ATMStrike(24812.35, 50))
	assert.Equal(t, 24850.0, ATMStrike(24826.0, 50))
	assert.Equal(t, 51200.0, ATMStrike(51249.9, 100))
	assert.Equal(t, 51300.0, ATMStrike(51250.0, 100))
}

func TestStrikeLadder(t *testing.T) {
	got := StrikeLadder(24800, 50, 2, 3)
	assert.Equal(t, []float64{24700, 24750, 24800, 24850, 24900, 24950}, got)
	assert.Nil(t, StrikeLadder(24800, 0, 2, 3))
}

func TestFabricateExpiries_NextTwoThursdays(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	// Monday 2026-08-24: the coming Thursdays are Aug 27 and Sep 3.
	monday := time.Date(2026, 8, 24, 11, 0, 0, 0, loc)
	got := FabricateExpiries(monday, loc)
	require.Len(t, got, 2)
	assert.Equal(t, "2026-08-27", got[0].Format("2006-01-02"))
	assert.Equal(t, "2026-09-03", got[1].Format("2006-01-02"))

	// A Thursday counts as its own first expiry.
	thursday := time.Date(2026, 8, 27, 11, 0, 0, 0, loc)
	got = FabricateExpiries(thursday, loc)
	assert.Equal(t, "2026-08-27", got[0].Format("2006-01-02"))
}

func TestMonthlyExpiry_LastThursday(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")
	at := time.Date(2026, 8, 10, 0, 0, 0, 0, loc)
	assert.Equal(t, "2026-08-27", MonthlyExpiry(at, loc).Format("2006-01-02"))
	assert.Equal(t, "2026-09-24", MonthlyExpiry(at.AddDate(0, 1, 0), loc).Format("2006-01-02"))
}

func TestCredentialStore_SnapshotAndRotate(t *testing.T) {
	t.Setenv("TEST_G6_KEY", "kite-key-123456")
	t.Setenv("TEST_G6_SECRET", "s3cr3t")

	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	store := NewCredentialStore("TEST_G6_KEY", "TEST_G6_SECRET", func() time.Time { return now })

	snap := store.Snapshot()
	assert.Equal(t, "kite-key-123456", snap.APIKey)
	assert.Equal(t, "ki***********56", snap.MaskedKey())

	now = now.Add(2 * time.Hour)
	assert.Equal(t, 2*time.Hour, store.Age())

	store.Rotate("new-key-9876", "new-secret")
	rotated := store.Snapshot()
	assert.Equal(t, "new-key-9876", rotated.APIKey)
	assert.Equal(t, now, rotated.Issued)

	// The earlier snapshot is unaffected by rotation.
	assert.Equal(t, "kite-key-123456", snap.APIKey)
}

func TestThrottle_SuppressesWithinGap(t *testing.T) {
	now := time.Unix(1000, 0)
	var suppressed []string
	th := NewThrottle(5*time.Second, func() time.Time { return now }, func(sink string) {
		suppressed = append(suppressed, sink)
	})

	assert.True(t, th.Allow(SinkFallback))
	assert.False(t, th.Allow(SinkFallback))
	assert.True(t, th.Allow(SinkQuoteFallback), "sinks throttle independently")

	now = now.Add(4 * time.Second)
	assert.False(t, th.Allow(SinkFallback))

	now = now.Add(2 * time.Second)
	assert.True(t, th.Allow(SinkFallback))

	assert.Equal(t, []string{SinkFallback, SinkFallback}, suppressed)
}

func TestMemoryCache_TTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewMemoryCache(func() time.Time { return now })

	c.Set("k", []byte("v"), 10*time.Second)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, 1, c.Len())

	now = now.Add(11 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestRedisCache_RoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	c := NewRedisCache(srv.Addr(), 0, "g6:test:")

	c.Set("instruments:NFO", []byte(`[{"symbol":"X"}]`), time.Minute)
	got, ok := c.Get("instruments:NFO")
	require.True(t, ok)
	assert.Equal(t, []byte(`[{"symbol":"X"}]`), got)
	assert.Equal(t, 1, c.Len())

	srv.FastForward(2 * time.Minute)
	_, ok = c.Get("instruments:NFO")
	assert.False(t, ok)
}

func TestNewCacheFromSettings(t *testing.T) {
	srv := miniredis.RunT(t)

	mem := NewCacheFromSettings(config.RedisConfig{}, "g6:", nil)
	_, isMem := mem.(*memoryCache)
	assert.True(t, isMem)

	red := NewCacheFromSettings(config.RedisConfig{Enabled: true, Addr: srv.Addr()}, "g6:", nil)
	_, isRedis := red.(*redisCache)
	assert.True(t, isRedis)
}
