package features

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/lookup"
	"github.com/mbd888/fraudwatch/internal/velocity"
)

// Sunday 2026-03-01 14:30 UTC.
var ts = time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)

func event(id string) *fraud.TransactionEvent {
	return &fraud.TransactionEvent{
		ID:        id,
		UserID:    "u1",
		Amount:    decimal.NewFromInt(50),
		Currency:  "USD",
		Timestamp: ts,
	}
}

type failingVelocity struct{}

func (failingVelocity) Append(context.Context, string, velocity.Entry) error {
	return errors.New("redis down")
}

func (failingVelocity) Recent(context.Context, string, time.Time) ([]velocity.Entry, error) {
	return nil, errors.New("redis down")
}

type failingLookups struct{}

func (failingLookups) Profile(context.Context, string) (*lookup.Profile, error) {
	return nil, errors.New("db down")
}

func (failingLookups) Merchant(context.Context, string) (*lookup.Merchant, error) {
	return nil, errors.New("db down")
}

func (failingLookups) PriorFraudScore(context.Context, string) (float64, error) {
	return 0, errors.New("db down")
}

func (failingLookups) KnownDevice(context.Context, string, string) (bool, error) {
	return false, errors.New("db down")
}

// stubIntel maps IP strings to fixed answers.
type stubIntel struct {
	mu    sync.Mutex
	infos map[string]IPInfo
	err   error
}

func (s *stubIntel) Lookup(ip net.IP) (IPInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return IPInfo{}, s.err
	}
	return s.infos[ip.String()], nil
}

func TestExtract_Defaults(t *testing.T) {
	e := NewExtractor(velocity.NewMemoryStore())
	fv, err := e.Extract(context.Background(), event("tx_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := fraud.FeatureVector{
		TransactionAmount:    50,
		TransactionFrequency: 0,
		TimeOfDay:            14,
		DayOfWeek:            0,
		MerchantCategory:     DefaultMerchantCategory,
		UserAge:              DefaultUserAge,
		AccountAgeDays:       DefaultAccountAgeDays,
		PriorFraudScore:      DefaultPriorFraudScore,
		VelocityScore:        0,
		DeviceRisk:           NeutralRisk,
		GeolocationRisk:      NeutralRisk,
		NetworkRisk:          NeutralRisk,
	}
	if *fv != want {
		t.Errorf("got  %+v\nwant %+v", *fv, want)
	}
}

func TestExtract_BlankUser(t *testing.T) {
	e := NewExtractor(velocity.NewMemoryStore())
	ev := event("tx_1")
	ev.UserID = "  "
	if _, err := e.Extract(context.Background(), ev); !errors.Is(err, fraud.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestExtract_VelocityFailure(t *testing.T) {
	e := NewExtractor(failingVelocity{})
	_, err := e.Extract(context.Background(), event("tx_1"))
	if !errors.Is(err, fraud.ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
}

func TestExtract_LookupFailuresUseDefaults(t *testing.T) {
	var l failingLookups
	e := NewExtractor(velocity.NewMemoryStore(),
		WithProfiles(l), WithMerchants(l), WithHistory(l), WithDevices(l))

	ev := event("tx_1")
	ev.MerchantID = "m1"
	ev.DeviceFingerprint = "fp"

	fv, err := e.Extract(context.Background(), ev)
	if err != nil {
		t.Fatalf("lookup failures must not fail extraction: %v", err)
	}
	if fv.UserAge != DefaultUserAge || fv.AccountAgeDays != DefaultAccountAgeDays ||
		fv.MerchantCategory != DefaultMerchantCategory || fv.DeviceRisk != NeutralRisk {
		t.Errorf("expected defaults, got %+v", fv)
	}
}

func TestExtract_Velocity(t *testing.T) {
	store := velocity.NewMemoryStore()
	ctx := context.Background()
	add := func(id string, amount int64, at time.Time) {
		if err := store.Append(ctx, "u1", velocity.Entry{TransactionID: id, Amount: decimal.NewFromInt(amount), Timestamp: at}); err != nil {
			t.Fatal(err)
		}
	}
	add("old", 9000, ts.Add(-25*time.Hour))
	add("a", 2000, ts.Add(-3*time.Hour))
	add("b", 3000, ts.Add(-time.Minute))
	add("future", 1000, ts.Add(time.Hour))
	add("tx_1", 50, ts)

	fv, err := NewExtractor(store).Extract(ctx, event("tx_1"))
	if err != nil {
		t.Fatal(err)
	}
	if fv.TransactionFrequency != 2 {
		t.Errorf("expected frequency 2 (a, b), got %d", fv.TransactionFrequency)
	}
	// 2*10 + 5000/1000
	if fv.VelocityScore != 25 {
		t.Errorf("expected velocity score 25, got %v", fv.VelocityScore)
	}
}

func TestVelocityScore_Capped(t *testing.T) {
	if got := VelocityScore(50, decimal.NewFromInt(1_000_000)); got != 100 {
		t.Errorf("expected cap at 100, got %v", got)
	}
	if got := VelocityScore(3, decimal.NewFromInt(500)); got != 30.5 {
		t.Errorf("expected 30.5, got %v", got)
	}
}

func TestExtract_VelocityMonotonic(t *testing.T) {
	store := velocity.NewMemoryStore()
	e := NewExtractor(store)
	ctx := context.Background()

	prev := -1
	for i := 0; i < 15; i++ {
		fv, err := e.Extract(ctx, event("probe"))
		if err != nil {
			t.Fatal(err)
		}
		if fv.TransactionFrequency < prev {
			t.Fatalf("frequency decreased from %d to %d", prev, fv.TransactionFrequency)
		}
		prev = fv.TransactionFrequency
		_ = store.Append(ctx, "u1", velocity.Entry{TransactionID: "t", Amount: decimal.NewFromInt(1), Timestamp: ts.Add(-time.Minute)})
	}
	if prev != 14 {
		t.Errorf("expected final frequency 14, got %d", prev)
	}
}

func TestExtract_ProfileMerchantHistory(t *testing.T) {
	mem := lookup.NewMemory()
	mem.PutProfile(lookup.Profile{UserID: "u1", Age: 51, AccountCreatedAt: ts.Add(-10 * 24 * time.Hour), HomeCountry: "DE"})
	mem.PutMerchant(lookup.Merchant{ID: "m1", CategoryCode: 5411})
	mem.PutFraudScore("u1", 0.4)
	mem.PutDevice("u1", "fp-known")

	e := NewExtractor(velocity.NewMemoryStore(),
		WithProfiles(mem), WithMerchants(mem), WithHistory(mem), WithDevices(mem))

	ev := event("tx_1")
	ev.MerchantID = "m1"
	ev.DeviceFingerprint = "fp-known"
	fv, err := e.Extract(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if fv.UserAge != 51 || fv.AccountAgeDays != 10 || fv.MerchantCategory != 5411 || fv.PriorFraudScore != 0.4 {
		t.Errorf("lookups not applied: %+v", fv)
	}
	if fv.DeviceRisk != KnownDeviceRisk {
		t.Errorf("expected known device risk, got %v", fv.DeviceRisk)
	}

	ev.DeviceFingerprint = "fp-new"
	fv, _ = e.Extract(context.Background(), ev)
	if fv.DeviceRisk != UnknownDeviceRisk {
		t.Errorf("expected unknown device risk, got %v", fv.DeviceRisk)
	}
}

func TestGeolocationRisk(t *testing.T) {
	mem := lookup.NewMemory()
	mem.PutProfile(lookup.Profile{UserID: "u1", HomeCountry: "DE"})
	intel := &stubIntel{infos: map[string]IPInfo{
		"203.0.113.7":  {Country: "DE", ASNOrg: "Deutsche Telekom AG"},
		"198.51.100.9": {Country: "BR", ASNOrg: "Claro"},
	}}
	e := NewExtractor(velocity.NewMemoryStore(),
		WithProfiles(mem),
		WithIPIntel(intel),
		WithHighRiskCountries([]string{"kp", " ir "}))

	tests := []struct {
		name string
		geo  *fraud.Geolocation
		ip   string
		want float64
	}{
		{"absent", nil, "", NeutralRisk},
		{"invalid coordinates", &fraud.Geolocation{Lat: 120, Lon: 0, Country: "DE"}, "", InvalidGeoRisk},
		{"high risk country", &fraud.Geolocation{Lat: 39, Lon: 125.7, Country: "KP"}, "", HighRiskCountryRisk},
		{"home country", &fraud.Geolocation{Lat: 52.5, Lon: 13.4, Country: "DE"}, "203.0.113.7", ExpectedGeoRisk},
		{"away from home", &fraud.Geolocation{Lat: 48.8, Lon: 2.3, Country: "FR"}, "", AwayFromHomeRisk},
		{"ip country mismatch", &fraud.Geolocation{Lat: 52.5, Lon: 13.4, Country: "DE"}, "198.51.100.9", IPMismatchRisk},
		{"no country", &fraud.Geolocation{Lat: 52.5, Lon: 13.4}, "", ExpectedGeoRisk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event("tx_1")
			ev.Geo = tt.geo
			ev.SourceIP = tt.ip
			fv, err := e.Extract(context.Background(), ev)
			if err != nil {
				t.Fatal(err)
			}
			if fv.GeolocationRisk != tt.want {
				t.Errorf("expected %v, got %v", tt.want, fv.GeolocationRisk)
			}
		})
	}
}

func TestNetworkRisk(t *testing.T) {
	intel := &stubIntel{infos: map[string]IPInfo{
		"203.0.113.7":  {Country: "US", ASNOrg: "Comcast Cable"},
		"198.51.100.9": {Country: "US", ASNOrg: "DigitalOcean, LLC"},
	}}
	withIntel := NewExtractor(velocity.NewMemoryStore(), WithIPIntel(intel))
	without := NewExtractor(velocity.NewMemoryStore())

	tests := []struct {
		name string
		e    *Extractor
		ip   string
		want float64
	}{
		{"absent", withIntel, "", NeutralRisk},
		{"garbage", withIntel, "999.1.1.1", InvalidIPRisk},
		{"private", withIntel, "10.0.0.4", PrivateIPRisk},
		{"loopback", withIntel, "127.0.0.1", PrivateIPRisk},
		{"residential", withIntel, "203.0.113.7", ResidentialIPRisk},
		{"hosting", withIntel, "198.51.100.9", HostingIPRisk},
		{"no intel", without, "203.0.113.7", UnresolvedIPRisk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := event("tx_1")
			ev.SourceIP = tt.ip
			fv, err := tt.e.Extract(context.Background(), ev)
			if err != nil {
				t.Fatal(err)
			}
			if fv.NetworkRisk != tt.want {
				t.Errorf("expected %v, got %v", tt.want, fv.NetworkRisk)
			}
		})
	}
}

func TestNetworkRisk_IntelError(t *testing.T) {
	e := NewExtractor(velocity.NewMemoryStore(), WithIPIntel(&stubIntel{err: errors.New("corrupt db")}))
	ev := event("tx_1")
	ev.SourceIP = "203.0.113.7"
	fv, err := e.Extract(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if fv.NetworkRisk != UnresolvedIPRisk {
		t.Errorf("expected unresolved risk on intel error, got %v", fv.NetworkRisk)
	}
}

func TestWithHostingKeywords(t *testing.T) {
	intel := &stubIntel{infos: map[string]IPInfo{"203.0.113.7": {ASNOrg: "Acme Tunnels"}}}
	e := NewExtractor(velocity.NewMemoryStore(), WithIPIntel(intel), WithHostingKeywords([]string{" TUNNEL "}))
	ev := event("tx_1")
	ev.SourceIP = "203.0.113.7"
	fv, _ := e.Extract(context.Background(), ev)
	if fv.NetworkRisk != HostingIPRisk {
		t.Errorf("expected custom keyword to flag hosting, got %v", fv.NetworkRisk)
	}
}

func TestOpenGeoIP_NoPaths(t *testing.T) {
	if _, err := OpenGeoIP("", ""); err == nil {
		t.Fatal("expected error with no databases")
	}
	if _, err := OpenGeoIP("/nonexistent/city.mmdb", ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}
