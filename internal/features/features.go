// Package features turns a transaction event into the fixed-shape feature
// vector the model manager consumes.
//
// Every field of the vector is always populated. Missing optional inputs and
// failed profile/merchant/history/device lookups fall back to the neutral
// defaults below; only a blank user id or a failed velocity read is an error.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/fraudwatch/internal/fraud"
	"github.com/mbd888/fraudwatch/internal/lookup"
	"github.com/mbd888/fraudwatch/internal/velocity"
)

// Neutral defaults used when source data is absent.
const (
	DefaultMerchantCategory = 0
	DefaultUserAge          = 35
	DefaultAccountAgeDays   = 30
	DefaultPriorFraudScore  = 0.0
	NeutralRisk             = 0.5
)

// Signal levels.
const (
	KnownDeviceRisk   = 0.1
	UnknownDeviceRisk = 0.7

	InvalidGeoRisk      = 0.9
	HighRiskCountryRisk = 0.9
	AwayFromHomeRisk    = 0.6
	IPMismatchRisk      = 0.7
	ExpectedGeoRisk     = 0.1

	InvalidIPRisk     = 0.9
	PrivateIPRisk     = 0.3
	HostingIPRisk     = 0.8
	ResidentialIPRisk = 0.2
	UnresolvedIPRisk  = 0.3
)

const (
	// Window is the trailing interval velocity is measured over.
	Window = 24 * time.Hour

	maxVelocityScore = 100
)

// DefaultHostingKeywords flags ASN organisations that usually front
// datacenter, proxy or VPN traffic.
var DefaultHostingKeywords = []string{
	"hosting", "cloud", "datacenter", "data center", "vpn", "proxy",
	"amazon", "google", "microsoft", "digitalocean", "ovh", "hetzner", "linode",
}

// Extractor builds feature vectors. It is safe for concurrent use.
type Extractor struct {
	velocity  velocity.Store
	profiles  lookup.ProfileLookup
	merchants lookup.MerchantLookup
	history   lookup.FraudHistoryLookup
	devices   lookup.DeviceLookup
	ipIntel   IPIntel

	highRiskCountries map[string]bool
	hostingKeywords   []string
	logger            *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithProfiles sets the profile lookup.
func WithProfiles(l lookup.ProfileLookup) Option {
	return func(e *Extractor) { e.profiles = l }
}

// WithMerchants sets the merchant lookup.
func WithMerchants(l lookup.MerchantLookup) Option {
	return func(e *Extractor) { e.merchants = l }
}

// WithHistory sets the fraud history lookup.
func WithHistory(l lookup.FraudHistoryLookup) Option {
	return func(e *Extractor) { e.history = l }
}

// WithDevices sets the device lookup.
func WithDevices(l lookup.DeviceLookup) Option {
	return func(e *Extractor) { e.devices = l }
}

// WithIPIntel sets the IP intelligence source used for network and
// geolocation risk.
func WithIPIntel(i IPIntel) Option {
	return func(e *Extractor) { e.ipIntel = i }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithHighRiskCountries sets the ISO country codes treated as high risk.
func WithHighRiskCountries(codes []string) Option {
	return func(e *Extractor) {
		e.highRiskCountries = make(map[string]bool, len(codes))
		for _, c := range codes {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				e.highRiskCountries[c] = true
			}
		}
	}
}

// WithHostingKeywords replaces the ASN organisation keywords.
func WithHostingKeywords(words []string) Option {
	return func(e *Extractor) {
		e.hostingKeywords = e.hostingKeywords[:0]
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				e.hostingKeywords = append(e.hostingKeywords, w)
			}
		}
	}
}

// NewExtractor creates an extractor reading velocity from store. Lookups not
// supplied by options resolve to defaults.
func NewExtractor(store velocity.Store, opts ...Option) *Extractor {
	e := &Extractor{
		velocity:          store,
		highRiskCountries: map[string]bool{},
		hostingKeywords:   append([]string(nil), DefaultHostingKeywords...),
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// context gathered concurrently for one transaction
type inputs struct {
	recent      []velocity.Entry
	profile     *lookup.Profile
	merchant    *lookup.Merchant
	priorScore  float64
	deviceKnown *bool
}

// Extract builds the feature vector for tx.
func (e *Extractor) Extract(ctx context.Context, tx *fraud.TransactionEvent) (*fraud.FeatureVector, error) {
	if tx == nil || strings.TrimSpace(tx.UserID) == "" {
		return nil, fmt.Errorf("%w: user id cannot be resolved", fraud.ErrInvalidInput)
	}

	in, err := e.gather(ctx, tx)
	if err != nil {
		return nil, err
	}

	ts := tx.Timestamp.UTC()
	freq, sum := velocityAggregates(in.recent, tx)
	fv := &fraud.FeatureVector{
		TransactionAmount:    tx.Amount.InexactFloat64(),
		TransactionFrequency: freq,
		TimeOfDay:            ts.Hour(),
		DayOfWeek:            int(ts.Weekday()),
		MerchantCategory:     DefaultMerchantCategory,
		UserAge:              DefaultUserAge,
		AccountAgeDays:       DefaultAccountAgeDays,
		PriorFraudScore:      in.priorScore,
		VelocityScore:        VelocityScore(freq, sum),
		DeviceRisk:           NeutralRisk,
	}
	if in.merchant != nil {
		fv.MerchantCategory = in.merchant.CategoryCode
	}
	var homeCountry string
	if in.profile != nil {
		if in.profile.Age > 0 {
			fv.UserAge = in.profile.Age
		}
		if !in.profile.AccountCreatedAt.IsZero() {
			days := int(ts.Sub(in.profile.AccountCreatedAt) / (24 * time.Hour))
			fv.AccountAgeDays = max(days, 0)
		}
		homeCountry = strings.ToUpper(in.profile.HomeCountry)
	}
	if in.deviceKnown != nil {
		fv.DeviceRisk = UnknownDeviceRisk
		if *in.deviceKnown {
			fv.DeviceRisk = KnownDeviceRisk
		}
	}

	ip, ipInfo := e.resolveIP(tx.SourceIP)
	fv.NetworkRisk = e.networkRisk(tx.SourceIP, ip, ipInfo)
	fv.GeolocationRisk = e.geolocationRisk(tx.Geo, homeCountry, ipInfo)
	return fv, nil
}

// gather runs the velocity read and the lookups concurrently. Only the
// velocity read can fail the extraction.
func (e *Extractor) gather(ctx context.Context, tx *fraud.TransactionEvent) (*inputs, error) {
	in := &inputs{priorScore: DefaultPriorFraudScore}
	g, gctx := errgroup.WithContext(ctx)
	log := e.logger.With("transaction_id", tx.ID, "user_id", tx.UserID)

	g.Go(func() error {
		recent, err := e.velocity.Recent(gctx, tx.UserID, tx.Timestamp.Add(-Window))
		if err != nil {
			return fmt.Errorf("%w: velocity read: %w", fraud.ErrDependencyUnavailable, err)
		}
		in.recent = recent
		return nil
	})
	if e.profiles != nil {
		g.Go(func() error {
			p, err := e.profiles.Profile(gctx, tx.UserID)
			if err != nil {
				logLookupError(log, "profile", err)
				return nil
			}
			in.profile = p
			return nil
		})
	}
	if e.merchants != nil && tx.MerchantID != "" {
		g.Go(func() error {
			m, err := e.merchants.Merchant(gctx, tx.MerchantID)
			if err != nil {
				logLookupError(log, "merchant", err)
				return nil
			}
			in.merchant = m
			return nil
		})
	}
	if e.history != nil {
		g.Go(func() error {
			s, err := e.history.PriorFraudScore(gctx, tx.UserID)
			if err != nil {
				logLookupError(log, "fraud_history", err)
				return nil
			}
			in.priorScore = clamp01(s)
			return nil
		})
	}
	if e.devices != nil && tx.DeviceFingerprint != "" {
		g.Go(func() error {
			known, err := e.devices.KnownDevice(gctx, tx.UserID, tx.DeviceFingerprint)
			if err != nil {
				logLookupError(log, "device", err)
				return nil
			}
			in.deviceKnown = &known
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

func logLookupError(log *slog.Logger, source string, err error) {
	if errors.Is(err, lookup.ErrNotFound) {
		return
	}
	log.Warn("lookup failed, using default", "source", source, "error", err)
}

// velocityAggregates counts the entries in [ts-24h, ts], excluding tx itself,
// and sums their amounts.
func velocityAggregates(recent []velocity.Entry, tx *fraud.TransactionEvent) (int, decimal.Decimal) {
	since := tx.Timestamp.Add(-Window)
	sum := decimal.Zero
	n := 0
	for _, en := range recent {
		if en.TransactionID == tx.ID {
			continue
		}
		if en.Timestamp.Before(since) || en.Timestamp.After(tx.Timestamp) {
			continue
		}
		n++
		sum = sum.Add(en.Amount)
	}
	return n, sum
}

// VelocityScore is min(100, frequency*10 + sum/1000).
func VelocityScore(frequency int, sum decimal.Decimal) float64 {
	score := float64(frequency)*10 + sum.InexactFloat64()/1000
	return math.Min(maxVelocityScore, math.Max(0, score))
}

func (e *Extractor) resolveIP(raw string) (net.IP, *IPInfo) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil || e.ipIntel == nil || !isPublic(ip) {
		return ip, nil
	}
	info, err := e.ipIntel.Lookup(ip)
	if err != nil {
		e.logger.Debug("ip intelligence lookup failed", "error", err)
		return ip, nil
	}
	return ip, &info
}

func (e *Extractor) networkRisk(raw string, ip net.IP, info *IPInfo) float64 {
	switch {
	case strings.TrimSpace(raw) == "":
		return NeutralRisk
	case ip == nil:
		return InvalidIPRisk
	case !isPublic(ip):
		return PrivateIPRisk
	case info == nil:
		return UnresolvedIPRisk
	case e.isHosting(info.ASNOrg):
		return HostingIPRisk
	default:
		return ResidentialIPRisk
	}
}

func (e *Extractor) geolocationRisk(geo *fraud.Geolocation, homeCountry string, info *IPInfo) float64 {
	if geo == nil {
		return NeutralRisk
	}
	if !geo.Valid() {
		return InvalidGeoRisk
	}
	country := strings.ToUpper(geo.Country)
	if country == "" {
		return ExpectedGeoRisk
	}
	if e.highRiskCountries[country] {
		return HighRiskCountryRisk
	}

	risk := ExpectedGeoRisk
	if homeCountry != "" && country != homeCountry {
		risk = AwayFromHomeRisk
	}
	if info != nil && info.Country != "" && !strings.EqualFold(info.Country, country) {
		risk = math.Max(risk, IPMismatchRisk)
	}
	return risk
}

func (e *Extractor) isHosting(org string) bool {
	if org == "" {
		return false
	}
	org = strings.ToLower(org)
	for _, kw := range e.hostingKeywords {
		if strings.Contains(org, kw) {
			return true
		}
	}
	return false
}

func isPublic(ip net.IP) bool {
	return !(ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast())
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultPriorFraudScore
	}
	return math.Min(1, math.Max(0, v))
}
