package features

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// IPInfo is what IP intelligence knows about a source address.
type IPInfo struct {
	Country string // ISO 3166-1 alpha-2, empty when unknown
	ASNOrg  string // autonomous system organisation, empty when unknown
}

// IPIntel resolves a public IP address.
type IPIntel interface {
	Lookup(ip net.IP) (IPInfo, error)
}

// GeoIP resolves addresses with MaxMind GeoIP2/GeoLite2 databases. Either
// database may be absent; the matching IPInfo field is then left empty.
type GeoIP struct {
	city *geoip2.Reader
	asn  *geoip2.Reader
}

// OpenGeoIP opens the City and ASN databases at the given paths. Empty paths
// are skipped. At least one path must be set.
func OpenGeoIP(cityPath, asnPath string) (*GeoIP, error) {
	if cityPath == "" && asnPath == "" {
		return nil, errors.New("geoip: no database configured")
	}
	g := &GeoIP{}
	if cityPath != "" {
		r, err := geoip2.Open(cityPath)
		if err != nil {
			return nil, fmt.Errorf("geoip: open city db: %w", err)
		}
		g.city = r
	}
	if asnPath != "" {
		r, err := geoip2.Open(asnPath)
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("geoip: open asn db: %w", err)
		}
		g.asn = r
	}
	return g, nil
}

func (g *GeoIP) Lookup(ip net.IP) (IPInfo, error) {
	var info IPInfo
	if g.city != nil {
		rec, err := g.city.City(ip)
		if err != nil {
			return info, fmt.Errorf("geoip: city lookup: %w", err)
		}
		info.Country = rec.Country.IsoCode
	}
	if g.asn != nil {
		rec, err := g.asn.ASN(ip)
		if err != nil {
			return info, fmt.Errorf("geoip: asn lookup: %w", err)
		}
		info.ASNOrg = rec.AutonomousSystemOrganization
	}
	return info, nil
}

// Close releases both databases.
func (g *GeoIP) Close() error {
	var errs []error
	if g.city != nil {
		errs = append(errs, g.city.Close())
	}
	if g.asn != nil {
		errs = append(errs, g.asn.Close())
	}
	return errors.Join(errs...)
}
