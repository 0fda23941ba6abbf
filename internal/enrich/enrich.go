package enrich

import (
	"context"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"

	"github.com/StefanGrimminck/threatfeed/internal/feed"
)

// Enricher adds ASN, country fallback and optionally a PTR hostname to records.
type Enricher struct {
	geoDB *geoip2.Reader
	asnDB *geoip2.Reader
	dns   *PTRResolver
	log   zerolog.Logger
	mu    sync.RWMutex
}

// NewEnricher opens MaxMind DBs and optional PTR resolver. geoPath and asnPath can be "" to skip.
func NewEnricher(geoPath, asnPath string, dns *PTRResolver, log zerolog.Logger) (*Enricher, error) {
	e := &Enricher{log: log, dns: dns}
	if geoPath != "" {
		db, err := geoip2.Open(geoPath)
		if err != nil {
			return nil, err
		}
		e.geoDB = db
	}
	if asnPath != "" {
		db, err := geoip2.Open(asnPath)
		if err != nil {
			if e.geoDB != nil {
				_ = e.geoDB.Close()
			}
			return nil, err
		}
		e.asnDB = db
	}
	return e, nil
}

// Close closes DBs.
func (e *Enricher) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.geoDB != nil {
		_ = e.geoDB.Close()
		e.geoDB = nil
	}
	if e.asnDB != nil {
		_ = e.asnDB.Close()
		e.asnDB = nil
	}
	return nil
}

// Annotate fills optional record fields from local databases. The country code
// reported by the reputation API always wins; the City DB is only a fallback.
// Unparseable addresses leave the record untouched.
func (e *Enricher) Annotate(ctx context.Context, rec *feed.Record) {
	if rec == nil {
		return
	}
	ip := net.ParseIP(rec.IPAddress)
	if ip == nil {
		return
	}

	e.mu.RLock()
	if e.asnDB != nil {
		if asn, err := e.asnDB.ASN(ip); err == nil && asn != nil {
			rec.ASN = asn.AutonomousSystemNumber
			rec.ASOrganization = asn.AutonomousSystemOrganization
		}
	}
	if e.geoDB != nil && rec.CountryCode == "" {
		if city, err := e.geoDB.City(ip); err == nil && city != nil && len(city.Country.IsoCode) == 2 {
			rec.CountryCode = city.Country.IsoCode
		}
	}
	e.mu.RUnlock()

	if e.dns == nil {
		return
	}
	name, err := e.dns.Hostname(ctx, ip.String())
	if err != nil {
		e.log.Debug().Err(err).Str("ip", rec.IPAddress).Msg("ptr lookup failed")
		return
	}
	rec.Hostname = name
}

// Ready returns true when the enricher can be used (always true; no DBs means pass-through).
func (e *Enricher) Ready() bool {
	return true
}
