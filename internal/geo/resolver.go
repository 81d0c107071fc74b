// Package geo resolves IP addresses to approximate locations and estimates
// travel velocity between located points.
package geo

import (
	"log/slog"
	"math"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"
)

const earthRadiusKm = 6371.0

// Location is an approximate point on the globe with its ISO country code.
type Location struct {
	Lat     float64
	Lon     float64
	Country string
}

// Resolver wraps an optional local MaxMind city database. A nil or absent
// database is a supported configuration: every lookup reports "unknown" and
// callers fall back to heuristics.
type Resolver struct {
	reader *geoip2.Reader
	logger *slog.Logger
}

func NewResolver(dbPath string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{logger: logger}
	if dbPath == "" {
		logger.Info("geo resolver running without database, lookups will report unknown")
		return r
	}

	reader, err := geoip2.Open(dbPath)
	if err != nil {
		logger.Warn("geo database unavailable, lookups will report unknown",
			"path", dbPath, "error", err)
		return r
	}

	r.reader = reader
	logger.Info("geo database loaded", "path", dbPath)
	return r
}

func (r *Resolver) Close() error {
	if r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// Locate maps an IP to a location. The second return is false when the
// database is absent, the IP does not parse, or the lookup has no usable
// coordinates; this is never an error condition.
func (r *Resolver) Locate(ip string) (Location, bool) {
	if r.reader == nil || ip == "" {
		return Location{}, false
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, false
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return Location{}, false
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return Location{}, false
	}

	return Location{
		Lat:     record.Location.Latitude,
		Lon:     record.Location.Longitude,
		Country: record.Country.IsoCode,
	}, true
}

// Haversine returns the great-circle distance between two points in km.
func Haversine(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lon1 := a.Lon * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	lon2 := b.Lon * math.Pi / 180

	dlat := lat2 - lat1
	dlon := lon2 - lon1

	h := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// Velocity estimates travel speed in km/h between two located points. The
// second return is false when elapsed time is exactly zero; a zero-distance
// hop over nonzero time is a valid 0 km/h.
func Velocity(p1 Location, t1 time.Time, p2 Location, t2 time.Time) (float64, bool) {
	elapsed := math.Abs(t2.Sub(t1).Hours())
	if elapsed == 0 {
		return 0, false
	}
	return Haversine(p1, p2) / elapsed, true
}

// SameSubnet24 reports whether both IPv4 addresses fall in the same /24.
// Unparseable or non-IPv4 input counts as same-subnet so the fallback
// heuristic stays quiet on garbage.
func SameSubnet24(ip1, ip2 string) bool {
	a := net.ParseIP(ip1)
	b := net.ParseIP(ip2)
	if a == nil || b == nil {
		return true
	}
	a4 := a.To4()
	b4 := b.To4()
	if a4 == nil || b4 == nil {
		return true
	}
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}
