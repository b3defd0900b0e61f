package gps

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
)

const (
	// User equivalent range error used to turn HDOP into meters
	nmeaUERE     = 5.0
	knotsToMps   = 0.514444
	providerNMEA = "nmea"
)

// nmeaEpoch accumulates the sentences of one receiver epoch
type nmeaEpoch struct {
	utc     string
	gga     bool
	rmc     bool
	valid   bool
	sample  pkg.PositionSample
	flushed bool
}

// NMEAParser merges GGA, RMC and GSA sentences into position samples.
// Sentences sharing a UTC time belong to one epoch; an epoch is emitted once
// both GGA and RMC have been seen, or when the next epoch begins.
// Not safe for concurrent use.
type NMEAParser struct {
	cur  *nmeaEpoch
	vdop *float32
}

// NewNMEAParser creates a parser
func NewNMEAParser() *NMEAParser {
	return &NMEAParser{}
}

// Feed parses one line received at the given time. It returns a sample when
// an epoch completes, and an error for lines that fail the checksum or are
// malformed. Unknown sentence types are ignored.
func (p *NMEAParser) Feed(line string, received time.Time) (*pkg.PositionSample, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '$' {
		return nil, nil
	}
	body, err := verifyChecksum(line)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(body, ",")
	if len(parts[0]) < 5 {
		return nil, fmt.Errorf("short sentence id %q", parts[0])
	}

	switch parts[0][len(parts[0])-3:] {
	case "GGA":
		return p.feedGGA(parts, received)
	case "RMC":
		return p.feedRMC(parts, received)
	case "GSA":
		p.feedGSA(parts)
	}
	return nil, nil
}

// Flush emits the pending epoch if it holds a valid, unemitted fix
func (p *NMEAParser) Flush() *pkg.PositionSample {
	if p.cur == nil || p.cur.flushed || !p.cur.valid {
		return nil
	}
	p.cur.flushed = true
	s := p.cur.sample
	return &s
}

// epoch returns the accumulator for utc, flushing the previous one if it differs
func (p *NMEAParser) epoch(utc string, received time.Time) (*nmeaEpoch, *pkg.PositionSample) {
	if p.cur != nil && p.cur.utc == utc {
		return p.cur, nil
	}
	prev := p.Flush()
	p.cur = &nmeaEpoch{
		utc: utc,
		sample: pkg.PositionSample{
			Timestamp: received,
			Source:    pkg.SourceSatellite,
			Provider:  providerNMEA,
		},
	}
	return p.cur, prev
}

func (p *NMEAParser) feedGGA(parts []string, received time.Time) (*pkg.PositionSample, error) {
	if len(parts) < 15 {
		return nil, fmt.Errorf("GGA has %d fields", len(parts))
	}
	ep, prev := p.epoch(parts[1], received)
	ep.gga = true

	quality, err := strconv.Atoi(parts[6])
	if err != nil || quality == 0 {
		ep.valid = false
		return prev, nil
	}
	lat, okLat := parseCoordinate(parts[2], parts[3])
	lon, okLon := parseCoordinate(parts[4], parts[5])
	if !okLat || !okLon {
		return prev, fmt.Errorf("GGA has bad coordinates %q %q", parts[2], parts[4])
	}
	ep.valid = true
	ep.sample.Latitude = lat
	ep.sample.Longitude = lon

	if sats, err := strconv.Atoi(parts[7]); err == nil {
		ep.sample.Satellites = pkg.Int(sats)
	}
	if hdop, err := strconv.ParseFloat(parts[8], 32); err == nil && hdop > 0 {
		ep.sample.HDOP = pkg.Float32(float32(hdop))
		ep.sample.HorizontalAccuracy = float32(hdop * nmeaUERE)
	}
	if alt, err := strconv.ParseFloat(parts[9], 64); err == nil {
		ep.sample.Altitude = pkg.Float64(alt)
	}
	if p.vdop != nil {
		v := *p.vdop
		ep.sample.VDOP = &v
	}

	return p.complete(ep, prev), nil
}

func (p *NMEAParser) feedRMC(parts []string, received time.Time) (*pkg.PositionSample, error) {
	if len(parts) < 10 {
		return nil, fmt.Errorf("RMC has %d fields", len(parts))
	}
	ep, prev := p.epoch(parts[1], received)
	ep.rmc = true

	if parts[2] != "A" {
		return prev, nil
	}
	if !ep.gga {
		lat, okLat := parseCoordinate(parts[3], parts[4])
		lon, okLon := parseCoordinate(parts[5], parts[6])
		if !okLat || !okLon {
			return prev, fmt.Errorf("RMC has bad coordinates %q %q", parts[3], parts[5])
		}
		ep.valid = true
		ep.sample.Latitude = lat
		ep.sample.Longitude = lon
	}
	if knots, err := strconv.ParseFloat(parts[7], 64); err == nil {
		ep.sample.Speed = pkg.Float32(float32(knots * knotsToMps))
	}
	if course, err := strconv.ParseFloat(parts[8], 64); err == nil {
		ep.sample.Bearing = pkg.Float32(float32(course))
	}

	return p.complete(ep, prev), nil
}

// feedGSA records VDOP for the following epochs
func (p *NMEAParser) feedGSA(parts []string) {
	if len(parts) < 18 {
		return
	}
	if vdop, err := strconv.ParseFloat(parts[17], 32); err == nil && vdop > 0 {
		p.vdop = pkg.Float32(float32(vdop))
	}
}

func (p *NMEAParser) complete(ep *nmeaEpoch, prev *pkg.PositionSample) *pkg.PositionSample {
	if prev != nil || !ep.gga || !ep.rmc {
		return prev
	}
	return p.Flush()
}

// verifyChecksum strips the leading '$' and the '*hh' suffix, checking the
// XOR checksum when one is present
func verifyChecksum(line string) (string, error) {
	body := line[1:]
	star := strings.LastIndexByte(body, '*')
	if star < 0 {
		return body, nil
	}
	want, err := strconv.ParseUint(body[star+1:], 16, 8)
	if err != nil {
		return "", fmt.Errorf("bad checksum field %q", body[star+1:])
	}
	body = body[:star]
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	if sum != byte(want) {
		return "", fmt.Errorf("checksum mismatch: got %02X want %02X", sum, want)
	}
	return body, nil
}

// parseCoordinate converts NMEA DDMM.MMMM plus hemisphere to decimal degrees
func parseCoordinate(coordStr, dirStr string) (float64, bool) {
	if coordStr == "" || dirStr == "" {
		return 0, false
	}
	coord, err := strconv.ParseFloat(coordStr, 64)
	if err != nil {
		return 0, false
	}

	degrees := math.Floor(coord / 100)
	minutes := coord - degrees*100
	decimal := degrees + minutes/60

	switch dirStr {
	case "S", "W":
		decimal = -decimal
	case "N", "E":
	default:
		return 0, false
	}
	return decimal, true
}
