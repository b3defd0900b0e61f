package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const (
	ggaFix   = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	rmcFix   = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	gsaFix   = "$GNGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1*27"
	ggaNoFix = "$GPGGA,123520,4807.038,N,01131.000,E,0,00,,,M,,M,,*58"
	ggaSouth = "$GPGGA,123521,4807.040,S,01131.000,W,1,05,2.0,545.4,M,46.9,M,,*4A"
)

func TestNMEAParserMergesEpoch(t *testing.T) {
	p := NewNMEAParser()
	now := time.Date(2024, 5, 1, 12, 35, 19, 0, time.UTC)

	s, err := p.Feed(gsaFix, now)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = p.Feed(ggaFix, now)
	require.NoError(t, err)
	assert.Nil(t, s, "waits for the matching RMC")

	s, err = p.Feed(rmcFix, now.Add(50*time.Millisecond))
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.InDelta(t, 48.1173, s.Latitude, 1e-9)
	assert.InDelta(t, 11.0+31.0/60, s.Longitude, 1e-9)
	assert.InDelta(t, 4.5, s.HorizontalAccuracy, 1e-5)
	assert.Equal(t, pkg.SourceSatellite, s.Source)
	assert.Equal(t, now, s.Timestamp)
	require.NotNil(t, s.Satellites)
	assert.Equal(t, 8, *s.Satellites)
	require.NotNil(t, s.HDOP)
	assert.InDelta(t, 0.9, *s.HDOP, 1e-6)
	require.NotNil(t, s.VDOP)
	assert.InDelta(t, 2.1, *s.VDOP, 1e-6)
	require.NotNil(t, s.Altitude)
	assert.InDelta(t, 545.4, *s.Altitude, 1e-9)
	require.NotNil(t, s.Speed)
	assert.InDelta(t, 22.4*0.514444, *s.Speed, 1e-4)
	require.NotNil(t, s.Bearing)
	assert.InDelta(t, 84.4, *s.Bearing, 1e-4)

	// already emitted
	assert.Nil(t, p.Flush())
}

func TestNMEAParserInvalidAndFlush(t *testing.T) {
	p := NewNMEAParser()
	now := time.Now()

	s, err := p.Feed(ggaNoFix, now)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = p.Feed(ggaSouth, now)
	require.NoError(t, err)
	assert.Nil(t, s, "an invalid epoch is never emitted")

	s = p.Flush()
	require.NotNil(t, s)
	assert.InDelta(t, -(48 + 7.040/60), s.Latitude, 1e-9)
	assert.InDelta(t, -(11 + 31.0/60), s.Longitude, 1e-9)
	assert.InDelta(t, 10.0, s.HorizontalAccuracy, 1e-5)
	assert.Nil(t, s.Speed)
}

func TestNMEAParserRejectsBadLines(t *testing.T) {
	p := NewNMEAParser()

	_, err := p.Feed("$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*00", time.Now())
	assert.Error(t, err)
	_, err = p.Feed("$GPGGA,123519,4807.038,N*ZZ", time.Now())
	assert.Error(t, err)
	_, err = p.Feed("$GPGGA,1,2", time.Now())
	assert.Error(t, err)

	s, err := p.Feed("garbage", time.Now())
	assert.NoError(t, err)
	assert.Nil(t, s)
	s, err = p.Feed("$GPGSV,3,1,11", time.Now())
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestParseCoordinate(t *testing.T) {
	v, ok := parseCoordinate("4807.038", "N")
	assert.True(t, ok)
	assert.InDelta(t, 48.1173, v, 1e-9)

	_, ok = parseCoordinate("", "N")
	assert.False(t, ok)
	_, ok = parseCoordinate("4807.038", "X")
	assert.False(t, ok)
}

func nmeaEpochLines(second int) string {
	gga := fmt.Sprintf("GPGGA,1235%02d,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,", second)
	rmc := fmt.Sprintf("GPRMC,1235%02d,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W", second)
	return "$" + gga + "\n$" + rmc + "\n"
}

func TestNMEASourceThrottlesByMode(t *testing.T) {
	r, w := io.Pipe()
	src := NewNMEAReaderSource(r, logx.Discard())

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	src.now = func() time.Time {
		// both sentences of an epoch share one second
		ts := base.Add(time.Duration(calls/2) * time.Second)
		calls++
		return ts
	}

	stream, err := src.SubscribePosition(context.Background(), pkg.ModeLowPower)
	require.NoError(t, err)

	go func() {
		for i := 0; i < 12; i++ {
			if _, err := io.WriteString(w, nmeaEpochLines(i)); err != nil {
				return
			}
		}
	}()

	var got []time.Time
	for len(got) < 3 {
		select {
		case u := <-stream.Updates():
			require.NoError(t, u.Err)
			got = append(got, u.Sample.Timestamp)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d samples delivered", len(got))
		}
	}
	assert.Equal(t, []time.Time{base, base.Add(5 * time.Second), base.Add(10 * time.Second)}, got)

	require.NoError(t, stream.Close())
	_, open := <-stream.Updates()
	assert.False(t, open)
}

func TestNMEASourceReportsEndOfStream(t *testing.T) {
	r, w := io.Pipe()
	src := NewNMEAReaderSource(r, logx.Discard())

	stream, err := src.SubscribePosition(context.Background(), pkg.ModeHighAccuracy)
	require.NoError(t, err)
	w.Close()

	select {
	case u := <-stream.Updates():
		assert.True(t, errors.Is(u.Err, pkg.ErrProviderUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("no end-of-stream update")
	}
	require.NoError(t, stream.Close())
}

func TestNMEASourceOpenErrors(t *testing.T) {
	missing := NewNMEASource(&NMEASourceConfig{Device: filepath.Join(t.TempDir(), "ttyNONE")}, logx.Discard())
	_, err := missing.SubscribePosition(context.Background(), pkg.ModeHighAccuracy)
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))

	denied := NewNMEASource(&NMEASourceConfig{Device: "/dev/ttyUSB9"}, logx.Discard())
	denied.open = func(path string) (io.ReadCloser, error) {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
	}
	_, err = denied.SubscribePosition(context.Background(), pkg.ModeHighAccuracy)
	assert.True(t, errors.Is(err, pkg.ErrPermissionDenied))
}
