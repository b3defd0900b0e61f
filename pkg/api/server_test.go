package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/estimator"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

type staticStats struct{ stats estimator.Stats }

func (s staticStats) Stats() estimator.Stats { return s.stats }

func estimate(lat float64, interpolated bool) pkg.PrecisionLocation {
	return pkg.PrecisionLocation{
		SessionID:      "s1",
		Latitude:       lat,
		Longitude:      77.5946,
		Accuracy:       4,
		Confidence:     0.9,
		IsInterpolated: interpolated,
		Timestamp:      time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Source:         "satellite",
	}
}

func TestCurrentLocation(t *testing.T) {
	s := NewServer(nil, nil, logx.Discard())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/current", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.Publish(estimate(12.9716, false))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/current", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 12.9716, resp.Data.Latitude)
	assert.Equal(t, "2", resp.Data.FixStatus)
	assert.Equal(t, "2024-05-01T08:00:00Z", resp.Data.DateTime)
	assert.Equal(t, "s1", resp.Data.SessionID)
}

func TestFixStatus(t *testing.T) {
	s := NewServer(nil, nil, logx.Discard())
	cases := []struct {
		loc  pkg.PrecisionLocation
		want string
	}{
		{pkg.PrecisionLocation{Accuracy: 3, Confidence: 1}, "2"},
		{pkg.PrecisionLocation{Accuracy: 20, Confidence: 1}, "1"},
		{pkg.PrecisionLocation{Accuracy: 80, Confidence: 1}, "0"},
		{pkg.PrecisionLocation{Accuracy: 3, Confidence: 1, IsInterpolated: true}, "0"},
		{pkg.PrecisionLocation{Accuracy: 3, Confidence: 0.01}, "0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, s.convertToLocationData(&tc.loc).FixStatus)
	}
}

func TestAuthMiddleware(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.AuthKey = "secret"
	s := NewServer(nil, cfg, logx.Discard())
	s.Publish(estimate(12.9716, false))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/current", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/location/current", nil)
	req.Header.Set("X-API-Key", "secret")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/current?auth=secret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// health stays open
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewServer(nil, nil, logx.Discard()).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stats := staticStats{estimator.Stats{SessionID: "s1", Ticks: 42, State: "gap"}}
	rec = httptest.NewRecorder()
	NewServer(stats, nil, logx.Discard()).Handler().
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Session estimator.Stats `json:"session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(42), body.Session.Ticks)
	assert.Equal(t, "gap", body.Session.State)
}

func TestTrackGeoJSON(t *testing.T) {
	s := NewServer(nil, nil, logx.Discard())
	s.Publish(estimate(12.9716, false))
	s.Publish(estimate(12.9717, false))
	s.Publish(estimate(12.9718, true))
	s.Publish(estimate(12.9719, true))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/location/track", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	fc, err := geojson.UnmarshalFeatureCollection(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 3)

	measured := fc.Features[0]
	assert.Equal(t, false, measured.Properties["is_interpolated"])
	assert.Len(t, measured.Geometry.(orb.LineString), 2)

	reckoned := fc.Features[1]
	assert.Equal(t, true, reckoned.Properties["is_interpolated"])
	line := reckoned.Geometry.(orb.LineString)
	require.Len(t, line, 3)
	assert.Equal(t, orb.Point{77.5946, 12.9717}, line[0])

	last := fc.Features[2]
	assert.Equal(t, orb.Point{77.5946, 12.9719}, last.Geometry.(orb.Point))
}

func TestTrackRing(t *testing.T) {
	tr := NewTrack(3)
	_, ok := tr.Last()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		tr.Add(estimate(float64(i), false))
	}
	points := tr.Points()
	require.Len(t, points, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{points[0].Latitude, points[1].Latitude, points[2].Latitude})
	last, ok := tr.Last()
	assert.True(t, ok)
	assert.Equal(t, 4.0, last.Latitude)
}

func TestStreamBroadcast(t *testing.T) {
	s := NewServer(nil, nil, logx.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.hub.Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/location/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	s.Publish(estimate(12.9716, true))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var data LocationData
	require.NoError(t, json.Unmarshal(msg, &data))
	assert.Equal(t, 12.9716, data.Latitude)
	assert.True(t, data.IsInterpolated)

	cancel()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "hub shutdown closes the stream")
}

func TestServerStartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	s := NewServer(nil, cfg, logx.Discard())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
