package gps

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const iwinfoScan = `{"results":[
 {"ssid":"home","bssid":"AA:BB:CC:00:11:22","signal":-48,"channel":6},
 {"ssid":"","bssid":"","signal":-90,"channel":1},
 {"ssid":"cafe","bssid":"aa:bb:cc:00:11:33","signal":-71,"channel":36}]}`

const qengServing = `
+QENG: "servingcell","NOCONN","LTE","FDD",240,01,1A2D00F,311,6300,20,3,3,2B4F,-95,-11,-64,11,-
OK`

func scriptedRunner(outputs map[string]string) CommandRunner {
	return func(_ context.Context, name string, _ ...string) ([]byte, error) {
		out, ok := outputs[name]
		if !ok {
			return nil, errors.New("exec: not found")
		}
		return []byte(out), nil
	}
}

func TestRouterScannerCollectsBoth(t *testing.T) {
	rs := NewRouterScannerWithRunner("", scriptedRunner(map[string]string{
		"ubus":   iwinfoScan,
		"gsmctl": qengServing,
	}), logx.Discard())

	scan, err := rs.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, scan.WiFi, 2)
	assert.Equal(t, "aa:bb:cc:00:11:22", scan.WiFi[0].MACAddress)
	assert.Equal(t, -48.0, scan.WiFi[0].SignalStrength)
	assert.Equal(t, 36, scan.WiFi[1].Channel)

	require.Len(t, scan.Cells, 1)
	assert.Equal(t, maps.CellTower{
		CellID:            0x1A2D00F,
		LocationAreaCode:  0x2B4F,
		MobileCountryCode: 240,
		MobileNetworkCode: 1,
		SignalStrength:    -95,
	}, scan.Cells[0])
}

func TestRouterScannerPartialResults(t *testing.T) {
	rs := NewRouterScannerWithRunner("wlan1", scriptedRunner(map[string]string{"ubus": iwinfoScan}), logx.Discard())
	scan, err := rs.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, scan.WiFi, 2)
	assert.Empty(t, scan.Cells)

	_, err = NewRouterScannerWithRunner("", scriptedRunner(nil), logx.Discard()).Scan(context.Background())
	assert.Error(t, err)
}

func TestParseServingCellRejectsShortLines(t *testing.T) {
	assert.Nil(t, parseServingCell(`+QENG: "servingcell","NOCONN","LTE"`))
	assert.Nil(t, parseServingCell(strings.Replace(qengServing, "1A2D00F", "zz", 1)))
}
