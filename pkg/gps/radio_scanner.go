package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// RouterScanner collects Wi-Fi access points through ubus iwinfo and the
// serving LTE cell through the modem's AT interface
type RouterScanner struct {
	WiFiDevice string
	run        CommandRunner
	logger     *logx.Logger
}

// NewRouterScanner creates a scanner for the given wireless device
func NewRouterScanner(wifiDevice string, logger *logx.Logger) *RouterScanner {
	return NewRouterScannerWithRunner(wifiDevice, runCommand, logger)
}

// NewRouterScannerWithRunner creates a scanner using a custom command runner
func NewRouterScannerWithRunner(wifiDevice string, run CommandRunner, logger *logx.Logger) *RouterScanner {
	if wifiDevice == "" {
		wifiDevice = "wlan0"
	}
	return &RouterScanner{WiFiDevice: wifiDevice, run: run, logger: logger}
}

// Scan implements RadioScanner. Either half may fail on its own; an error
// is returned only when neither produced anything.
func (rs *RouterScanner) Scan(ctx context.Context) (*RadioScan, error) {
	scan := &RadioScan{RadioType: maps.RadioTypeLTE}

	aps, wifiErr := rs.scanWiFi(ctx)
	if wifiErr != nil {
		rs.logger.Debug("WiFi scan failed", "device", rs.WiFiDevice, "error", wifiErr)
	}
	scan.WiFi = aps

	cell, cellErr := rs.servingCell(ctx)
	if cellErr != nil {
		rs.logger.Debug("Cell query failed", "error", cellErr)
	}
	if cell != nil {
		scan.Cells = []maps.CellTower{*cell}
	}

	if wifiErr != nil && cellErr != nil {
		return nil, fmt.Errorf("failed to scan radio environment: %w", wifiErr)
	}
	return scan, nil
}

func (rs *RouterScanner) scanWiFi(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
	arg := fmt.Sprintf(`{"device":%q}`, rs.WiFiDevice)
	output, err := rs.run(ctx, "ubus", "call", "iwinfo", "scan", arg)
	if err != nil {
		return nil, fmt.Errorf("failed to scan WiFi: %w", err)
	}

	var result struct {
		Results []struct {
			BSSID   string `json:"bssid"`
			Signal  int    `json:"signal"`
			Channel int    `json:"channel"`
		} `json:"results"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("failed to parse WiFi scan results: %w", err)
	}

	var aps []maps.WiFiAccessPoint
	for _, r := range result.Results {
		if r.BSSID == "" {
			continue
		}
		aps = append(aps, maps.WiFiAccessPoint{
			MACAddress:     strings.ToLower(r.BSSID),
			SignalStrength: float64(r.Signal),
			Channel:        r.Channel,
		})
	}
	return aps, nil
}

func (rs *RouterScanner) servingCell(ctx context.Context) (*maps.CellTower, error) {
	output, err := rs.run(ctx, "gsmctl", "-A", `AT+QENG="servingcell"`)
	if err != nil {
		return nil, fmt.Errorf("failed to get serving cell info: %w", err)
	}
	for _, line := range strings.Split(string(output), "\n") {
		if strings.Contains(line, "+QENG:") && strings.Contains(line, `"LTE"`) {
			if cell := parseServingCell(line); cell != nil {
				return cell, nil
			}
		}
	}
	return nil, fmt.Errorf("no LTE serving cell in modem response")
}

// parseServingCell reads
// +QENG: "servingcell",<state>,"LTE",<duplex>,<mcc>,<mnc>,<cellid>,<pcid>,<earfcn>,<band>,<ul_bw>,<dl_bw>,<tac>,<rsrp>,...
func parseServingCell(line string) *maps.CellTower {
	_, fields, ok := strings.Cut(line, ":")
	if !ok {
		return nil
	}
	parts := strings.Split(fields, ",")
	if len(parts) < 14 {
		return nil
	}
	field := func(i int) string { return strings.Trim(strings.TrimSpace(parts[i]), `"`) }

	mcc, err := strconv.Atoi(field(4))
	if err != nil {
		return nil
	}
	mnc, err := strconv.Atoi(field(5))
	if err != nil {
		return nil
	}
	cellID, err := strconv.ParseInt(field(6), 16, 64)
	if err != nil || cellID < 0 || cellID > int64(^uint32(0)) {
		return nil
	}
	tac, err := strconv.ParseInt(field(12), 16, 64)
	if err != nil {
		return nil
	}

	tower := &maps.CellTower{
		CellID:            int(cellID),
		LocationAreaCode:  int(tac),
		MobileCountryCode: mcc,
		MobileNetworkCode: mnc,
	}
	if rsrp, err := strconv.Atoi(field(13)); err == nil {
		tower.SignalStrength = rsrp
	}
	return tower
}
