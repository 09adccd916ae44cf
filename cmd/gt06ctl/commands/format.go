// Package commands implements the gt06ctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/fleetlink/gt06d/internal/hub"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
	valueNA    = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStates renders a slice of device states in the requested format.
func formatStates(states []hub.DeviceStateJSON, format string) (string, error) {
	switch format {
	case formatText:
		return formatStatesTable(states)
	case formatJSON:
		return marshalJSON(statesToView(states))
	case formatYAML:
		return marshalYAML(statesToView(states))
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatState renders a single device state in the requested format.
func formatState(state hub.DeviceStateJSON, format string) (string, error) {
	switch format {
	case formatText:
		return formatStateLine(state), nil
	case formatJSON:
		return marshalJSON(stateToView(state))
	case formatYAML:
		return marshalYAML(stateToView(state))
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Text formatters ---

func formatStatesTable(states []hub.DeviceStateJSON) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IMEI\tLAT\tLON\tSPEED\tCOURSE\tFIX-TIME\tUPDATED\tSTATUS")

	for _, s := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			s.IMEI,
			coordString(s.Lat),
			coordString(s.Lon),
			s.Speed,
			s.Course,
			orNA(s.Datetime),
			orNA(s.LastUpd),
			s.Status,
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatStateLine(s hub.DeviceStateJSON) string {
	return fmt.Sprintf("[%s] imei=%s  lat=%s  lon=%s  speed=%d  course=%d  status=%s",
		orNA(s.LastUpd),
		s.IMEI,
		coordString(s.Lat),
		coordString(s.Lon),
		s.Speed,
		s.Course,
		s.Status,
	)
}

// --- Marshal helpers ---

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}

	return string(data), nil
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}

	return strings.TrimRight(string(data), "\n"), nil
}

// --- View types for clean structured output ---

type stateView struct {
	IMEI       string   `json:"imei"                 yaml:"imei"`
	Lat        *float64 `json:"lat,omitempty"        yaml:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"        yaml:"lon,omitempty"`
	Speed      uint8    `json:"speed"                yaml:"speed"`
	Course     uint16   `json:"course"               yaml:"course"`
	Datetime   string   `json:"datetime,omitempty"   yaml:"datetime,omitempty"`
	LastUpdate string   `json:"lastUpdate,omitempty" yaml:"lastUpdate,omitempty"`
	Status     string   `json:"status"               yaml:"status"`
}

func stateToView(s hub.DeviceStateJSON) stateView {
	return stateView{
		IMEI:       s.IMEI,
		Lat:        s.Lat,
		Lon:        s.Lon,
		Speed:      s.Speed,
		Course:     s.Course,
		Datetime:   s.Datetime,
		LastUpdate: s.LastUpd,
		Status:     s.Status,
	}
}

func statesToView(states []hub.DeviceStateJSON) []stateView {
	views := make([]stateView, 0, len(states))
	for _, s := range states {
		views = append(views, stateToView(s))
	}

	return views
}

// --- Small helpers ---

func coordString(v *float64) string {
	if v == nil {
		return valueNA
	}

	return fmt.Sprintf("%.6f", *v)
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}

	return s
}
