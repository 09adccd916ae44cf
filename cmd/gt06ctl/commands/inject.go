package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/fleetlink/gt06d/internal/hub"
)

// errMissingIMEI is returned when inject is called without --imei.
var errMissingIMEI = errors.New("--imei is required")

func injectCmd() *cobra.Command {
	var (
		imei   string
		lat    float64
		lon    float64
		speed  uint8
		course uint16
		status string
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject a synthetic device update",
		Long:  "Sends one synthetic device state update through the observer channel, as a simulator or test harness would.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if imei == "" {
				return errMissingIMEI
			}

			state := hub.DeviceStateJSON{
				IMEI:     imei,
				Speed:    speed,
				Course:   course,
				Datetime: time.Now().UTC().Format(time.RFC3339),
				Status:   status,
			}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				state.Lat, state.Lon = &lat, &lon
			}

			data, err := json.Marshal(state)
			if err != nil {
				return fmt.Errorf("marshal state: %w", err)
			}

			frame, err := json.Marshal(hub.Message{Type: hub.TypeUpdate, Data: data})
			if err != nil {
				return fmt.Errorf("marshal envelope: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
			defer cancel()

			conn, err := dialObserver(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return fmt.Errorf("send update: %w", err)
			}

			// Close handshake so the server logs a clean disconnect.
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)

			fmt.Printf("injected update for %s\n", imei)

			return nil
		},
	}

	cmd.Flags().StringVar(&imei, "imei", "", "device IMEI (required)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude in decimal degrees")
	cmd.Flags().Float64Var(&lon, "lon", 0, "longitude in decimal degrees")
	cmd.Flags().Uint8Var(&speed, "speed", 0, "speed in km/h")
	cmd.Flags().Uint16Var(&course, "course", 0, "course in degrees")
	cmd.Flags().StringVar(&status, "status", "active", "device status: active, offline")

	return cmd
}
