package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/fleetlink/gt06d/internal/hub"
)

func monitorCmd() *cobra.Command {
	var skipInitial bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream device state updates",
		Long:  "Connects to the gt06d observer endpoint and streams device updates until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := dialObserver(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			// Unblock ReadMessage on Ctrl+C.
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					// Connection teardown on Ctrl+C is expected, not an error.
					if ctx.Err() != nil {
						return nil
					}
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
						errors.Is(err, net.ErrClosed) {
						return nil
					}

					return fmt.Errorf("read message: %w", err)
				}

				if err := printMessage(raw, skipInitial); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().BoolVar(&skipInitial, "no-initial", false,
		"skip the initial state snapshot, print live updates only")

	return cmd
}

// printMessage decodes one observer frame and prints it in outputFormat.
func printMessage(raw []byte, skipInitial bool) error {
	var msg hub.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode message envelope: %w", err)
	}

	switch msg.Type {
	case hub.TypeInitialState:
		if skipInitial {
			return nil
		}

		var states []hub.DeviceStateJSON
		if err := json.Unmarshal(msg.Data, &states); err != nil {
			return fmt.Errorf("decode initial state: %w", err)
		}

		out, err := formatStates(states, outputFormat)
		if err != nil {
			return fmt.Errorf("format initial state: %w", err)
		}

		fmt.Print(out)
		if outputFormat != formatText {
			fmt.Println()
		}

	case hub.TypeUpdate:
		var state hub.DeviceStateJSON
		if err := json.Unmarshal(msg.Data, &state); err != nil {
			return fmt.Errorf("decode update: %w", err)
		}

		out, err := formatState(state, outputFormat)
		if err != nil {
			return fmt.Errorf("format update: %w", err)
		}

		fmt.Println(out)

	default:
		// Unknown message types from newer servers are skipped.
	}

	return nil
}
