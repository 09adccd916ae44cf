// gt06ctl is the CLI companion for the gt06d gateway. It speaks the same
// websocket observer channel the map UI uses.
package main

import "github.com/fleetlink/gt06d/cmd/gt06ctl/commands"

func main() {
	commands.Execute()
}
