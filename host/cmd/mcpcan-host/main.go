// mcpcan-host talks to an MCP2515 CAN controller through the bridge
// firmware, a Linux spidev port or an in-process simulator.
package main

import (
	"os"

	"mcpcan/host/cmd/mcpcan-host/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
