// uplinkctl is the command-line client for uplinkd.
package main

import "github.com/rishiad/uplink-server/pkg/cli"

func main() {
	cli.Execute()
}
