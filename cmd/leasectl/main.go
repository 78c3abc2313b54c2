// Command leasectl creates resources and manages leases through the leaselockd HTTP API.
package main

import "os"

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
