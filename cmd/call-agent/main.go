// Command call-agent is a headless call participant. It connects to the call
// service as one user and places or answers calls with Pion media.
package main

import (
	"os"
)

func main() {
	if err := rootCMD.Execute(); err != nil {
		os.Exit(1)
	}
}
