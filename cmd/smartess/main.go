// smartess bridges SmartESS solar inverter (WiFi datalogger redirected to this host)
// to MQTT telemetry bus.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
