// meshprobe is a small field diagnostic: it checks that the configured radio
// socket exists and prints the resolved gateway configuration.
package main

import (
	"fmt"
	"os"

	"github.com/lora-osmnotes/gateway/internal/config"
	"github.com/lora-osmnotes/gateway/internal/transport"
)

func main() {
	cfg := config.FromEnv()

	fmt.Printf("serial port:      %s\n", cfg.SerialPort)
	fmt.Printf("data dir:         %s\n", cfg.DataDir)
	fmt.Printf("database:         %s\n", cfg.DBPath())
	fmt.Printf("dry run:          %v\n", cfg.DryRun)
	fmt.Printf("gps validation:   %v\n", !cfg.GPSValidationDisabled)
	fmt.Printf("timezone:         %s\n", cfg.Timezone)
	fmt.Printf("default language: %s\n", cfg.DefaultLanguage)
	fmt.Printf("admin addr:       %s\n", cfg.AdminAddr)
	fmt.Printf("notes api:        %s\n", cfg.OSMAPIURL)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}

	info, err := transport.DeviceExists(cfg.SerialPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device not available: %v\n", err)
		os.Exit(1)
	}
	// The gateway dials the driver sidecar socket. A bare serial device node
	// means the sidecar is not running yet, which the gateway would refuse.
	if info.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprintf(os.Stderr, "%s is a serial device node; start the radio driver sidecar on it and point SERIAL_PORT at its socket\n",
			cfg.SerialPort)
		os.Exit(1)
	}
	if info.Mode()&os.ModeSocket == 0 {
		fmt.Fprintf(os.Stderr, "%s exists but is not a driver socket (mode %s)\n",
			cfg.SerialPort, info.Mode())
		os.Exit(1)
	}
	fmt.Printf("driver socket:    %s (mode %s)\n", cfg.SerialPort, info.Mode())
	fmt.Println("ok")
}
