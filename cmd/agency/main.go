package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/abhi1693/openclaw-agency/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		// No subcommand: run standalone mode (default).
		if err := runStandalone(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "core":
		if err := runCore(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "gateway":
		if err := runGateway(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// If the first arg starts with '-', treat as standalone flags.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runStandalone(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: agency [core|gateway|version] [flags]\n")
		os.Exit(1)
	}
}

// applyLogLevel parses and applies a --log-level flag value.
func applyLogLevel(level string) error {
	if level == "" {
		return nil
	}
	l, err := logging.ParseLevel(level)
	if err != nil {
		return err
	}
	logging.SetLevel(l)
	return nil
}
