package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/basket/taskbot/internal/channels"
	"github.com/basket/taskbot/internal/config"
	"github.com/basket/taskbot/internal/doctor"
)

// runDoctorCommand prints the diagnosis as text on a terminal and as JSON
// when piped or when -json is given. It exits non-zero if any check failed.
func runDoctorCommand(ctx context.Context, args []string, out io.Writer, terminal bool) int {
	jsonOutput := !terminal
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "usage: taskbot doctor [-json]\n")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the report shows what is wrong.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	opts := doctor.Options{Version: Version}
	if cfg.Telegram.Token != "" {
		opts.TelegramProbe = func(context.Context) (string, error) {
			return channels.NewTelegramChannel(channels.TelegramOptions{
				Token:          cfg.Telegram.Token,
				RequestTimeout: cfg.TelegramRequestTimeout(),
			}, nil).Connect()
		}
	}
	diag := doctor.Run(ctx, &cfg, opts)
	return writeDiagnosis(out, diag, jsonOutput)
}

func writeDiagnosis(out io.Writer, diag doctor.Diagnosis, jsonOutput bool) int {
	write := doctor.WriteText
	if jsonOutput {
		write = doctor.WriteJSON
	}
	if err := write(out, diag); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing report: %v\n", err)
		return 1
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
