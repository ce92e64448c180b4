package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawtask doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return 2
	}
	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}
	open := func(ctx context.Context, cfg config.Config) (doctor.Store, error) {
		return storeOpener(ctx, cfg, nil)
	}
	return printDiagnosis(doctor.Run(ctx, cfgPtr, Version, open), *asJSON, os.Stdout, os.Stderr)
}

func printDiagnosis(d doctor.Diagnosis, asJSON bool, stdout, stderr io.Writer) int {
	if asJSON {
		if code := writeJSON(stdout, stderr, d); code != 0 {
			return code
		}
	} else {
		fmt.Fprintf(stdout, "clawtask %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		for _, r := range d.Results {
			fmt.Fprintf(tw, "[%s]\t%s\t%s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Fprintf(tw, "\t\t%s\n", r.Detail)
			}
		}
		tw.Flush()
	}
	if d.Failed() {
		return 1
	}
	return 0
}
