package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/safety"
	"github.com/basket/clawtask/internal/skills"
)

const skillUsage = "usage: clawtask skill <list|scan|remove> ..."

func runSkillCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, skillUsage)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	sub := strings.ToLower(strings.TrimSpace(args[0]))
	if sub == "remove" {
		store, err := storeOpener(ctx, cfg, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer store.Close()
		return skillCommand(ctx, cfg, store, args, os.Stdout, os.Stderr)
	}
	return skillCommand(ctx, cfg, nil, args, os.Stdout, os.Stderr)
}

func skillCommand(ctx context.Context, cfg config.Config, purger skills.MemoryPurger, args []string, stdout, stderr io.Writer) int {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	var rejected []string
	reg := skills.NewRegistry(skills.Options{
		Scanner:  skills.NewScanner(safety.NewDetector()),
		AutoScan: cfg.Skills.AutoScan,
		Purger:   purger,
		Logger:   quiet,
		OnScan: func(m skills.Manifest, res skills.ScanResult) {
			if !res.Passed {
				rejected = append(rejected, m.ID+" ("+m.FilePath+")")
			}
		},
	})

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "list":
		if len(args) != 1 {
			fmt.Fprintln(stderr, "usage: clawtask skill list")
			return 2
		}
		reg.LoadFromPaths(ctx, cfg.SkillDirs())
		for _, id := range cfg.Skills.Disabled {
			reg.Disable(id)
		}
		list := reg.List()
		if len(list) == 0 && len(rejected) == 0 {
			fmt.Fprintln(stdout, "no skills found in", strings.Join(cfg.SkillDirs(), ", "))
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tVERSION\tENABLED\tSCAN\tTOOLS\tPATH")
		for _, m := range list {
			scan := "skipped"
			if res := reg.ScanResult(m.ID); res != nil {
				scan = res.Severity.String()
			}
			tools := "unscoped"
			if m.ToolAllow != nil {
				tools = strings.Join(m.ToolAllow, ",")
				if tools == "" {
					tools = "none"
				}
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", m.ID, m.Version, reg.Enabled(m.ID), scan, tools, m.FilePath)
		}
		tw.Flush()
		for _, r := range rejected {
			fmt.Fprintf(stdout, "REJECTED by security scan: %s\n", r)
		}
		return 0

	case "scan":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: clawtask skill scan <file>")
			return 2
		}
		adm := reg.Install(ctx, args[1])
		if adm.Err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", adm.Reason, adm.Err)
			return 1
		}
		if adm.Scan != nil {
			fmt.Fprintf(stdout, "severity: %s\n", adm.Scan.Severity)
			for _, f := range adm.Scan.Findings {
				fmt.Fprintf(stdout, "  %-8s %-18s %s\n", f.Severity, f.Rule, f.Message)
			}
		}
		if !adm.Admitted {
			fmt.Fprintf(stdout, "rejected: %s\n", adm.Reason)
			return 1
		}
		fmt.Fprintf(stdout, "admitted: %s\n", adm.Manifest.ID)
		return 0

	case "remove":
		if len(args) != 2 {
			fmt.Fprintln(stderr, "usage: clawtask skill remove <id>")
			return 2
		}
		id := strings.TrimSpace(args[1])
		reg.LoadFromPaths(ctx, cfg.SkillDirs())
		m, ok := reg.Get(id)
		if !ok {
			fmt.Fprintf(stderr, "skill %s is not installed\n", id)
			return 1
		}
		res, err := reg.Uninstall(ctx, id)
		if err != nil {
			fmt.Fprintf(stderr, "remove failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "removed %s, purged %d memories\n", id, res.Purged)
		fmt.Fprintf(stdout, "delete %s to keep it from loading again\n", m.FilePath)
		return 0

	default:
		fmt.Fprintln(stderr, skillUsage)
		return 2
	}
}
