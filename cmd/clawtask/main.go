package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/config"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "clawtask"
	fmt.Fprintf(w, `Usage of %s:

DAEMON:
  %s daemon                   Run the scheduler (poller, runner, heartbeat)

TASKS:
  %s task create <file>       Create a task from a JSON or YAML definition ("-" reads stdin)
  %s task get <id>            Show one task
  %s task list [-status s]    List tasks, optionally filtered by status
  %s task cancel <id>         Cancel a task (idempotent)
  %s task retry <id>          Re-queue a failed or dead-lettered task
  %s task update <id> [flags] Edit name, prompt, priority, schedule or retries
  %s task runs <id>           Show run history

SKILLS:
  %s skill list               Load configured skill dirs and show admission
  %s skill scan <file>        Scan one skill file and print findings
  %s skill remove <id>        Purge memories written by a skill

OTHER:
  %s spend                    Show today's and this month's spend against limits
  %s status                   Task counts by status
  %s audit [-n N]             Recent audit entries
  %s backup <dest>            Copy the SQLite database (sqlite driver only)
  %s init                     Write a starter config.yaml
  %s doctor [-json]           Check config, store, policy, skills and endpoints
  %s version                  Print the version

ENVIRONMENT VARIABLES:
  CLAWTASK_HOME           Data directory (default: ~/.clawtask)
  CLAWTASK_DATABASE_URL   Postgres DSN; selects the postgres driver
  SENDGRID_API_KEY        Enables e-mail delivery for the notify route
`, name, name, name, name, name, name, name, name, name, name, name, name, name, name, name, name, name, name, name)
}

func main() {
	loadDotEnv(".env")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args))
}

func dispatch(ctx context.Context, args []string) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version":
		fmt.Fprintln(os.Stdout, Version)
		return 0
	case "daemon":
		if len(args) > 1 && isHelpArg(args[1]) {
			printDaemonUsage(os.Stdout)
			return 0
		}
		if len(args) > 1 {
			printDaemonUsage(os.Stderr)
			return 2
		}
		// Quiet stdout logs when attached to a terminal; they still go to the log file.
		quiet := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CLAWTASK_LOG_STDOUT") == ""
		return runDaemon(ctx, quiet)
	case "task":
		return runTaskCommand(ctx, args[1:])
	case "skill":
		return runSkillCommand(ctx, args[1:])
	case "spend":
		return runSpendCommand(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "audit":
		return runAuditCommand(ctx, args[1:])
	case "backup":
		return runBackupCommand(ctx, args[1:])
	case "init":
		return runInitCommand(args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clawtask daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the task poller until interrupted. Set CLAWTASK_LOG_STDOUT=1 to")
	fmt.Fprintln(w, "mirror logs to a terminal.")
}

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawtask init")
		return 2
	}
	home := config.HomeDir()
	wrote, err := config.WriteDefault(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if !wrote {
		fmt.Fprintf(os.Stdout, "config.yaml already exists in %s\n", home)
		return 0
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", config.ConfigPath(home))
	return 0
}

// fatalStartup records a structured fatal event with a reason code and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Entry{Decision: audit.Fatal, Action: "runtime.startup", Reason: reasonCode, Subject: message})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"clawtask","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
