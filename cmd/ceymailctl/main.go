package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ceymail/ceymail-mc/internal/socketrpc"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var socketPath string
	var asJSON bool
	var showVersion bool

	flag.StringVar(&socketPath, "socket", "", "override socket path to connect to ceymaild")
	flag.BoolVar(&asJSON, "json", false, "print results as JSON")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Usage = printUsage
	flag.Parse()

	if showVersion {
		fmt.Printf("CeyMail Mission Control - Control Client\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}

	if err := run(socketPath, asJSON, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(socketPath string, asJSON bool, command string, args []string) error {
	if command == "help" {
		printUsage()
		return nil
	}

	if socketPath == "" {
		socketPath = socketrpc.DefaultSocketPath()
	}

	client, err := socketrpc.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to ceymaild at %s: %w\nIs the daemon running? Start it with: ceymaild", socketPath, err)
	}
	defer client.Close()

	a := &app{client: client, json: asJSON}

	switch command {
	case "status":
		return a.status(args)
	case "logs":
		return a.logs(args)
	case "tail":
		return a.tail(args)
	case "queue":
		return a.queue(args)
	case "stats":
		return a.stats(args)
	case "services":
		return a.services(args)
	case "service":
		return a.service(args)
	case "install":
		return a.install(args)
	case "install-state":
		return a.installState(args)
	case "permissions":
		return a.permissions(args)
	case "backup":
		return a.backup(args)
	case "dkim":
		return a.dkimCmd(args)
	case "dns":
		return a.dns(args)
	case "dnsbl":
		return a.dnsbl(args)
	case "domain":
		return a.domain(args)
	case "user":
		return a.user(args)
	case "alias":
		return a.alias(args)
	default:
		printUsage()
		return fmt.Errorf("unknown command: %q", command)
	}
}

// app bundles the RPC client with the output mode for the command
// handlers.
type app struct {
	client *socketrpc.Client
	json   bool
}

// emitJSON prints v as indented JSON when -json is set. It reports
// whether it handled the output so handlers can skip their human
// rendering.
func (a *app) emitJSON(v interface{}) (bool, error) {
	if !a.json {
		return false, nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return true, err
	}
	fmt.Println(string(data))
	return true, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: ceymailctl [-socket path] [-json] <command> [flags]

Monitoring:
  status                       Services, queue, and host at a glance
  logs [-n] [-level] [-source] Recent mail log entries
  tail [-path] [-n]            Last lines of a log file under /var/log
  queue                        Postfix queue counts
  stats                        Host CPU, memory, disk, and load
  services                     Managed service states

Control:
  service <name> <action>      start|stop|restart|reload|enable|disable
  install [flags]              Run the guided mail stack install
  install-state                Step states of the current or last run
  permissions [-fix]           Show or reapply the ownership manifest
  backup create|list|restore   Manage configuration archives
  dkim gen|list|del            Manage DKIM signing keys
  dns <domain>                 Check whether a domain resolves
  dnsbl <ip>                   Check an IP against DNS blocklists

Accounts (daemon needs mail-db-dsn):
  domain add|list|del          Virtual mail domains
  user add|list|passwd|del     Virtual mailbox users
  alias add|list|del           Mail aliases

Run 'ceymailctl <command> -h' for command flags.
`)
}
