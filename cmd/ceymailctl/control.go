package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/socketrpc"
)

func (a *app) service(args []string) error {
	flags := flag.NewFlagSet("service", flag.ExitOnError)
	flags.Parse(args)

	rest := flags.Args()
	if len(rest) != 2 {
		return fmt.Errorf("usage: ceymailctl service <name> <start|stop|restart|reload|enable|disable>")
	}
	name, action := rest[0], rest[1]

	svc, err := a.client.ControlService(name, action)
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(svc); done {
		return err
	}
	fmt.Printf("%s %s: ok\n", action, name)
	printServiceState(svc)
	return nil
}

func (a *app) dns(args []string) error {
	flags := flag.NewFlagSet("dns", flag.ExitOnError)
	flags.Parse(args)

	rest := flags.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: ceymailctl dns <domain>")
	}
	domain := rest[0]

	resolves, err := a.client.CheckDNS(domain)
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(socketrpc.DNSResult{Resolves: resolves}); done {
		return err
	}
	if resolves {
		fmt.Printf("%s resolves\n", domain)
	} else {
		fmt.Printf("%s does not resolve\n", domain)
	}
	return nil
}

func (a *app) dnsbl(args []string) error {
	flags := flag.NewFlagSet("dnsbl", flag.ExitOnError)
	flags.Parse(args)

	rest := flags.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: ceymailctl dnsbl <ip>")
	}
	ip := rest[0]

	listed, err := a.client.CheckDNSBL(ip)
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(socketrpc.DNSBLResult{ListedOn: listed}); done {
		return err
	}
	if len(listed) == 0 {
		fmt.Printf("%s is not listed on any checked blocklist\n", ip)
		return nil
	}
	fmt.Printf("%s is listed on %d blocklist(s):\n", ip, len(listed))
	for _, zone := range listed {
		fmt.Printf("  %s\n", zone)
	}
	return nil
}

func (a *app) dkimCmd(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ceymailctl dkim <gen|list|del> [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "gen":
		flags := flag.NewFlagSet("dkim gen", flag.ExitOnError)
		selector := flags.String("selector", dkim.DefaultSelector, "DKIM selector")
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl dkim gen <domain> [-selector name]")
		}
		info, err := a.client.GenerateDKIM(flags.Arg(0), *selector)
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(info); done {
			return err
		}
		fmt.Printf("Generated DKIM key for %s (selector %s)\n", info.Domain, info.Selector)
		fmt.Printf("Private key: %s\n", info.PrivateKeyPath)
		if info.DNSRecord != "" {
			fmt.Printf("\nPublish this TXT record:\n%s\n", info.DNSRecord)
		}
		return nil

	case "list":
		flags := flag.NewFlagSet("dkim list", flag.ExitOnError)
		flags.Parse(rest)
		keys, err := a.client.ListDKIM()
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(keys); done {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("(no DKIM keys)")
			return nil
		}
		for _, k := range keys {
			fmt.Printf("%-30s selector %s\n", k.Domain, k.Selector)
		}
		return nil

	case "del":
		flags := flag.NewFlagSet("dkim del", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl dkim del <domain>")
		}
		domain := flags.Arg(0)
		if err := a.client.DeleteDKIM(domain); err != nil {
			return err
		}
		fmt.Printf("Deleted DKIM key for %s\n", domain)
		return nil

	default:
		return fmt.Errorf("unknown dkim subcommand: %q", sub)
	}
}

func (a *app) permissions(args []string) error {
	flags := flag.NewFlagSet("permissions", flag.ExitOnError)
	fix := flags.Bool("fix", false, "reapply ownership and modes")
	flags.Parse(args)

	if *fix {
		report, err := a.client.FixPermissions()
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(report); done {
			return err
		}
		fmt.Printf("Applied %d rule(s)\n", report.Applied)
		for _, msg := range report.Errors {
			fmt.Printf("  failed: %s\n", msg)
		}
		if len(report.Errors) > 0 {
			return fmt.Errorf("%d rule(s) could not be applied", len(report.Errors))
		}
		return nil
	}

	rules, err := a.client.PermissionManifest()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(rules); done {
		return err
	}
	for _, r := range rules {
		fmt.Println(r.String())
	}
	return nil
}

func (a *app) backup(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ceymailctl backup <create|list|restore> [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "create":
		flags := flag.NewFlagSet("backup create", flag.ExitOnError)
		includeDKIM := flags.Bool("dkim", true, "include DKIM keys")
		includeMailboxes := flags.Bool("mailboxes", false, "include mailbox contents")
		flags.Parse(rest)
		meta, err := a.client.CreateBackup(*includeDKIM, *includeMailboxes)
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(meta); done {
			return err
		}
		fmt.Printf("Created backup %s (%s)\n", meta.ID, formatBytes(uint64(meta.SizeBytes)))
		fmt.Printf("Archive: %s\n", meta.File)
		return nil

	case "list":
		flags := flag.NewFlagSet("backup list", flag.ExitOnError)
		flags.Parse(rest)
		backups, err := a.client.ListBackups()
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(backups); done {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("(no backups)")
			return nil
		}
		for _, b := range backups {
			var contents []string
			if b.IncludesConfig {
				contents = append(contents, "config")
			}
			if b.IncludesDKIM {
				contents = append(contents, "dkim")
			}
			if b.IncludesMailboxes {
				contents = append(contents, "mailboxes")
			}
			fmt.Printf("%-22s %s  %-9s %s\n",
				b.ID, b.CreatedAt.Format(time.RFC3339), formatBytes(uint64(b.SizeBytes)), strings.Join(contents, "+"))
		}
		return nil

	case "restore":
		flags := flag.NewFlagSet("backup restore", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl backup restore <id>")
		}
		id := flags.Arg(0)
		if err := a.client.RestoreBackup(id); err != nil {
			return err
		}
		fmt.Printf("Restored backup %s\n", id)
		fmt.Println("Restart the mail services to pick up the restored configuration.")
		return nil

	default:
		return fmt.Errorf("unknown backup subcommand: %q", sub)
	}
}
