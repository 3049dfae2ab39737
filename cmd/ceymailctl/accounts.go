package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

func (a *app) domain(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ceymailctl domain <add|list|del> [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		flags := flag.NewFlagSet("domain add", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl domain add <name>")
		}
		d, err := a.client.CreateDomain(flags.Arg(0))
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(d); done {
			return err
		}
		fmt.Printf("Created domain %s (id %d)\n", d.Name, d.ID)
		return nil

	case "list":
		flags := flag.NewFlagSet("domain list", flag.ExitOnError)
		flags.Parse(rest)
		domains, err := a.client.ListDomains()
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(domains); done {
			return err
		}
		if len(domains) == 0 {
			fmt.Println("(no domains)")
			return nil
		}
		for _, d := range domains {
			fmt.Printf("%-6d %s\n", d.ID, d.Name)
		}
		return nil

	case "del":
		flags := flag.NewFlagSet("domain del", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl domain del <id>")
		}
		id, err := parseID(flags.Arg(0))
		if err != nil {
			return err
		}
		if err := a.client.DeleteDomain(id); err != nil {
			return err
		}
		fmt.Printf("Deleted domain %d\n", id)
		return nil

	default:
		return fmt.Errorf("unknown domain subcommand: %q", sub)
	}
}

func (a *app) user(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ceymailctl user <add|list|passwd|del> [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		flags := flag.NewFlagSet("user add", flag.ExitOnError)
		domainID := flags.Int64("domain", 0, "domain id (default: resolved from the address)")
		prompt := flags.Bool("prompt", false, "prompt for a password instead of generating one")
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl user add <email> [-domain id] [-prompt]")
		}
		email := flags.Arg(0)

		// The password travels over the socket, never through argv.
		// Without -prompt the daemon generates one and returns it once.
		var password string
		if *prompt {
			pw, err := readPassword(true)
			if err != nil {
				return err
			}
			password = pw
		}

		created, err := a.client.CreateUser(*domainID, email, password)
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(created); done {
			return err
		}
		fmt.Printf("Created user %s (id %d)\n", created.Email, created.ID)
		if created.Password != "" {
			fmt.Printf("Generated password: %s\n", created.Password)
			fmt.Println("Store it now; it is not shown again.")
		}
		return nil

	case "list":
		flags := flag.NewFlagSet("user list", flag.ExitOnError)
		domainID := flags.Int64("domain", 0, "filter by domain id")
		flags.Parse(rest)
		users, err := a.client.ListUsers(*domainID)
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(users); done {
			return err
		}
		if len(users) == 0 {
			fmt.Println("(no users)")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-6d %-40s domain %d\n", u.ID, u.Email, u.DomainID)
		}
		return nil

	case "passwd":
		flags := flag.NewFlagSet("user passwd", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl user passwd <id>")
		}
		id, err := parseID(flags.Arg(0))
		if err != nil {
			return err
		}
		password, err := readPassword(true)
		if err != nil {
			return err
		}
		if err := a.client.ChangeUserPassword(id, password); err != nil {
			return err
		}
		fmt.Printf("Changed password for user %d\n", id)
		return nil

	case "del":
		flags := flag.NewFlagSet("user del", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl user del <id>")
		}
		id, err := parseID(flags.Arg(0))
		if err != nil {
			return err
		}
		if err := a.client.DeleteUser(id); err != nil {
			return err
		}
		fmt.Printf("Deleted user %d\n", id)
		return nil

	default:
		return fmt.Errorf("unknown user subcommand: %q", sub)
	}
}

func (a *app) alias(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ceymailctl alias <add|list|del> [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		flags := flag.NewFlagSet("alias add", flag.ExitOnError)
		domainID := flags.Int64("domain", 0, "domain id (default: resolved from the source address)")
		flags.Parse(rest)
		if flags.NArg() != 2 {
			return fmt.Errorf("usage: ceymailctl alias add <source> <destination> [-domain id]")
		}
		al, err := a.client.CreateAlias(*domainID, flags.Arg(0), flags.Arg(1))
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(al); done {
			return err
		}
		fmt.Printf("Created alias %s -> %s (id %d)\n", al.Source, al.Destination, al.ID)
		return nil

	case "list":
		flags := flag.NewFlagSet("alias list", flag.ExitOnError)
		domainID := flags.Int64("domain", 0, "filter by domain id")
		flags.Parse(rest)
		aliases, err := a.client.ListAliases(*domainID)
		if err != nil {
			return err
		}
		if done, err := a.emitJSON(aliases); done {
			return err
		}
		if len(aliases) == 0 {
			fmt.Println("(no aliases)")
			return nil
		}
		for _, al := range aliases {
			fmt.Printf("%-6d %-35s -> %s\n", al.ID, al.Source, al.Destination)
		}
		return nil

	case "del":
		flags := flag.NewFlagSet("alias del", flag.ExitOnError)
		flags.Parse(rest)
		if flags.NArg() != 1 {
			return fmt.Errorf("usage: ceymailctl alias del <id>")
		}
		id, err := parseID(flags.Arg(0))
		if err != nil {
			return err
		}
		if err := a.client.DeleteAlias(id); err != nil {
			return err
		}
		fmt.Printf("Deleted alias %d\n", id)
		return nil

	default:
		return fmt.Errorf("unknown alias subcommand: %q", sub)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// readPassword obtains a password without placing it in argv. A piped
// stdin is read as a single line; an interactive terminal is prompted
// with echo disabled, with confirmation when confirm is set.
func readPassword(confirm bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return "", fmt.Errorf("password is empty")
		}
		return password, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password is empty")
	}

	if confirm {
		fmt.Fprint(os.Stderr, "Confirm password: ")
		second, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password confirmation: %w", err)
		}
		if string(first) != string(second) {
			return "", fmt.Errorf("passwords do not match")
		}
	}
	return string(first), nil
}
