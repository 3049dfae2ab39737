package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/model"
)

func (a *app) install(args []string) error {
	flags := flag.NewFlagSet("install", flag.ExitOnError)
	answers := flags.String("answers", "", "YAML answers file for an unattended run")
	hostname := flags.String("hostname", "", "fully qualified hostname of this server")
	mailDomain := flags.String("domain", "", "primary mail domain")
	adminEmail := flags.String("email", "", "administrator address, created as the first mailbox")
	phpVersion := flags.String("php", "", "PHP release to install (default "+install.RecommendedPHPVersion+")")
	resume := flags.Bool("resume", false, "continue an interrupted run, skipping journaled steps")
	flags.Parse(args)

	var cfg model.InstallConfig
	if *answers != "" {
		loaded, err := install.LoadAnswers(*answers)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *hostname != "" {
		cfg.Hostname = *hostname
	}
	if *mailDomain != "" {
		cfg.MailDomain = *mailDomain
	}
	if *adminEmail != "" {
		cfg.AdminEmail = *adminEmail
	}
	if *phpVersion != "" {
		cfg.PHPVersion = *phpVersion
	}

	if cfg.Hostname == "" || cfg.MailDomain == "" || cfg.AdminEmail == "" {
		return fmt.Errorf("hostname, domain, and email are required; pass them as flags or in an answers file")
	}

	// The admin password comes from the answers file or an interactive
	// prompt. It is never accepted as a command-line argument.
	if cfg.AdminPassword == "" {
		fmt.Fprintln(os.Stderr, "Admin account password (min 8 characters):")
		password, err := readPassword(true)
		if err != nil {
			return err
		}
		cfg.AdminPassword = password
	}

	printer := &installPrinter{json: a.json}
	var err error
	if *resume {
		// Nil completed steps defer to the daemon's journal, which
		// knows what actually finished before the interruption.
		err = a.client.ResumeInstall(cfg, nil, printer.print)
	} else {
		err = a.client.StartInstall(cfg, printer.print)
	}
	if err != nil {
		return err
	}
	if printer.failMsg != "" {
		return fmt.Errorf("install failed: %s", printer.failMsg)
	}
	if !a.json {
		fmt.Println("\nInstallation complete. Point your DNS at this host and log in to the admin panel.")
	}
	return nil
}

func (a *app) installState(args []string) error {
	flags := flag.NewFlagSet("install-state", flag.ExitOnError)
	flags.Parse(args)

	steps, err := a.client.InstallState()
	if err != nil {
		return err
	}
	if done, err := a.emitJSON(steps); done {
		return err
	}
	if len(steps) == 0 {
		fmt.Println("(no installation has been started)")
		return nil
	}
	for _, p := range steps {
		status := p.Status
		if p.Status == model.StatusInProgress && p.ProgressPercent > 0 {
			status = fmt.Sprintf("%s (%d%%)", p.Status, p.ProgressPercent)
		}
		fmt.Printf("%2d. %-26s %s\n", p.StepIndex+1, stepLabel(p), status)
	}
	return nil
}

// installPrinter renders the progress stream and remembers the failure
// message of a run that ended badly, since the stream itself closes
// cleanly either way.
type installPrinter struct {
	json    bool
	failMsg string
}

func (ip *installPrinter) print(p model.InstallProgress) {
	failed := strings.HasPrefix(p.Status, model.StatusFailedPrefix)
	if failed {
		ip.failMsg = p.Message
		if ip.failMsg == "" {
			ip.failMsg = strings.TrimPrefix(p.Status, model.StatusFailedPrefix)
		}
	}

	if ip.json {
		if data, err := json.Marshal(p); err == nil {
			fmt.Println(string(data))
		}
		return
	}

	switch {
	case failed:
		fmt.Printf("FAILED  %s\n", ip.failMsg)
	case p.Status == model.StatusCompleted:
		fmt.Printf("[%2d/%d] %-26s done  %s\n", p.StepIndex+1, p.TotalSteps, stepLabel(p), p.Message)
	case p.Status == model.StatusInProgress:
		fmt.Printf("[%2d/%d] %-26s %3d%%  %s\n", p.StepIndex+1, p.TotalSteps, stepLabel(p), p.ProgressPercent, p.Message)
	default:
		fmt.Printf("[%2d/%d] %-26s %s\n", p.StepIndex+1, p.TotalSteps, stepLabel(p), p.Status)
	}
}

func stepLabel(p model.InstallProgress) string {
	if p.StepLabel != "" {
		return p.StepLabel
	}
	return p.StepName
}
