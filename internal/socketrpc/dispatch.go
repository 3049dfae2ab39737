package socketrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ceymail/ceymail-mc/internal/audit"
	"github.com/ceymail/ceymail-mc/internal/backup"
	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/secrets"
)

// rpcActor tags audit events originating from the socket. The socket is
// mode 0600, so the peer is whoever owns the daemon.
const rpcActor = "rpc"

// errNoDatabase reports account methods called without a configured mail
// database.
var errNoDatabase = errors.New("mail database not configured")

func (s *Server) dispatch(req Request) Response {
	resp := Response{JSONRPC: "2.0", ID: req.ID}

	marshalResult := func(v interface{}, err error) Response {
		if err != nil {
			resp.Error = &RPCError{Code: -32000, Message: err.Error()}
			return resp
		}
		data, merr := json.Marshal(v)
		if merr != nil {
			resp.Error = &RPCError{Code: -32603, Message: merr.Error()}
			return resp
		}
		resp.Result = data
		return resp
	}

	invalidParams := func(err error) Response {
		resp.Error = &RPCError{Code: -32602, Message: fmt.Sprintf("invalid params: %v", err)}
		return resp
	}

	switch req.Method {
	case "GetState":
		return marshalResult(s.deps.State.Snapshot(), nil)

	case "RecentLogs":
		var p struct {
			Limit  int
			Level  string
			Source string
		}
		// Allow empty/null params for defaults; only reject genuinely malformed JSON.
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		return marshalResult(s.deps.State.RecentLogs(p.Limit, model.LogLevel(p.Level), p.Source), nil)

	case "TailLog":
		var p struct {
			Path  string
			Lines int
		}
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		if p.Path == "" {
			p.Path = model.DefaultMailLogPath
		}
		if p.Lines <= 0 {
			p.Lines = 100
		}
		// Arbitrary file reads are not on offer, only the log tree.
		clean := filepath.Clean(p.Path)
		if !strings.HasPrefix(clean, "/var/log/") {
			return invalidParams(fmt.Errorf("path %s is outside /var/log", p.Path))
		}
		return marshalResult(s.deps.Tailer.Tail(clean, p.Lines))

	case "QueueSnapshot":
		return marshalResult(s.deps.Queue.CheckOnce(), nil)

	case "SystemSnapshot":
		return marshalResult(s.deps.Stats.CollectOnce(), nil)

	case "ListServices":
		return marshalResult(s.deps.Services.List(), nil)

	case "ControlService":
		var p struct {
			Name   string
			Action string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if err := s.deps.Services.Control(p.Name, model.ServiceAction(p.Action)); err != nil {
			s.audit(audit.Failure(audit.ActionServiceControl, rpcActor, p.Name, err))
			return marshalResult(nil, err)
		}
		ev := audit.Success(audit.ActionServiceControl, rpcActor, p.Name)
		ev.Details = p.Action
		s.audit(ev)
		return marshalResult(s.deps.Services.Status(p.Name))

	case "StartInstall":
		var p struct{ Config model.InstallConfig }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if err := s.deps.Install.Start(p.Config); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult(StartResult{Started: true}, nil)

	case "ResumeInstall":
		var p struct {
			Config         model.InstallConfig
			CompletedSteps []string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if err := s.deps.Install.Resume(p.Config, p.CompletedSteps); err != nil {
			return marshalResult(nil, err)
		}
		return marshalResult(StartResult{Started: true}, nil)

	case "GetInstallState":
		return marshalResult(s.deps.Install.State(), nil)

	case "CheckDNS":
		var p struct{ Domain string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		ok, err := s.deps.DNS.Resolves(s.ctx, p.Domain)
		return marshalResult(DNSResult{Resolves: ok}, err)

	case "CheckDNSBL":
		var p struct{ IP string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		listed, err := s.deps.DNS.CheckDNSBL(s.ctx, p.IP)
		return marshalResult(DNSBLResult{ListedOn: listed}, err)

	case "GenerateDKIM":
		var p struct {
			Domain   string
			Selector string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if p.Selector == "" {
			p.Selector = dkim.DefaultSelector
		}
		info, err := s.deps.DKIM.Generate(s.ctx, p.Domain, p.Selector)
		if err != nil {
			s.audit(audit.Failure(audit.ActionDKIMGenerate, rpcActor, p.Domain, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionDKIMGenerate, rpcActor, p.Domain))
		return marshalResult(info, nil)

	case "ListDKIM":
		return marshalResult(s.deps.DKIM.List())

	case "DeleteDKIM":
		var p struct{ Domain string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if err := s.deps.DKIM.Delete(p.Domain); err != nil {
			s.audit(audit.Failure(audit.ActionConfigChange, rpcActor, "dkim:"+p.Domain, err))
			return marshalResult(nil, err)
		}
		ev := audit.Success(audit.ActionConfigChange, rpcActor, "dkim:"+p.Domain)
		ev.Details = "signing key and table entries removed"
		s.audit(ev)
		return marshalResult(nil, nil)

	case "FixPermissions":
		root := s.deps.PermissionRoot
		if root == "" {
			root = "/"
		}
		rules := install.DefaultRules()
		errs := install.ApplyAll(root, rules)
		report := PermissionReport{Applied: len(rules) - len(errs)}
		for _, e := range errs {
			report.Errors = append(report.Errors, e.Error())
		}
		if len(errs) == 0 {
			s.audit(audit.Success(audit.ActionPermissionFix, rpcActor, root))
		} else {
			ev := audit.Failure(audit.ActionPermissionFix, rpcActor, root, errs[0])
			ev.Details = strings.Join(report.Errors, "; ")
			s.audit(ev)
		}
		return marshalResult(report, nil)

	case "PermissionManifest":
		return marshalResult(install.DefaultRules(), nil)

	case "CreateBackup":
		var p struct {
			IncludeDKIM      bool
			IncludeMailboxes bool
		}
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		md, err := s.deps.Backups.Create(s.ctx, backup.Options{
			Config:    true,
			DKIM:      p.IncludeDKIM,
			Mailboxes: p.IncludeMailboxes,
		})
		if err != nil {
			s.audit(audit.Failure(audit.ActionBackupCreate, rpcActor, "archive", err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionBackupCreate, rpcActor, md.File))
		return marshalResult(md, nil)

	case "ListBackups":
		return marshalResult(s.deps.Backups.List())

	case "RestoreBackup":
		var p struct{ ID string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		if err := s.deps.Backups.Restore(s.ctx, p.ID); err != nil {
			s.audit(audit.Failure(audit.ActionBackupRestore, rpcActor, p.ID, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionBackupRestore, rpcActor, p.ID))
		return marshalResult(nil, nil)

	case "CreateDomain":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ Name string }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		id, err := s.deps.Accounts.CreateDomain(s.ctx, p.Name)
		if err != nil {
			s.audit(audit.Failure(audit.ActionDomainCreate, rpcActor, p.Name, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionDomainCreate, rpcActor, p.Name))
		return marshalResult(maildb.Domain{ID: id, Name: p.Name}, nil)

	case "ListDomains":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		return marshalResult(s.deps.Accounts.ListDomains(s.ctx))

	case "DeleteDomain":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ ID int64 }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		target := "domain:" + strconv.FormatInt(p.ID, 10)
		if err := s.deps.Accounts.DeleteDomain(s.ctx, p.ID); err != nil {
			s.audit(audit.Failure(audit.ActionDomainDelete, rpcActor, target, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionDomainDelete, rpcActor, target))
		return marshalResult(nil, nil)

	case "CreateUser":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct {
			DomainID int64
			Email    string
			Password string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		domainID, err := s.resolveDomainID(p.DomainID, p.Email)
		if err != nil {
			return marshalResult(nil, err)
		}
		password, generated := p.Password, false
		if password == "" {
			pw, err := secrets.GeneratePassword(16)
			if err != nil {
				return marshalResult(nil, err)
			}
			password, generated = pw, true
		}
		id, err := s.deps.Accounts.CreateUser(s.ctx, domainID, p.Email, password)
		if err != nil {
			s.audit(audit.Failure(audit.ActionUserCreate, rpcActor, p.Email, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionUserCreate, rpcActor, p.Email))
		res := CreatedUser{ID: id, Email: p.Email}
		if generated {
			res.Password = password
		}
		return marshalResult(res, nil)

	case "ListUsers":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ DomainID int64 }
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		if p.DomainID != 0 {
			return marshalResult(s.deps.Accounts.ListUsersByDomain(s.ctx, p.DomainID))
		}
		return marshalResult(s.deps.Accounts.ListUsers(s.ctx))

	case "ChangeUserPassword":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct {
			ID       int64
			Password string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		target := "user:" + strconv.FormatInt(p.ID, 10)
		if err := s.deps.Accounts.ChangePassword(s.ctx, p.ID, p.Password); err != nil {
			s.audit(audit.Failure(audit.ActionPasswordChange, rpcActor, target, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionPasswordChange, rpcActor, target))
		return marshalResult(nil, nil)

	case "DeleteUser":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ ID int64 }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		target := "user:" + strconv.FormatInt(p.ID, 10)
		if err := s.deps.Accounts.DeleteUser(s.ctx, p.ID); err != nil {
			s.audit(audit.Failure(audit.ActionUserDelete, rpcActor, target, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionUserDelete, rpcActor, target))
		return marshalResult(nil, nil)

	case "CreateAlias":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct {
			DomainID    int64
			Source      string
			Destination string
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		domainID, err := s.resolveDomainID(p.DomainID, p.Source)
		if err != nil {
			return marshalResult(nil, err)
		}
		id, err := s.deps.Accounts.CreateAlias(s.ctx, domainID, p.Source, p.Destination)
		if err != nil {
			s.audit(audit.Failure(audit.ActionAliasCreate, rpcActor, p.Source, err))
			return marshalResult(nil, err)
		}
		ev := audit.Success(audit.ActionAliasCreate, rpcActor, p.Source)
		ev.Details = "-> " + p.Destination
		s.audit(ev)
		return marshalResult(maildb.Alias{ID: id, DomainID: domainID, Source: p.Source, Destination: p.Destination}, nil)

	case "ListAliases":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ DomainID int64 }
		if err := json.Unmarshal(req.Params, &p); err != nil && len(req.Params) > 0 {
			return invalidParams(err)
		}
		if p.DomainID != 0 {
			return marshalResult(s.deps.Accounts.ListAliasesByDomain(s.ctx, p.DomainID))
		}
		return marshalResult(s.deps.Accounts.ListAliases(s.ctx))

	case "DeleteAlias":
		if s.deps.Accounts == nil {
			return marshalResult(nil, errNoDatabase)
		}
		var p struct{ ID int64 }
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return invalidParams(err)
		}
		target := "alias:" + strconv.FormatInt(p.ID, 10)
		if err := s.deps.Accounts.DeleteAlias(s.ctx, p.ID); err != nil {
			s.audit(audit.Failure(audit.ActionAliasDelete, rpcActor, target, err))
			return marshalResult(nil, err)
		}
		s.audit(audit.Success(audit.ActionAliasDelete, rpcActor, target))
		return marshalResult(nil, nil)

	default:
		resp.Error = &RPCError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}
}

// resolveDomainID lets address-shaped methods omit the domain id when
// it can be derived from the address itself.
func (s *Server) resolveDomainID(id int64, address string) (int64, error) {
	if id != 0 {
		return id, nil
	}
	_, domain, found := strings.Cut(address, "@")
	if !found || domain == "" {
		return 0, fmt.Errorf("no domain id given and no domain part in %q", address)
	}
	dom, err := s.deps.Accounts.GetDomainByName(s.ctx, domain)
	if err != nil {
		return 0, err
	}
	return dom.ID, nil
}

func (s *Server) audit(ev audit.Event) {
	if s.deps.Audit != nil {
		s.deps.Audit.Log(ev)
	}
}
