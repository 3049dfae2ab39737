package socketrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ceymail/ceymail-mc/internal/backup"
	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/model"
)

// Client is a JSON-RPC client for the daemon's Unix socket. It is safe
// for concurrent use; calls are serialized over the single connection.
type Client struct {
	conn    net.Conn
	mu      sync.Mutex
	nextID  int
	scanner *bufio.Scanner
	encoder *json.Encoder
}

// Dial connects to the daemon socket at socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial %s: %w", socketPath, err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, scannerInitBufSize), scannerMaxTokenSize)
	return &Client{
		conn:    conn,
		scanner: scanner,
		encoder: json.NewEncoder(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(method string, params interface{}, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(method, params, dest)
}

// callLocked performs one request/response exchange. The caller must
// hold c.mu.
func (c *Client) callLocked(method string, params interface{}, dest interface{}) error {
	c.nextID++
	req := Request{JSONRPC: "2.0", ID: c.nextID, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("socketrpc: marshal params: %w", err)
		}
		req.Params = data
	}

	if err := c.conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return fmt.Errorf("socketrpc: set deadline: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.encoder.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send: %w", err)
	}
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return fmt.Errorf("socketrpc: read: %w", err)
		}
		return errors.New("socketrpc: connection closed")
	}

	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("socketrpc: decode response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, dest); err != nil {
		return fmt.Errorf("socketrpc: decode result: %w", err)
	}
	return nil
}

// GetState returns the daemon's full aggregated state.
func (c *Client) GetState() (model.AggregatedState, error) {
	var st model.AggregatedState
	err := c.call("GetState", nil, &st)
	return st, err
}

// RecentLogs returns buffered log entries, newest last. Zero limit
// means all buffered entries; empty level or source means no filter.
func (c *Client) RecentLogs(limit int, level, source string) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := c.call("RecentLogs", map[string]interface{}{
		"Limit":  limit,
		"Level":  level,
		"Source": source,
	}, &entries)
	return entries, err
}

// TailLog reads the last lines of a file under /var/log. An empty path
// selects the mail log.
func (c *Client) TailLog(path string, lines int) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := c.call("TailLog", map[string]interface{}{
		"Path":  path,
		"Lines": lines,
	}, &entries)
	return entries, err
}

// QueueSnapshot probes the mail queue right now.
func (c *Client) QueueSnapshot() (model.QueueSnapshot, error) {
	var q model.QueueSnapshot
	err := c.call("QueueSnapshot", nil, &q)
	return q, err
}

// SystemSnapshot samples system resources right now.
func (c *Client) SystemSnapshot() (model.SystemSnapshot, error) {
	var s model.SystemSnapshot
	err := c.call("SystemSnapshot", nil, &s)
	return s, err
}

// ListServices reports the state of every managed service.
func (c *Client) ListServices() ([]model.ServiceState, error) {
	var svcs []model.ServiceState
	err := c.call("ListServices", nil, &svcs)
	return svcs, err
}

// ControlService applies a lifecycle action to a managed service and
// returns its state afterwards.
func (c *Client) ControlService(name, action string) (model.ServiceState, error) {
	var st model.ServiceState
	err := c.call("ControlService", map[string]interface{}{
		"Name":   name,
		"Action": action,
	}, &st)
	return st, err
}

// StartInstall launches an installation run and then follows its
// progress stream, invoking onProgress for each event until a terminal
// one arrives. The connection is dedicated to the stream for the
// duration of the run.
func (c *Client) StartInstall(cfg model.InstallConfig, onProgress func(model.InstallProgress)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res StartResult
	if err := c.callLocked("StartInstall", map[string]interface{}{"Config": cfg}, &res); err != nil {
		return err
	}
	return c.watchInstall(onProgress)
}

// ResumeInstall relaunches an interrupted installation, skipping the
// named completed steps, and follows its progress stream like
// StartInstall.
func (c *Client) ResumeInstall(cfg model.InstallConfig, completed []string, onProgress func(model.InstallProgress)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res StartResult
	if err := c.callLocked("ResumeInstall", map[string]interface{}{
		"Config":         cfg,
		"CompletedSteps": completed,
	}, &res); err != nil {
		return err
	}
	return c.watchInstall(onProgress)
}

// watchInstall consumes InstallProgress notifications until a terminal
// event. The caller must hold c.mu.
func (c *Client) watchInstall(onProgress func(model.InstallProgress)) error {
	// A real run takes minutes and the stream carries its own terminal
	// marker, so no read deadline applies here.
	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("socketrpc: clear deadline: %w", err)
	}
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var note Notification
		if err := json.Unmarshal(line, &note); err != nil || note.Method != NotifyInstallProgress {
			continue
		}
		var p model.InstallProgress
		if err := json.Unmarshal(note.Params, &p); err != nil {
			continue
		}
		if onProgress != nil {
			onProgress(p)
		}
		if install.Terminal(p) {
			return nil
		}
	}
	if err := c.scanner.Err(); err != nil {
		return fmt.Errorf("socketrpc: read: %w", err)
	}
	return errors.New("socketrpc: connection closed during install")
}

// InstallState returns the per-step progress of the current or most
// recent installation run.
func (c *Client) InstallState() ([]model.InstallProgress, error) {
	var steps []model.InstallProgress
	err := c.call("GetInstallState", nil, &steps)
	return steps, err
}

// CheckDNS reports whether the domain resolves.
func (c *Client) CheckDNS(domain string) (bool, error) {
	var res DNSResult
	if err := c.call("CheckDNS", map[string]interface{}{"Domain": domain}, &res); err != nil {
		return false, err
	}
	return res.Resolves, nil
}

// CheckDNSBL returns the DNS blocklists the IP appears on.
func (c *Client) CheckDNSBL(ip string) ([]string, error) {
	var res DNSBLResult
	if err := c.call("CheckDNSBL", map[string]interface{}{"IP": ip}, &res); err != nil {
		return nil, err
	}
	return res.ListedOn, nil
}

// GenerateDKIM creates a signing key for the domain. An empty selector
// uses the default.
func (c *Client) GenerateDKIM(domain, selector string) (dkim.KeyInfo, error) {
	var info dkim.KeyInfo
	err := c.call("GenerateDKIM", map[string]interface{}{
		"Domain":   domain,
		"Selector": selector,
	}, &info)
	return info, err
}

// ListDKIM returns all provisioned signing keys.
func (c *Client) ListDKIM() ([]dkim.KeyInfo, error) {
	var keys []dkim.KeyInfo
	err := c.call("ListDKIM", nil, &keys)
	return keys, err
}

// DeleteDKIM removes the domain's signing key and table entries.
func (c *Client) DeleteDKIM(domain string) error {
	return c.call("DeleteDKIM", map[string]interface{}{"Domain": domain}, nil)
}

// FixPermissions reapplies the ownership and mode manifest to the mail
// system's files.
func (c *Client) FixPermissions() (PermissionReport, error) {
	var rep PermissionReport
	err := c.call("FixPermissions", nil, &rep)
	return rep, err
}

// PermissionManifest returns the ownership and mode rules the daemon
// enforces.
func (c *Client) PermissionManifest() ([]install.Rule, error) {
	var rules []install.Rule
	err := c.call("PermissionManifest", nil, &rules)
	return rules, err
}

// CreateBackup archives the mail system configuration now.
func (c *Client) CreateBackup(includeDKIM, includeMailboxes bool) (backup.Metadata, error) {
	var md backup.Metadata
	err := c.call("CreateBackup", map[string]interface{}{
		"IncludeDKIM":      includeDKIM,
		"IncludeMailboxes": includeMailboxes,
	}, &md)
	return md, err
}

// ListBackups returns archive metadata, newest first.
func (c *Client) ListBackups() ([]backup.Metadata, error) {
	var mds []backup.Metadata
	err := c.call("ListBackups", nil, &mds)
	return mds, err
}

// RestoreBackup unpacks the identified archive over the live
// configuration.
func (c *Client) RestoreBackup(id string) error {
	return c.call("RestoreBackup", map[string]interface{}{"ID": id}, nil)
}

// CreateDomain adds a mail domain.
func (c *Client) CreateDomain(name string) (maildb.Domain, error) {
	var d maildb.Domain
	err := c.call("CreateDomain", map[string]interface{}{"Name": name}, &d)
	return d, err
}

// ListDomains returns all mail domains.
func (c *Client) ListDomains() ([]maildb.Domain, error) {
	var ds []maildb.Domain
	err := c.call("ListDomains", nil, &ds)
	return ds, err
}

// DeleteDomain removes a mail domain and everything under it.
func (c *Client) DeleteDomain(id int64) error {
	return c.call("DeleteDomain", map[string]interface{}{"ID": id}, nil)
}

// CreateUser adds a mailbox. A zero domainID is resolved from the
// address; an empty password asks the server to generate one, returned
// once in the result and never stored in the clear.
func (c *Client) CreateUser(domainID int64, email, password string) (CreatedUser, error) {
	var u CreatedUser
	err := c.call("CreateUser", map[string]interface{}{
		"DomainID": domainID,
		"Email":    email,
		"Password": password,
	}, &u)
	return u, err
}

// ListUsers returns mailboxes, optionally restricted to one domain by
// a non-zero domainID.
func (c *Client) ListUsers(domainID int64) ([]maildb.User, error) {
	var us []maildb.User
	err := c.call("ListUsers", map[string]interface{}{"DomainID": domainID}, &us)
	return us, err
}

// ChangeUserPassword replaces a mailbox password.
func (c *Client) ChangeUserPassword(id int64, password string) error {
	return c.call("ChangeUserPassword", map[string]interface{}{
		"ID":       id,
		"Password": password,
	}, nil)
}

// DeleteUser removes a mailbox.
func (c *Client) DeleteUser(id int64) error {
	return c.call("DeleteUser", map[string]interface{}{"ID": id}, nil)
}

// CreateAlias adds a forwarding alias. A zero domainID is resolved
// from the source address.
func (c *Client) CreateAlias(domainID int64, source, destination string) (maildb.Alias, error) {
	var a maildb.Alias
	err := c.call("CreateAlias", map[string]interface{}{
		"DomainID":    domainID,
		"Source":      source,
		"Destination": destination,
	}, &a)
	return a, err
}

// ListAliases returns aliases, optionally restricted to one domain by
// a non-zero domainID.
func (c *Client) ListAliases(domainID int64) ([]maildb.Alias, error) {
	var as []maildb.Alias
	err := c.call("ListAliases", map[string]interface{}{"DomainID": domainID}, &as)
	return as, err
}

// DeleteAlias removes a forwarding alias.
func (c *Client) DeleteAlias(id int64) error {
	return c.call("DeleteAlias", map[string]interface{}{"ID": id}, nil)
}
