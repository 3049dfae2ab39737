package socketrpc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// JSON-RPC 2.0 Method Reference
//
// The socket RPC server exposes the daemon's control surface over a Unix
// domain socket, one request or response per line.
//
//   Method               Params                                   Result
//   -----------------    -------------------------------------    --------------------------
//   GetState             (none)                                   AggregatedState
//   RecentLogs           {Limit, Level, Source}                   []LogEntry
//   TailLog              {Path, Lines}                            []LogEntry
//   QueueSnapshot        (none)                                   QueueSnapshot (live check)
//   SystemSnapshot       (none)                                   SystemSnapshot (live sample)
//   ListServices         (none)                                   []ServiceState
//   ControlService       {Name, Action}                           ServiceState
//   StartInstall         {Config}                                 StartResult
//   ResumeInstall        {Config, CompletedSteps}                 StartResult
//   GetInstallState      (none)                                   []InstallProgress
//   CheckDNS             {Domain}                                 DNSResult
//   CheckDNSBL           {IP}                                     DNSBLResult
//   GenerateDKIM         {Domain, Selector}                       KeyInfo
//   ListDKIM             (none)                                   []KeyInfo
//   DeleteDKIM           {Domain}                                 null
//   FixPermissions       (none)                                   PermissionReport
//   PermissionManifest   (none)                                   []Rule
//   CreateBackup         {IncludeDKIM, IncludeMailboxes}          Metadata
//   ListBackups          (none)                                   []Metadata
//   RestoreBackup        {ID}                                     null
//   CreateDomain         {Name}                                   Domain
//   ListDomains          (none)                                   []Domain
//   DeleteDomain         {ID}                                     null
//   CreateUser           {DomainID, Email, Password}              CreatedUser
//   ListUsers            {DomainID}                               []User
//   ChangeUserPassword   {ID, Password}                           null
//   DeleteUser           {ID}                                     null
//   CreateAlias          {DomainID, Source, Destination}          Alias
//   ListAliases          {DomainID}                               []Alias
//   DeleteAlias          {ID}                                     null
//
// After a successful StartInstall or ResumeInstall response the server
// streams InstallProgress notifications (requests without an ID) on the
// same connection; the connection is dedicated to the stream until the
// run reaches a terminal event.
//
// Methods with optional params (RecentLogs, TailLog, ListUsers,
// ListAliases) accept empty or null params gracefully. CreateUser with
// an empty Password generates one server-side and returns it once in
// the result. CreateUser and CreateAlias resolve a zero DomainID from
// the address's domain part.
//
// Error codes follow JSON-RPC 2.0:
//   -32700  Parse error (malformed JSON)
//   -32601  Method not found
//   -32602  Invalid params
//   -32603  Internal error (marshal failure)
//   -32000  Application error (operation failure)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification: a request without an ID,
// never answered. The server uses it for install progress streaming.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// NotifyInstallProgress is the method name of install progress
// notifications.
const NotifyInstallProgress = "InstallProgress"

// StartResult acknowledges that an install run was accepted.
type StartResult struct {
	Started bool
}

// DNSResult reports whether a domain resolves.
type DNSResult struct {
	Resolves bool
}

// DNSBLResult lists the blocklist zones an IP appears on. Empty means
// the IP is clean.
type DNSBLResult struct {
	ListedOn []string
}

// PermissionReport summarizes a manifest repair pass.
type PermissionReport struct {
	Applied int
	Errors  []string
}

// CreatedUser is the CreateUser result. Password is set only when the
// server generated one; it is never stored or logged.
type CreatedUser struct {
	ID       int64
	Email    string
	Password string `json:",omitempty"`
}

// DefaultSocketPath returns where the daemon listens. Root daemons use
// /run; development runs as an unprivileged user fall back to
// XDG_RUNTIME_DIR.
func DefaultSocketPath() string {
	if os.Geteuid() == 0 {
		return "/run/ceymail-mc/ceymail-mc.sock"
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ceymail-mc", "ceymail-mc.sock")
	}
	return "/tmp/ceymail-mc.sock"
}
