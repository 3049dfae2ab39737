package socketrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ceymail/ceymail-mc/internal/audit"
	"github.com/ceymail/ceymail-mc/internal/backup"
	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/model"
)

const (
	// scannerInitBufSize is the initial buffer size for the per-connection scanner (1 MB).
	scannerInitBufSize = 1024 * 1024
	// scannerMaxTokenSize is the maximum token size the scanner will accept (10 MB).
	scannerMaxTokenSize = 10 * 1024 * 1024
)

// DNSChecker runs dig-based diagnostics.
type DNSChecker interface {
	Resolves(ctx context.Context, domain string) (bool, error)
	CheckDNSBL(ctx context.Context, ip string) ([]string, error)
}

// DKIMManager generates and removes per-domain signing keys and keeps
// the OpenDKIM tables in step.
type DKIMManager interface {
	Generate(ctx context.Context, domain, selector string) (dkim.KeyInfo, error)
	List() ([]dkim.KeyInfo, error)
	Delete(domain string) error
}

// BackupStore creates, lists, and restores configuration archives.
type BackupStore interface {
	Create(ctx context.Context, opts backup.Options) (backup.Metadata, error)
	List() ([]backup.Metadata, error)
	Restore(ctx context.Context, id string) error
}

// AccountStore is the slice of the mail database the RPC surface uses.
type AccountStore interface {
	CreateDomain(ctx context.Context, name string) (int64, error)
	ListDomains(ctx context.Context) ([]maildb.Domain, error)
	GetDomainByName(ctx context.Context, name string) (maildb.Domain, error)
	DeleteDomain(ctx context.Context, id int64) error
	CreateUser(ctx context.Context, domainID int64, email, password string) (int64, error)
	ListUsers(ctx context.Context) ([]maildb.User, error)
	ListUsersByDomain(ctx context.Context, domainID int64) ([]maildb.User, error)
	ChangePassword(ctx context.Context, userID int64, newPassword string) error
	DeleteUser(ctx context.Context, id int64) error
	CreateAlias(ctx context.Context, domainID int64, source, destination string) (int64, error)
	ListAliases(ctx context.Context) ([]maildb.Alias, error)
	ListAliasesByDomain(ctx context.Context, domainID int64) ([]maildb.Alias, error)
	DeleteAlias(ctx context.Context, id int64) error
}

// Deps bundles everything the RPC methods reach.
type Deps struct {
	State    model.StateReader
	Tailer   model.LogTailer
	Queue    model.QueueChecker
	Stats    model.StatsSampler
	Services model.ServiceController
	Install  model.InstallRunner
	DNS      DNSChecker
	DKIM     DKIMManager
	Backups  BackupStore
	Accounts AccountStore // nil when no mail database is configured
	Audit    audit.Logger // nil disables auditing

	// PermissionRoot prefixes manifest paths for FixPermissions. Empty
	// means the real filesystem root.
	PermissionRoot string
}

// Server exposes the daemon control surface over a Unix domain socket
// using JSON-RPC 2.0.
type Server struct {
	socketPath string
	deps       Deps
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new socket RPC server.
func NewServer(socketPath string, deps Deps) *Server {
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		quit:       make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start begins listening on the Unix socket and accepting connections.
func (s *Server) Start() error {
	// Ensure the parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("socketrpc: mkdir: %w", err)
	}

	// Remove stale socket if it exists.
	if _, err := os.Stat(s.socketPath); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.socketPath, 500*time.Millisecond)
		if dialErr != nil {
			// Socket file exists but nobody is listening, so it is stale.
			os.Remove(s.socketPath)
		} else {
			conn.Close()
			return fmt.Errorf("socketrpc: another server is already listening on %s", s.socketPath)
		}
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("socketrpc: listen: %w", err)
	}
	s.listener = ln

	// The surface mutates accounts and services: owner only.
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		os.Remove(s.socketPath)
		return fmt.Errorf("socketrpc: chmod socket: %w", err)
	}

	s.wg.Add(1)
	go s.acceptLoop()

	log.Printf("socketrpc: listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, cancels in-flight operations, waits for
// connections to drain, and removes the socket file.
func (s *Server) Stop() {
	close(s.quit)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				log.Printf("socketrpc: accept error: %v", err)
				// Continue on transient errors (e.g., fd limit) instead of
				// killing the entire accept loop.
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, scannerInitBufSize), scannerMaxTokenSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		select {
		case <-s.quit:
			return
		default:
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp := Response{JSONRPC: "2.0", ID: 0, Error: &RPCError{Code: -32700, Message: "parse error"}}
			encoder.Encode(resp)
			continue
		}

		resp := s.dispatch(req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
		if resp.Error == nil && (req.Method == "StartInstall" || req.Method == "ResumeInstall") {
			if !s.streamInstall(encoder) {
				return
			}
		}
	}
}

// streamInstall forwards install progress as notifications until the
// run reaches a terminal event. It reports false when the connection
// is no longer usable.
func (s *Server) streamInstall(encoder *json.Encoder) bool {
	events := s.deps.Install.Events()
	for {
		select {
		case <-s.quit:
			return false
		case p, ok := <-events:
			if !ok {
				return false
			}
			data, err := json.Marshal(p)
			if err != nil {
				return false
			}
			note := Notification{JSONRPC: "2.0", Method: NotifyInstallProgress, Params: data}
			if err := encoder.Encode(note); err != nil {
				return false
			}
			if install.Terminal(p) {
				return true
			}
		}
	}
}
