package socketrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ceymail/ceymail-mc/internal/audit"
	"github.com/ceymail/ceymail-mc/internal/backup"
	"github.com/ceymail/ceymail-mc/internal/dkim"
	"github.com/ceymail/ceymail-mc/internal/install"
	"github.com/ceymail/ceymail-mc/internal/maildb"
	"github.com/ceymail/ceymail-mc/internal/model"
	"github.com/ceymail/ceymail-mc/internal/validate"
)

type fakeState struct{}

func (fakeState) Snapshot() model.AggregatedState {
	return model.AggregatedState{LastUpdated: time.Now()}
}

func (fakeState) RecentLogs(limit int, level model.LogLevel, source string) []model.LogEntry {
	all := []model.LogEntry{
		{Level: model.LevelError, Source: "postfix", Message: "bounce"},
		{Level: model.LevelInfo, Source: "dovecot", Message: "login"},
	}
	var out []model.LogEntry
	for _, e := range all {
		if level != "" && e.Level != level {
			continue
		}
		if source != "" && e.Source != source {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type fakeTailer struct {
	gotPath  string
	gotLines int
}

func (f *fakeTailer) Tail(path string, n int) ([]model.LogEntry, error) {
	f.gotPath, f.gotLines = path, n
	return []model.LogEntry{{Message: "tail of " + path}}, nil
}

type fakeQueue struct{}

func (fakeQueue) CheckOnce() model.QueueSnapshot {
	return model.QueueSnapshot{Timestamp: time.Now(), Deferred: 3, Total: 3}
}

type fakeStats struct{}

func (fakeStats) CollectOnce() model.SystemSnapshot {
	return model.SystemSnapshot{Timestamp: time.Now(), CPU: model.CPUStats{UsagePercent: 12.5}}
}

type fakeServices struct {
	controlled []string
	failOn     string
}

func (f *fakeServices) Status(name string) (model.ServiceState, error) {
	return model.ServiceState{Name: name, Active: true, Status: "active (running)"}, nil
}

func (f *fakeServices) Control(name string, action model.ServiceAction) error {
	if name == f.failOn {
		return fmt.Errorf("service %s is not on the allow-list", name)
	}
	f.controlled = append(f.controlled, name+"/"+string(action))
	return nil
}

func (f *fakeServices) List() []model.ServiceState {
	return []model.ServiceState{{Name: "postfix", Active: true}}
}

type fakeInstall struct {
	started  []model.InstallConfig
	resumed  [][]string
	startErr error
	events   chan model.InstallProgress
}

func newFakeInstall() *fakeInstall {
	return &fakeInstall{events: make(chan model.InstallProgress, 16)}
}

func (f *fakeInstall) Start(cfg model.InstallConfig) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, cfg)
	return nil
}

func (f *fakeInstall) Resume(cfg model.InstallConfig, completed []string) error {
	f.started = append(f.started, cfg)
	f.resumed = append(f.resumed, completed)
	return nil
}

func (f *fakeInstall) State() []model.InstallProgress {
	return []model.InstallProgress{
		{StepName: "hostname", Status: model.StatusCompleted, StepIndex: 0, TotalSteps: 12},
	}
}

func (f *fakeInstall) Events() <-chan model.InstallProgress { return f.events }

type fakeDNS struct{}

func (fakeDNS) Resolves(_ context.Context, domain string) (bool, error) {
	return domain == "example.com", nil
}

func (fakeDNS) CheckDNSBL(_ context.Context, ip string) ([]string, error) {
	if ip == "203.0.113.9" {
		return []string{"zen.spamhaus.org"}, nil
	}
	return nil, nil
}

type fakeDKIM struct {
	generated []string
	deleted   []string
}

func (f *fakeDKIM) Generate(_ context.Context, domain, selector string) (dkim.KeyInfo, error) {
	f.generated = append(f.generated, domain+"/"+selector)
	return dkim.KeyInfo{Domain: domain, Selector: selector, DNSRecord: "v=DKIM1; k=rsa; p=MIIB"}, nil
}

func (f *fakeDKIM) List() ([]dkim.KeyInfo, error) {
	return []dkim.KeyInfo{{Domain: "example.com", Selector: "mail"}}, nil
}

func (f *fakeDKIM) Delete(domain string) error {
	f.deleted = append(f.deleted, domain)
	return nil
}

type fakeBackups struct {
	created  []backup.Options
	restored []string
}

func (f *fakeBackups) Create(_ context.Context, opts backup.Options) (backup.Metadata, error) {
	f.created = append(f.created, opts)
	return backup.Metadata{ID: "b1", File: "ceymail-backup-test.tar.gz", IncludesConfig: true, IncludesDKIM: opts.DKIM}, nil
}

func (f *fakeBackups) List() ([]backup.Metadata, error) {
	return []backup.Metadata{{ID: "b1"}}, nil
}

func (f *fakeBackups) Restore(_ context.Context, id string) error {
	f.restored = append(f.restored, id)
	return nil
}

type fakeAccounts struct {
	domains   map[string]maildb.Domain
	users     []maildb.User
	aliases   []maildb.Alias
	passwords map[int64]string
	deleted   []string
	nextID    int64
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		domains:   map[string]maildb.Domain{"example.com": {ID: 7, Name: "example.com"}},
		passwords: map[int64]string{},
		nextID:    100,
	}
}

func (f *fakeAccounts) CreateDomain(_ context.Context, name string) (int64, error) {
	f.nextID++
	f.domains[name] = maildb.Domain{ID: f.nextID, Name: name}
	return f.nextID, nil
}

func (f *fakeAccounts) ListDomains(context.Context) ([]maildb.Domain, error) {
	out := make([]maildb.Domain, 0, len(f.domains))
	for _, d := range f.domains {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeAccounts) GetDomainByName(_ context.Context, name string) (maildb.Domain, error) {
	d, ok := f.domains[name]
	if !ok {
		return maildb.Domain{}, fmt.Errorf("domain %s not found", name)
	}
	return d, nil
}

func (f *fakeAccounts) DeleteDomain(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, fmt.Sprintf("domain:%d", id))
	return nil
}

func (f *fakeAccounts) CreateUser(_ context.Context, domainID int64, email, password string) (int64, error) {
	f.nextID++
	f.users = append(f.users, maildb.User{ID: f.nextID, DomainID: domainID, Email: email})
	f.passwords[f.nextID] = password
	return f.nextID, nil
}

func (f *fakeAccounts) ListUsers(context.Context) ([]maildb.User, error) { return f.users, nil }

func (f *fakeAccounts) ListUsersByDomain(_ context.Context, domainID int64) ([]maildb.User, error) {
	var out []maildb.User
	for _, u := range f.users {
		if u.DomainID == domainID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeAccounts) ChangePassword(_ context.Context, userID int64, newPassword string) error {
	f.passwords[userID] = newPassword
	return nil
}

func (f *fakeAccounts) DeleteUser(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, fmt.Sprintf("user:%d", id))
	return nil
}

func (f *fakeAccounts) CreateAlias(_ context.Context, domainID int64, source, destination string) (int64, error) {
	f.nextID++
	f.aliases = append(f.aliases, maildb.Alias{ID: f.nextID, DomainID: domainID, Source: source, Destination: destination})
	return f.nextID, nil
}

func (f *fakeAccounts) ListAliases(context.Context) ([]maildb.Alias, error) { return f.aliases, nil }

func (f *fakeAccounts) ListAliasesByDomain(_ context.Context, domainID int64) ([]maildb.Alias, error) {
	var out []maildb.Alias
	for _, a := range f.aliases {
		if a.DomainID == domainID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAccounts) DeleteAlias(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, fmt.Sprintf("alias:%d", id))
	return nil
}

type testDeps struct {
	tailer   *fakeTailer
	services *fakeServices
	install  *fakeInstall
	dkim     *fakeDKIM
	backups  *fakeBackups
	accounts *fakeAccounts
	audit    *audit.Recorder
}

func newTestServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()
	d := &testDeps{
		tailer:   &fakeTailer{},
		services: &fakeServices{},
		install:  newFakeInstall(),
		dkim:     &fakeDKIM{},
		backups:  &fakeBackups{},
		accounts: newFakeAccounts(),
		audit:    &audit.Recorder{},
	}
	s := NewServer(filepath.Join(t.TempDir(), "test.sock"), Deps{
		State:          fakeState{},
		Tailer:         d.tailer,
		Queue:          fakeQueue{},
		Stats:          fakeStats{},
		Services:       d.services,
		Install:        d.install,
		DNS:            fakeDNS{},
		DKIM:           d.dkim,
		Backups:        d.backups,
		Accounts:       d.accounts,
		Audit:          d.audit,
		PermissionRoot: t.TempDir(),
	})
	return s, d
}

func makeReq(t *testing.T, id int, method string, params interface{}) Request {
	t.Helper()
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = data
	}
	return req
}

func TestDispatchReadMethods(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		method string
		params interface{}
	}{
		{"GetState", nil},
		{"RecentLogs", nil},
		{"RecentLogs", map[string]interface{}{"Limit": 1, "Source": "postfix"}},
		{"QueueSnapshot", nil},
		{"SystemSnapshot", nil},
		{"ListServices", nil},
		{"GetInstallState", nil},
		{"ListDKIM", nil},
		{"ListBackups", nil},
		{"PermissionManifest", nil},
		{"ListDomains", nil},
		{"ListUsers", nil},
		{"ListAliases", nil},
	}
	for i, tc := range cases {
		resp := s.dispatch(makeReq(t, i+1, tc.method, tc.params))
		if resp.Error != nil {
			t.Errorf("%s: unexpected error: %v", tc.method, resp.Error)
			continue
		}
		if resp.JSONRPC != "2.0" || resp.ID != i+1 {
			t.Errorf("%s: envelope jsonrpc=%q id=%d", tc.method, resp.JSONRPC, resp.ID)
		}
		if len(resp.Result) == 0 {
			t.Errorf("%s: empty result", tc.method)
		}
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.dispatch(makeReq(t, 9, "NoSuchMethod", nil))
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("error = %+v, want code -32601", resp.Error)
	}
	if !strings.Contains(resp.Error.Message, "NoSuchMethod") {
		t.Errorf("message %q does not name the method", resp.Error.Message)
	}
	if resp.ID != 9 {
		t.Errorf("id = %d, want 9", resp.ID)
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	s, _ := newTestServer(t)

	req := Request{JSONRPC: "2.0", ID: 1, Method: "ControlService", Params: json.RawMessage(`{"Name":`)}
	resp := s.dispatch(req)
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("error = %+v, want code -32602", resp.Error)
	}
}

func TestTailLogPathPolicy(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "TailLog", nil))
	if resp.Error != nil {
		t.Fatalf("default tail: %v", resp.Error)
	}
	if d.tailer.gotPath != model.DefaultMailLogPath {
		t.Errorf("default path = %q, want %q", d.tailer.gotPath, model.DefaultMailLogPath)
	}
	if d.tailer.gotLines != 100 {
		t.Errorf("default lines = %d, want 100", d.tailer.gotLines)
	}

	for _, path := range []string{"/etc/shadow", "/var/log/../../etc/shadow", "relative/mail.log"} {
		resp = s.dispatch(makeReq(t, 2, "TailLog", map[string]interface{}{"Path": path}))
		if resp.Error == nil || resp.Error.Code != -32602 {
			t.Errorf("path %q: error = %+v, want code -32602", path, resp.Error)
		}
	}

	resp = s.dispatch(makeReq(t, 3, "TailLog", map[string]interface{}{"Path": "/var/log/mail.err", "Lines": 5}))
	if resp.Error != nil {
		t.Fatalf("mail.err: %v", resp.Error)
	}
	if d.tailer.gotPath != "/var/log/mail.err" || d.tailer.gotLines != 5 {
		t.Errorf("tailer got %q/%d", d.tailer.gotPath, d.tailer.gotLines)
	}
}

func TestControlServiceAuditsAndReturnsStatus(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "ControlService", map[string]interface{}{"Name": "postfix", "Action": "restart"}))
	if resp.Error != nil {
		t.Fatalf("restart: %v", resp.Error)
	}
	var st model.ServiceState
	if err := json.Unmarshal(resp.Result, &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Name != "postfix" || !st.Active {
		t.Errorf("state = %+v", st)
	}
	if len(d.services.controlled) != 1 || d.services.controlled[0] != "postfix/restart" {
		t.Errorf("controlled = %v", d.services.controlled)
	}

	events := d.audit.Events()
	if len(events) != 1 {
		t.Fatalf("audit events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Action != audit.ActionServiceControl || ev.Target != "postfix" || ev.Result != audit.ResultSuccess || ev.Details != "restart" {
		t.Errorf("audit = %+v", ev)
	}
}

func TestControlServiceRejectionIsAudited(t *testing.T) {
	s, d := newTestServer(t)
	d.services.failOn = "nginx"

	resp := s.dispatch(makeReq(t, 1, "ControlService", map[string]interface{}{"Name": "nginx", "Action": "stop"}))
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("error = %+v, want code -32000", resp.Error)
	}
	if len(d.services.controlled) != 0 {
		t.Errorf("control ran despite rejection: %v", d.services.controlled)
	}

	events := d.audit.Events()
	if len(events) != 1 || events[0].Result != audit.ResultFailure {
		t.Fatalf("audit = %+v, want one failure", events)
	}
	if !strings.Contains(events[0].Details, "allow-list") {
		t.Errorf("details = %q", events[0].Details)
	}
}

func TestStartInstallRecordsConfig(t *testing.T) {
	s, d := newTestServer(t)

	cfg := model.InstallConfig{Hostname: "mx1", MailDomain: "example.com", AdminEmail: "admin@example.com"}
	resp := s.dispatch(makeReq(t, 1, "StartInstall", map[string]interface{}{"Config": cfg}))
	if resp.Error != nil {
		t.Fatalf("start: %v", resp.Error)
	}
	var res StartResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || !res.Started {
		t.Fatalf("result = %s err = %v", resp.Result, err)
	}
	if len(d.install.started) != 1 || d.install.started[0].Hostname != "mx1" {
		t.Errorf("started = %+v", d.install.started)
	}

	resp = s.dispatch(makeReq(t, 2, "ResumeInstall", map[string]interface{}{
		"Config":         cfg,
		"CompletedSteps": []string{"hostname", "packages"},
	}))
	if resp.Error != nil {
		t.Fatalf("resume: %v", resp.Error)
	}
	if len(d.install.resumed) != 1 || len(d.install.resumed[0]) != 2 {
		t.Errorf("resumed = %+v", d.install.resumed)
	}
}

func TestCheckDNS(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CheckDNS", map[string]interface{}{"Domain": "example.com"}))
	if resp.Error != nil {
		t.Fatalf("check: %v", resp.Error)
	}
	var res DNSResult
	if err := json.Unmarshal(resp.Result, &res); err != nil || !res.Resolves {
		t.Errorf("result = %s err = %v", resp.Result, err)
	}

	resp = s.dispatch(makeReq(t, 2, "CheckDNSBL", map[string]interface{}{"IP": "203.0.113.9"}))
	if resp.Error != nil {
		t.Fatalf("dnsbl: %v", resp.Error)
	}
	var bl DNSBLResult
	if err := json.Unmarshal(resp.Result, &bl); err != nil || len(bl.ListedOn) != 1 {
		t.Errorf("result = %s err = %v", resp.Result, err)
	}
}

func TestGenerateDKIMDefaultsSelector(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "GenerateDKIM", map[string]interface{}{"Domain": "example.com"}))
	if resp.Error != nil {
		t.Fatalf("generate: %v", resp.Error)
	}
	var info dkim.KeyInfo
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Selector != dkim.DefaultSelector {
		t.Errorf("selector = %q, want %q", info.Selector, dkim.DefaultSelector)
	}
	if len(d.dkim.generated) != 1 || d.dkim.generated[0] != "example.com/"+dkim.DefaultSelector {
		t.Errorf("generated = %v", d.dkim.generated)
	}

	events := d.audit.Events()
	if len(events) != 1 || events[0].Action != audit.ActionDKIMGenerate || events[0].Target != "example.com" {
		t.Errorf("audit = %+v", events)
	}
}

func TestDeleteDKIMReturnsNull(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "DeleteDKIM", map[string]interface{}{"Domain": "example.com"}))
	if resp.Error != nil {
		t.Fatalf("delete: %v", resp.Error)
	}
	if string(resp.Result) != "null" {
		t.Errorf("result = %s, want null", resp.Result)
	}
	if len(d.dkim.deleted) != 1 || d.dkim.deleted[0] != "example.com" {
		t.Errorf("deleted = %v", d.dkim.deleted)
	}
}

func TestFixPermissionsReportsManifest(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "FixPermissions", nil))
	if resp.Error != nil {
		t.Fatalf("fix: %v", resp.Error)
	}
	var rep PermissionReport
	if err := json.Unmarshal(resp.Result, &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Under an empty root every manifest path is missing and skipped.
	if want := len(install.DefaultRules()); rep.Applied != want {
		t.Errorf("applied = %d, want %d", rep.Applied, want)
	}
	if len(rep.Errors) != 0 {
		t.Errorf("errors = %v", rep.Errors)
	}

	events := d.audit.Events()
	if len(events) != 1 || events[0].Action != audit.ActionPermissionFix || events[0].Result != audit.ResultSuccess {
		t.Errorf("audit = %+v", events)
	}
}

func TestCreateBackupAlwaysIncludesConfig(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CreateBackup", map[string]interface{}{"IncludeDKIM": true}))
	if resp.Error != nil {
		t.Fatalf("create: %v", resp.Error)
	}
	var md backup.Metadata
	if err := json.Unmarshal(resp.Result, &md); err != nil || md.ID != "b1" {
		t.Fatalf("result = %s err = %v", resp.Result, err)
	}
	want := backup.Options{Config: true, DKIM: true}
	if len(d.backups.created) != 1 || d.backups.created[0] != want {
		t.Errorf("options = %+v, want %+v", d.backups.created, want)
	}

	resp = s.dispatch(makeReq(t, 2, "RestoreBackup", map[string]interface{}{"ID": "b1"}))
	if resp.Error != nil {
		t.Fatalf("restore: %v", resp.Error)
	}
	if len(d.backups.restored) != 1 || d.backups.restored[0] != "b1" {
		t.Errorf("restored = %v", d.backups.restored)
	}

	events := d.audit.Events()
	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].Action != audit.ActionBackupCreate || events[1].Action != audit.ActionBackupRestore {
		t.Errorf("audit = %+v", events)
	}
}

func TestCreateUserGeneratesPassword(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CreateUser", map[string]interface{}{"Email": "bob@example.com"}))
	if resp.Error != nil {
		t.Fatalf("create: %v", resp.Error)
	}
	var u CreatedUser
	if err := json.Unmarshal(resp.Result, &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Password == "" {
		t.Fatal("generated password missing from result")
	}
	if err := validate.Password(u.Password); err != nil {
		t.Errorf("generated password fails policy: %v", err)
	}
	if got := d.accounts.passwords[u.ID]; got != u.Password {
		t.Errorf("store received %q, result carries %q", got, u.Password)
	}
	// DomainID omitted, so it must resolve from the address.
	if len(d.accounts.users) != 1 || d.accounts.users[0].DomainID != 7 {
		t.Errorf("users = %+v", d.accounts.users)
	}
	for _, ev := range d.audit.Events() {
		if strings.Contains(ev.Details, u.Password) {
			t.Errorf("audit leaks password: %+v", ev)
		}
	}
}

func TestCreateUserKeepsCallerPassword(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CreateUser", map[string]interface{}{
		"DomainID": 7,
		"Email":    "alice@example.com",
		"Password": "S3cure!Passw0rd",
	}))
	if resp.Error != nil {
		t.Fatalf("create: %v", resp.Error)
	}
	var u CreatedUser
	if err := json.Unmarshal(resp.Result, &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Password != "" {
		t.Errorf("caller-chosen password echoed back: %q", u.Password)
	}
	if got := d.accounts.passwords[u.ID]; got != "S3cure!Passw0rd" {
		t.Errorf("store received %q", got)
	}
}

func TestCreateUserUnknownDomain(t *testing.T) {
	s, _ := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CreateUser", map[string]interface{}{"Email": "x@nosuch.test"}))
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("error = %+v, want code -32000", resp.Error)
	}

	resp = s.dispatch(makeReq(t, 2, "CreateUser", map[string]interface{}{"Email": "not-an-address"}))
	if resp.Error == nil || resp.Error.Code != -32000 {
		t.Fatalf("error = %+v, want code -32000", resp.Error)
	}
}

func TestCreateAliasResolvesDomain(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "CreateAlias", map[string]interface{}{
		"Source":      "sales@example.com",
		"Destination": "bob@example.com",
	}))
	if resp.Error != nil {
		t.Fatalf("create: %v", resp.Error)
	}
	var a maildb.Alias
	if err := json.Unmarshal(resp.Result, &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.DomainID != 7 || a.Source != "sales@example.com" {
		t.Errorf("alias = %+v", a)
	}

	events := d.audit.Events()
	if len(events) != 1 || events[0].Action != audit.ActionAliasCreate || events[0].Details != "-> bob@example.com" {
		t.Errorf("audit = %+v", events)
	}
}

func TestListUsersByDomain(t *testing.T) {
	s, d := newTestServer(t)
	d.accounts.users = []maildb.User{
		{ID: 1, DomainID: 7, Email: "a@example.com"},
		{ID: 2, DomainID: 8, Email: "b@other.test"},
	}

	resp := s.dispatch(makeReq(t, 1, "ListUsers", map[string]interface{}{"DomainID": 7}))
	if resp.Error != nil {
		t.Fatalf("list: %v", resp.Error)
	}
	var us []maildb.User
	if err := json.Unmarshal(resp.Result, &us); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(us) != 1 || us[0].Email != "a@example.com" {
		t.Errorf("users = %+v", us)
	}

	resp = s.dispatch(makeReq(t, 2, "ListUsers", nil))
	if resp.Error != nil {
		t.Fatalf("list all: %v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, &us); err != nil || len(us) != 2 {
		t.Errorf("all users = %+v err = %v", us, err)
	}
}

func TestDeletesReturnNullAndAudit(t *testing.T) {
	s, d := newTestServer(t)

	cases := []struct {
		method string
		action audit.Action
		target string
	}{
		{"DeleteDomain", audit.ActionDomainDelete, "domain:7"},
		{"DeleteUser", audit.ActionUserDelete, "user:7"},
		{"DeleteAlias", audit.ActionAliasDelete, "alias:7"},
	}
	for i, tc := range cases {
		resp := s.dispatch(makeReq(t, i+1, tc.method, map[string]interface{}{"ID": 7}))
		if resp.Error != nil {
			t.Errorf("%s: %v", tc.method, resp.Error)
			continue
		}
		if string(resp.Result) != "null" {
			t.Errorf("%s: result = %s, want null", tc.method, resp.Result)
		}
	}
	if len(d.accounts.deleted) != 3 {
		t.Fatalf("deleted = %v", d.accounts.deleted)
	}

	events := d.audit.Events()
	if len(events) != 3 {
		t.Fatalf("audit events = %d, want 3", len(events))
	}
	for i, tc := range cases {
		if events[i].Action != tc.action || events[i].Target != tc.target {
			t.Errorf("event %d = %+v, want %s on %s", i, events[i], tc.action, tc.target)
		}
	}
}

func TestChangeUserPasswordNotEchoed(t *testing.T) {
	s, d := newTestServer(t)

	resp := s.dispatch(makeReq(t, 1, "ChangeUserPassword", map[string]interface{}{
		"ID":       42,
		"Password": "N3w!Passw0rdXY",
	}))
	if resp.Error != nil {
		t.Fatalf("change: %v", resp.Error)
	}
	if string(resp.Result) != "null" {
		t.Errorf("result = %s, want null", resp.Result)
	}
	if d.accounts.passwords[42] != "N3w!Passw0rdXY" {
		t.Errorf("store received %q", d.accounts.passwords[42])
	}

	events := d.audit.Events()
	if len(events) != 1 || events[0].Action != audit.ActionPasswordChange || events[0].Target != "user:42" {
		t.Fatalf("audit = %+v", events)
	}
	if strings.Contains(events[0].Details, "N3w!Passw0rdXY") {
		t.Errorf("audit leaks password: %+v", events[0])
	}
}

func TestAccountMethodsWithoutDatabase(t *testing.T) {
	s := NewServer(filepath.Join(t.TempDir(), "t.sock"), Deps{})

	methods := []string{
		"CreateDomain", "ListDomains", "DeleteDomain",
		"CreateUser", "ListUsers", "ChangeUserPassword", "DeleteUser",
		"CreateAlias", "ListAliases", "DeleteAlias",
	}
	for i, m := range methods {
		resp := s.dispatch(makeReq(t, i+1, m, nil))
		if resp.Error == nil || resp.Error.Code != -32000 {
			t.Errorf("%s: error = %+v, want code -32000", m, resp.Error)
			continue
		}
		if !strings.Contains(resp.Error.Message, "mail database") {
			t.Errorf("%s: message = %q", m, resp.Error.Message)
		}
	}
}
