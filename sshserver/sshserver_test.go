package sshserver

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"pkt.systems/pslog"

	"pkt.systems/termpilot/internal/eventbus"
	"pkt.systems/termpilot/schema"
)

type fakeSource struct {
	mu       sync.Mutex
	lines    []string
	status   schema.SessionStatus
	handlers map[int]func(schema.ScreenBatch)
	next     int
}

func newFakeSource(lines ...string) *fakeSource {
	return &fakeSource{lines: lines, handlers: map[int]func(schema.ScreenBatch){}, status: schema.SessionStatus{Phase: schema.PhaseRunning, Tag: "abc"}}
}

func (f *fakeSource) RegisterVisualEventHandler(fn func(schema.ScreenBatch)) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.handlers[f.next] = fn
	return f.next
}

func (f *fakeSource) UnregisterVisualEventHandler(id int) {
	f.mu.Lock()
	delete(f.handlers, id)
	f.mu.Unlock()
}

func (f *fakeSource) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSource) CurrentTuiLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func (f *fakeSource) Status() schema.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) push(lines ...string) {
	f.mu.Lock()
	f.lines = lines
	handlers := make([]func(schema.ScreenBatch), 0, len(f.handlers))
	for _, fn := range f.handlers {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(schema.ScreenBatch{schema.FullReplace{Lines: schema.TextLines(lines...)}})
	}
}

func TestEnsureHostKeyCreatesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host")
	first, created, err := EnsureHostKey(path)
	if err != nil || !created {
		t.Fatalf("expected new host key, got created=%v err=%v", created, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 host key, got %v", info.Mode().Perm())
	}
	second, created, err := EnsureHostKey(path)
	if err != nil || created {
		t.Fatalf("expected existing key, got created=%v err=%v", created, err)
	}
	if ssh.FingerprintSHA256(first.PublicKey()) != ssh.FingerprintSHA256(second.PublicKey()) {
		t.Fatalf("expected same key on reload")
	}
	if _, _, err := EnsureHostKey(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func newClientKey(t *testing.T) (ssh.Signer, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return signer, ssh.MarshalAuthorizedKey(sshPub)
}

func TestAuthorizedKeysReload(t *testing.T) {
	allowed, allowedLine := newClientKey(t)
	other, otherLine := newClientKey(t)
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := "# viewers\n\n" + string(allowedLine)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys := newAuthorizedKeys(path)
	if ok, err := keys.Allowed(allowed.PublicKey()); err != nil || !ok {
		t.Fatalf("expected allowed key, got %v %v", ok, err)
	}
	if ok, _ := keys.Allowed(other.PublicKey()); ok {
		t.Fatalf("expected unknown key denied")
	}

	content += string(otherLine) + "# trailing\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if ok, err := keys.Allowed(other.PublicKey()); err != nil || !ok {
		t.Fatalf("expected reloaded key allowed, got %v %v", ok, err)
	}

	if err := os.WriteFile(path, []byte("not a key\n"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if ok, err := keys.Allowed(allowed.PublicKey()); err == nil || ok {
		t.Fatalf("expected malformed file to deny, got %v %v", ok, err)
	}
}

func TestComposeFrame(t *testing.T) {
	frame := composeFrame([]string{"one", "two", "three-is-long"}, "status", 5, 3)
	if strings.Contains(frame, "one") {
		t.Fatalf("expected only trailing lines to fit: %q", frame)
	}
	if !strings.Contains(frame, "two") || !strings.Contains(frame, "three") || strings.Contains(frame, "three-") {
		t.Fatalf("expected truncated trailing lines: %q", frame)
	}
	if !strings.Contains(frame, "\x1b[3;1H\x1b[7m") {
		t.Fatalf("expected status on last row: %q", frame)
	}
}

func TestStatusLine(t *testing.T) {
	line := statusLine(statusView{
		SessionStatus: schema.SessionStatus{Phase: schema.PhasePaused, Tag: "t1", Paused: true},
		last:          "agent_paused",
	})
	for _, want := range []string{"paused", "session t1", "last agent_paused", "q quit"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}

func TestReadKeysSkipsEscapeSequences(t *testing.T) {
	out := make(chan keyKind, 8)
	readKeys(strings.NewReader("\x1b[Ax\x0cq"), out)
	var got []keyKind
	for k := range out {
		got = append(got, k)
	}
	want := []keyKind{keyOther, keyRedraw, keyQuit}
	if len(got) != len(want) {
		t.Fatalf("unexpected keys %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected keys %v", got)
		}
	}
}

func TestViewerRendersBatchesAndQuits(t *testing.T) {
	source := newFakeSource("booting")
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	v := newViewer(outW, source, nil, testLogger())

	done := make(chan error, 1)
	go func() { done <- v.Run(context.Background(), inR, nil) }()

	reader := bufio.NewReader(outR)
	waitForOutput(t, reader, "booting")
	source.push("│ > ready")
	waitForOutput(t, reader, "│ > ready")

	go func() { _, _ = io.Copy(io.Discard, reader) }()
	_, _ = inW.Write([]byte("q"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("viewer did not quit")
	}
	if source.handlerCount() != 0 {
		t.Fatalf("expected visual handler unregistered")
	}
}

func waitForOutput(t *testing.T, r *bufio.Reader, want string) {
	t.Helper()
	found := make(chan struct{})
	go func() {
		var seen strings.Builder
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			seen.Write(buf[:n])
			if strings.Contains(seen.String(), want) {
				close(found)
				return
			}
			if err != nil {
				return
			}
		}
	}()
	select {
	case <-found:
	case <-time.After(3 * time.Second):
		t.Fatalf("output %q not seen", want)
	}
}

func TestServerAuthorizesAndStreams(t *testing.T) {
	dir := t.TempDir()
	clientKey, line := newClientKey(t)
	authPath := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(authPath, line, 0o600); err != nil {
		t.Fatalf("write authorized keys: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	source := newFakeSource("hello from the agent")
	bus := eventbus.New(nil)
	srv := &Server{
		HostKeyPath:        filepath.Join(dir, "host"),
		AuthorizedKeysPath: authPath,
		Listener:           ln,
		Source:             source,
		EventBus:           bus,
		logger:             testLogger(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe(ctx) }()

	stranger, _ := newClientKey(t)
	if _, err := dial(ln.Addr().String(), stranger); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}

	client, err := dial(ln.Addr().String(), clientKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	if err := sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	stdin, _ := sess.StdinPipe()
	stdout, _ := sess.StdoutPipe()
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}
	reader := bufio.NewReader(stdout)
	waitForOutput(t, reader, "hello from the agent")
	bus.OnSignal("abc", schema.PromptSent{})
	waitForOutput(t, reader, "last prompt_sent")

	go func() { _, _ = io.Copy(io.Discard, reader) }()
	_, _ = stdin.Write([]byte("q"))
	waitErr := make(chan error, 1)
	go func() { waitErr <- sess.Wait() }()
	select {
	case <-waitErr:
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end after quit")
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServerRequiresPty(t *testing.T) {
	dir := t.TempDir()
	clientKey, line := newClientKey(t)
	authPath := filepath.Join(dir, "authorized_keys")
	if err := os.WriteFile(authPath, line, 0o600); err != nil {
		t.Fatalf("write authorized keys: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &Server{HostKeyPath: filepath.Join(dir, "host"), AuthorizedKeysPath: authPath, Listener: ln, Source: newFakeSource(), logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.ListenAndServe(ctx) }()

	client, err := dial(ln.Addr().String(), clientKey)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	sess, err := client.NewSession()
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	defer sess.Close()
	out, _ := sess.CombinedOutput("")
	if !strings.Contains(string(out), "pty required") {
		t.Fatalf("expected pty rejection, got %q", out)
	}
}

func dial(addr string, signer ssh.Signer) (*ssh.Client, error) {
	var client *ssh.Client
	var err error
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		client, err = ssh.Dial("tcp", addr, &ssh.ClientConfig{
			User:            "viewer",
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         time.Second,
		})
		if err == nil || !isConnRefused(err) {
			return client, err
		}
		time.Sleep(20 * time.Millisecond)
	}
	return client, err
}

func isConnRefused(err error) bool {
	return strings.Contains(err.Error(), "connection refused")
}

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
}
