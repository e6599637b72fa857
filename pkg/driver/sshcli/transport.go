// Package sshcli implements the interactive-shell CLI driver family (spec
// §4.3): Cisco IOS, Arista EOS, and a generic SSH fallback. All three share
// prompt-tolerant exec framing, pager suppression, and line-by-line
// config-push built on top of golang.org/x/crypto/ssh.
package sshcli

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// Profile carries the vendor-specific tokens the shared transport needs:
// the pager-disable command, the config-mode enter/exit tokens, the
// running-config read command, and the persist (write-startup) command.
type Profile struct {
	VendorName       string
	DisablePagingCmd string
	ShowConfigCmd    string
	EnterConfigCmd   string
	ExitConfigCmd    string
	PersistCmd       string
	PromptPattern    *regexp.Regexp
	ConfigPromptPattern *regexp.Regexp
}

// defaultPromptPattern matches a trailing "hostname#" / "hostname>" /
// "hostname(config)#" style prompt, tolerating banner text before it.
func defaultPromptPattern() *regexp.Regexp {
	return regexp.MustCompile(`(?m)[\w\-.]+[>#]\s*$`)
}

func defaultConfigPromptPattern() *regexp.Regexp {
	return regexp.MustCompile(`(?m)[\w\-.]+\(config[^)]*\)#\s*$`)
}

// Timeouts bundles the operation-level deadlines spec §5 requires for
// every driver operation.
type Timeouts struct {
	Connect time.Duration
	Command time.Duration
}

// DefaultTimeouts mirrors spec §5's defaults for the shell driver class.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, Command: 30 * time.Second}
}

// session implements driver.Session over an interactive SSH shell.
type session struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   *writeOnly
	out     <-chan string
	errc    <-chan error
	profile Profile
	timeouts Timeouts
}

// Connect dials addr, authenticates with cred, opens a PTY shell, waits for
// the first prompt, and disables pagination. It is shared by every sshcli
// driver; only the Profile differs between vendors.
func Connect(ctx context.Context, addr string, cred credential.Credential, profile Profile, timeouts Timeouts) (driver.Session, error) {
	clientConfig, err := authConfig(cred)
	if err != nil {
		return nil, errs.New(errs.Connect, "sshcli.Connect", err)
	}
	clientConfig.Timeout = timeouts.Connect
	clientConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey() // host key pinning is an inventory/deployment concern, not the core's

	dialer := &net.Dialer{Timeout: timeouts.Connect}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("dialing %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sshSess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("opening session: %w", err))
	}
	if err := sshSess.RequestPty("xterm", 0, 512, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		sshSess.Close()
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("requesting pty: %w", err))
	}

	stdinPipe, err := sshSess.StdinPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("opening stdin: %w", err))
	}
	stdoutPipe, err := sshSess.StdoutPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("opening stdout: %w", err))
	}
	// Combine stderr into the same stream: CLI devices typically interleave
	// diagnostic text on the same channel the prompt appears on.
	stderrPipe, err := sshSess.StderrPipe()
	if err != nil {
		sshSess.Close()
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("opening stderr: %w", err))
	}

	if err := sshSess.Shell(); err != nil {
		sshSess.Close()
		client.Close()
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("starting shell: %w", err))
	}

	if profile.PromptPattern == nil {
		profile.PromptPattern = defaultPromptPattern()
	}
	if profile.ConfigPromptPattern == nil {
		profile.ConfigPromptPattern = defaultConfigPromptPattern()
	}

	lines := mergeLines(stdoutPipe, stderrPipe)

	s := &session{
		client:   client,
		sess:     sshSess,
		stdin:    &writeOnly{w: stdinPipe},
		out:      lines,
		profile:  profile,
		timeouts: timeouts,
	}

	if _, err := s.readUntilPrompt(ctx, profile.PromptPattern, timeouts.Connect); err != nil {
		s.Close(ctx)
		return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("waiting for initial prompt: %w", err))
	}

	if profile.DisablePagingCmd != "" {
		if _, err := s.Exec(ctx, profile.DisablePagingCmd); err != nil {
			s.Close(ctx)
			return nil, errs.New(errs.Connect, "sshcli.Connect", fmt.Errorf("disabling pager: %w", err))
		}
	}

	return s, nil
}

func authConfig(cred credential.Credential) (*ssh.ClientConfig, error) {
	switch cred.Kind() {
	case device.KindUserPassword:
		return &ssh.ClientConfig{
			User: cred.Username(),
			Auth: []ssh.AuthMethod{ssh.Password(string(cred.Password()))},
		}, nil
	case device.KindSSHKey:
		var signer ssh.Signer
		var err error
		if len(cred.Passphrase()) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey(), cred.Passphrase())
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey())
		}
		if err != nil {
			return nil, fmt.Errorf("parsing ssh private key: %w", err)
		}
		return &ssh.ClientConfig{
			User: cred.Username(),
			Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		}, nil
	default:
		return nil, fmt.Errorf("credential kind %q is not valid for an ssh cli driver", cred.Kind())
	}
}

// Exec writes command and reads until the prompt reappears, bounded by the
// driver's per-command timeout.
func (s *session) Exec(ctx context.Context, command string) (string, error) {
	if _, err := s.stdin.Write([]byte(command + "\n")); err != nil {
		return "", errs.New(errs.Execute, "sshcli.Exec", fmt.Errorf("writing command: %w", err))
	}
	out, err := s.readUntilPrompt(ctx, s.profile.PromptPattern, s.timeouts.Command)
	if err != nil {
		return "", errs.New(errs.Timeout, "sshcli.Exec", fmt.Errorf("command %q: %w", command, err))
	}
	return out, nil
}

// GetConfig returns the running configuration via the vendor's show command.
func (s *session) GetConfig(ctx context.Context) (string, error) {
	if s.profile.ShowConfigCmd == "" {
		return "", nil
	}
	return s.Exec(ctx, s.profile.ShowConfigCmd)
}

// ApplyConfig frames snippet's lines between the vendor's enter/exit config
// tokens and, when requested, runs the persist command afterward.
func (s *session) ApplyConfig(ctx context.Context, snippet string, dryRun, persistStartup bool) (driver.ApplyResult, error) {
	if dryRun {
		// sshcli drivers never advertise SupportsDryRun (spec §4.4e): CLI
		// config push has no commit-check primitive. The engine only
		// calls ApplyConfig(dryRun=true) when the capability is set, so
		// reaching here for a real device would be a caller bug.
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("driver does not support dry-run apply"))
	}

	if _, err := s.Exec(ctx, s.profile.EnterConfigCmd); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("entering config mode: %w", err))
	}

	for _, line := range strings.Split(snippet, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if _, err := s.stdin.Write([]byte(line + "\n")); err != nil {
			return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("writing config line %q: %w", line, err))
		}
		if _, err := s.readUntilPrompt(ctx, s.profile.ConfigPromptPattern, s.timeouts.Command); err != nil {
			return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("applying config line %q: %w", line, err))
		}
	}

	if _, err := s.Exec(ctx, s.profile.ExitConfigCmd); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("exiting config mode: %w", err))
	}

	if persistStartup && s.profile.PersistCmd != "" {
		if _, err := s.Exec(ctx, s.profile.PersistCmd); err != nil {
			return driver.ApplyResult{}, errs.New(errs.ConfigApply, "sshcli.ApplyConfig", fmt.Errorf("persisting startup config: %w", err))
		}
	}

	return driver.ApplyResult{Applied: true}, nil
}

// Rollback re-applies the captured snapshot verbatim. CLI devices have no
// native "rollback to candidate" primitive, so this is a naive re-push of
// the pre-change snapshot. The engine calls it after any failed execute
// step (a command or an ApplyConfig); the snapshot is only captured for
// config-push jobs, so for other job kinds it is empty and this returns an
// error.
func (s *session) Rollback(ctx context.Context, snapshot string) error {
	if snapshot == "" {
		return errs.New(errs.Rollback, "sshcli.Rollback", fmt.Errorf("no snapshot available to roll back to"))
	}
	if _, err := s.ApplyConfig(ctx, snapshot, false, false); err != nil {
		return errs.New(errs.Rollback, "sshcli.Rollback", err)
	}
	return nil
}

// Close tears down the shell, session, and underlying TCP connection.
func (s *session) Close(_ context.Context) error {
	var firstErr error
	if s.sess != nil {
		if err := s.sess.Close(); err != nil {
			firstErr = err
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readUntilPrompt drains s.out until pattern matches the accumulated
// buffer or deadline elapses, whichever comes first. It is cancellation
// aware: ctx.Done() abandons the read immediately.
func (s *session) readUntilPrompt(ctx context.Context, pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return buf.String(), ctx.Err()
		case <-deadline.C:
			return buf.String(), fmt.Errorf("timed out waiting for prompt after %s", timeout)
		case line, ok := <-s.out:
			if !ok {
				return buf.String(), fmt.Errorf("session closed before prompt observed")
			}
			buf.WriteString(line)
			buf.WriteString("\n")
			if pattern.MatchString(buf.String()) {
				return buf.String(), nil
			}
		}
	}
}

// mergeLines fans two line-oriented readers into one channel, preserving
// the order each reader emitted its own lines (cross-reader interleaving
// order is not guaranteed, matching a real terminal's shared buffer).
func mergeLines(readers ...interface{ Read([]byte) (int, error) }) <-chan string {
	out := make(chan string, 256)
	remaining := len(readers)
	done := make(chan struct{}, len(readers))

	for _, r := range readers {
		r := r
		go func() {
			sc := bufio.NewScanner(toReader(r))
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				out <- sc.Text()
			}
			done <- struct{}{}
		}()
	}

	go func() {
		for i := 0; i < remaining; i++ {
			<-done
		}
		close(out)
	}()

	return out
}

type byteReader struct {
	r interface{ Read([]byte) (int, error) }
}

func (b byteReader) Read(p []byte) (int, error) { return b.r.Read(p) }

func toReader(r interface{ Read([]byte) (int, error) }) *byteReader {
	return &byteReader{r: r}
}

// writeOnly adapts an io.Writer so the session struct doesn't need to name
// the concrete stdin pipe type.
type writeOnly struct {
	w interface{ Write([]byte) (int, error) }
}

func (w *writeOnly) Write(p []byte) (int, error) { return w.w.Write(p) }
