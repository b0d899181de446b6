// Package sshserver serves a read-only live view of the automated terminal
// over SSH.
package sshserver

import (
	"context"
	"errors"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/termpilot/internal/eventbus"
)

// Server exposes the engine's terminal over SSH.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Listener           net.Listener
	Source             Source
	EventBus           *eventbus.Bus
	logger             pslog.Logger
	keys               *authorizedKeys
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Source == nil {
		return errors.New("ssh viewer requires a source")
	}
	if s.AuthorizedKeysPath == "" {
		return errors.New("ssh authorized keys path is required")
	}
	s.keys = newAuthorizedKeys(s.AuthorizedKeysPath)

	signer, created, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("ssh host key generated", "path", s.HostKeyPath, "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh viewer listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	ok, err := s.keys.Allowed(key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "not in authorized keys")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}

	log.Info("ssh session opened", "term", pty.Term, "width", pty.Window.Width, "height", pty.Window.Height)
	signals, unsubscribe := s.EventBus.Subscribe()
	defer unsubscribe()

	v := newViewer(sess, s.Source, signals, log)
	v.SetSize(pty.Window.Width, pty.Window.Height)
	_ = v.Run(sess.Context(), sess, winCh)
	log.Info("ssh session closed")
}
