package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/termpilot"
	"pkt.systems/termpilot/core"
	"pkt.systems/termpilot/httpapi"
	"pkt.systems/termpilot/internal/appconfig"
	"pkt.systems/termpilot/internal/localpty"
	"pkt.systems/termpilot/internal/tmuxpane"
	"pkt.systems/termpilot/schema"
	"pkt.systems/termpilot/sshserver"
)

const stopTimeout = 10 * time.Second

type runFlags struct {
	configPath string
	prompt     string
	promptFile string
	workingDir string
	transport  string
	httpAddr   string
	sshAddr    string
	agent      string
	launch     string
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the automation engine with its control API and viewer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "config path (default ~/.termpilot/config.yaml)")
	cmd.Flags().StringVarP(&flags.prompt, "prompt", "p", "", "start a task with this prompt")
	cmd.Flags().StringVar(&flags.promptFile, "prompt-file", "", "read the task prompt from a file")
	cmd.Flags().StringVarP(&flags.workingDir, "dir", "C", "", "working directory for tasks (default current directory)")
	cmd.Flags().StringVar(&flags.transport, "transport", "", "terminal transport: pty or tmux")
	cmd.Flags().StringVar(&flags.httpAddr, "http", "", "HTTP control API address, or off")
	cmd.Flags().StringVar(&flags.sshAddr, "ssh", "", "SSH viewer address, or off")
	cmd.Flags().StringVar(&flags.agent, "agent", "", "agent binary name checked by the startup preflight")
	cmd.Flags().StringVar(&flags.launch, "launch", "", "command that launches the agent")
	return cmd
}

func runEngine(ctx context.Context, flags runFlags) error {
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(flags.configPath)
	if err != nil {
		return err
	}
	if err := applyRunFlags(&cfg, flags); err != nil {
		return err
	}
	prompt, err := resolvePrompt(flags)
	if err != nil {
		return err
	}
	workingDir := flags.workingDir
	if workingDir == "" {
		if workingDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	transport, closeTransport := buildTransport(cfg, logger)
	defer closeTransport()

	opts := []termpilot.ServerOption{}
	if cfg.HTTP.Addr != "" {
		opts = append(opts, termpilot.WithHTTP())
	}
	if cfg.SSH.Addr != "" {
		opts = append(opts, termpilot.WithSSH())
	}
	if prompt != "" {
		opts = append(opts, termpilot.WithTask(termpilot.TaskSpec{Prompt: prompt, WorkingDir: workingDir}))
	}

	srv, err := termpilot.New(termpilot.ServerConfig{
		Engine: cfg.EngineSettings(),
		HTTP: httpapi.Config{
			Addr:        cfg.HTTP.Addr,
			HistorySize: cfg.HTTP.HistorySize,
			WorkingDir:  workingDir,
		},
		SSH: sshserver.Config{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
		},
	}, termpilot.ServerDeps{
		Transport: transport,
		Sink:      signalLogger(logger),
		Logger:    logger,
	}, opts...)
	if err != nil {
		return err
	}

	logger.Info("termpilot run", "transport", cfg.Transport.Kind, "dir", workingDir, "agent", cfg.Engine.Agent, "task", prompt != "")
	if err := srv.Start(ctx); err != nil {
		return err
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- srv.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return srv.Stop(stopCtx)
}

func applyRunFlags(cfg *appconfig.Config, flags runFlags) error {
	if flags.transport != "" {
		switch flags.transport {
		case appconfig.TransportPTY, appconfig.TransportTmux:
			cfg.Transport.Kind = flags.transport
		default:
			return fmt.Errorf("unsupported --transport %q", flags.transport)
		}
	}
	cfg.HTTP.Addr = overrideAddr(cfg.HTTP.Addr, flags.httpAddr)
	cfg.SSH.Addr = overrideAddr(cfg.SSH.Addr, flags.sshAddr)
	if flags.agent != "" {
		cfg.Engine.Agent = flags.agent
		if flags.launch == "" {
			cfg.Engine.LaunchCommand = flags.agent
		}
	}
	if flags.launch != "" {
		cfg.Engine.LaunchCommand = flags.launch
	}
	return nil
}

func overrideAddr(current, flag string) string {
	switch strings.ToLower(strings.TrimSpace(flag)) {
	case "":
		return current
	case "off", "none", "disabled":
		return ""
	default:
		return strings.TrimSpace(flag)
	}
}

func resolvePrompt(flags runFlags) (string, error) {
	if flags.prompt != "" && flags.promptFile != "" {
		return "", fmt.Errorf("%w: --prompt and --prompt-file are exclusive", schema.ErrInvalidRequest)
	}
	if flags.promptFile == "" {
		return flags.prompt, nil
	}
	data, err := os.ReadFile(flags.promptFile)
	if err != nil {
		return "", fmt.Errorf("read prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", schema.ErrEmptyPrompt
	}
	return prompt, nil
}

func buildTransport(cfg appconfig.Config, logger pslog.Logger) (core.Transport, func()) {
	env := cfg.Transport.EnvMap()
	if cfg.Transport.Kind == appconfig.TransportTmux {
		return tmuxpane.New(tmuxpane.Config{
			TmuxPath:      cfg.Transport.Tmux.Path,
			SocketPath:    cfg.Transport.Tmux.SocketPath,
			SessionPrefix: cfg.Transport.Tmux.SessionPrefix,
			Shell:         cfg.Transport.Shell,
			Env:           env,
			PollInterval:  time.Duration(cfg.Transport.Tmux.PollIntervalMS) * time.Millisecond,
			Logger:        logger,
		}), func() {}
	}
	transport := localpty.New(localpty.Config{
		Shell:        cfg.Transport.Shell,
		Login:        cfg.Transport.Login,
		Env:          env,
		MaxTerminals: cfg.Transport.MaxTerminals,
		Logger:       logger,
	})
	return transport, func() {
		if err := transport.Close(context.Background()); err != nil {
			logger.Warn("localpty close failed", "err", err)
		}
	}
}

// signalLogger reports lifecycle signals on the process log. Screen updates
// go to trace since they fire on every change.
func signalLogger(logger pslog.Logger) core.SignalSink {
	return core.SignalSinkFunc(func(session schema.SessionTag, signal schema.Signal) {
		log := logger.With("session", session, "signal", signal.SignalType())
		switch s := signal.(type) {
		case schema.ScreenUpdate:
			log.Trace("termpilot signal", "lines", len(s.Lines))
		case schema.TaskStarted:
			log.Info("termpilot signal", "terminal", s.TerminalID, "prompt_len", len(s.Prompt))
		case schema.PromptQueued:
			log.Info("termpilot signal", "prompt_len", len(s.Prompt))
		case schema.PauseFailed:
			log.Warn("termpilot signal", "attempts", s.Attempts)
		case schema.TaskError:
			log.Error("termpilot signal", "message", s.Message)
		default:
			log.Info("termpilot signal")
		}
	})
}
