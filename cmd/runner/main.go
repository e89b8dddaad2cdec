// Command coderun runs a source file on a coderun server and attaches the
// terminal to it, so the program can be used interactively.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/AlexandruC0909/coderun/internal/config"
	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/AlexandruC0909/coderun/internal/session"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var extensions = map[string]models.Language{
	".c":    models.LanguageC,
	".cc":   models.LanguageCPP,
	".cpp":  models.LanguageCPP,
	".cxx":  models.LanguageCPP,
	".java": models.LanguageJava,
	".py":   models.LanguagePython,
	".js":   models.LanguageJavaScript,
	".mjs":  models.LanguageJavaScript,
}

type runOptions struct {
	configPath string
	endpoint   string
	lang       string
	verbose    bool
}

func main() {
	root := &cobra.Command{
		Use:           "coderun",
		Short:         "Run programs on a coderun server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newLanguagesCmd())

	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.msg != "" {
				fmt.Fprintln(os.Stderr, exit.msg)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [flags] FILE",
		Short: "Run a source file and attach the terminal to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to coderun.yaml")
	cmd.Flags().StringVarP(&opts.endpoint, "endpoint", "e", "", "websocket endpoint of the server")
	cmd.Flags().StringVarP(&opts.lang, "lang", "l", "", "language of FILE (default: from its extension)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "log protocol activity to stderr")
	return cmd
}

func newLanguagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List supported languages",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, l := range models.Languages {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", l, l.DisplayName())
			}
		},
	}
}

func detectLanguage(file, flag string) (models.Language, error) {
	if flag != "" {
		return models.ParseLanguage(flag)
	}
	if lang, ok := extensions[strings.ToLower(filepath.Ext(file))]; ok {
		return lang, nil
	}
	return "", fmt.Errorf("cannot tell the language of %s, use --lang", file)
}

func runFile(ctx context.Context, file string, opts runOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	lang, err := detectLanguage(file, opts.lang)
	if err != nil {
		return err
	}
	code, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging
	logCfg.OutputPath = "stderr"
	if !opts.verbose {
		logCfg.Level = "error"
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	endpoint := cfg.Runner.Endpoint
	if opts.endpoint != "" {
		endpoint = opts.endpoint
	}

	fd := int(os.Stdin.Fd())
	interactive := term.IsTerminal(fd)

	out := newPrinter(os.Stdout, interactive)
	finished := make(chan session.Snapshot, 1)
	waiting := make(chan struct{}, 1)
	s := session.New(
		session.NewConn(endpoint, log, session.WithDialer(&websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Runner.HandshakeTimeoutDuration(),
		})),
		session.WithLogger(log),
		session.WithListener(func(c session.Change) {
			out.render(c)
			switch {
			case c.Snapshot.Status == session.WaitingForInput && c.From != session.WaitingForInput:
				notify(waiting)
			case c.Snapshot.Status.Terminal(), c.From.Active() && c.Snapshot.Status == session.Idle:
				select {
				case finished <- c.Snapshot:
				default:
				}
			}
		}),
	)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Runner.HandshakeTimeoutDuration())
	err = s.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer s.Disconnect()

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to set terminal raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	if err := s.Run(lang, string(code)); err != nil {
		return err
	}
	log.Info("run started", zap.String("file", file), zap.String("language", string(lang)))

	if interactive {
		go feedKeys(os.Stdin, s, log)
	} else {
		go feedLines(os.Stdin, s, waiting, log)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var snap session.Snapshot
	select {
	case snap = <-finished:
	case <-sigs:
		s.Stop()
		snap = <-finished
	}

	switch snap.Status {
	case session.Completed:
		return nil
	case session.Cancelled:
		return &exitError{code: 130}
	default:
		return &exitError{code: 1, msg: snap.Describe()}
	}
}

// feedKeys forwards raw keystrokes. Ctrl-C stops the run.
func feedKeys(in io.Reader, s *session.Session, log *logger.Logger) {
	r := bufio.NewReader(in)
	for {
		key, _, err := r.ReadRune()
		if err != nil {
			return
		}
		if key == 0x03 {
			s.Stop()
			return
		}
		if err := s.HandleKey(key); err != nil {
			log.Warn("input not sent", zap.Error(err))
		}
	}
}

// feedLines replays piped stdin one line per input request, since the
// session only accepts typing while the program is waiting.
func feedLines(in io.Reader, s *session.Session, waiting <-chan struct{}, log *logger.Logger) {
	scanner := bufio.NewScanner(in)
	for range waiting {
		if !sendLine(scanner, s, log) {
			return
		}
	}
}

// sendLine types the next non-blank line and commits it.
func sendLine(scanner *bufio.Scanner, s *session.Session, log *logger.Logger) bool {
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		for _, r := range line {
			s.OnChar(r)
		}
		sent, err := s.OnCommitLine()
		if err != nil {
			log.Warn("input not sent", zap.Error(err))
			return false
		}
		if sent {
			return true
		}
	}
	return false
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
