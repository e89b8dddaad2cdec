package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/AlexandruC0909/coderun/internal/logger"
	"github.com/AlexandruC0909/coderun/internal/models"
	"github.com/AlexandruC0909/coderun/internal/utils"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const pidFile = "pid"

var ErrOutputLimit = errors.New("output limit exceeded")

// CompileError carries compiler diagnostics for a failed build.
type CompileError struct {
	Output string
}

func (e *CompileError) Error() string {
	if e.Output == "" {
		return "compilation failed"
	}
	return "compilation failed:\n" + e.Output
}

type toolchain struct {
	source  string
	compile []string
	run     string
}

var toolchains = map[models.Language]toolchain{
	models.LanguageC: {
		source:  "main.c",
		compile: []string{"gcc", "-O2", "-o", "main", "main.c", "-lm"},
		run:     "stdbuf -o0 -e0 ./main",
	},
	models.LanguageCPP: {
		source:  "main.cpp",
		compile: []string{"g++", "-O2", "-o", "main", "main.cpp"},
		run:     "stdbuf -o0 -e0 ./main",
	},
	models.LanguageJava: {
		source:  "Main.java",
		compile: []string{"javac", "Main.java"},
		run:     "java -cp . Main",
	},
	models.LanguagePython: {
		source: "main.py",
		run:    "python3 -u main.py",
	},
	models.LanguageJavaScript: {
		source: "main.js",
		run:    "node main.js",
	},
}

// Executor compiles and runs programs inside the pool's containers, each
// run in its own directory under workDir.
type Executor struct {
	pool      *Pool
	workDir   string
	maxOutput int
	logger    *logger.Logger
}

func NewExecutor(pool *Pool, workDir string, maxOutput int, log *logger.Logger) *Executor {
	return &Executor{
		pool:      pool,
		workDir:   workDir,
		maxOutput: maxOutput,
		logger:    log.WithFields(zap.String("component", "executor")),
	}
}

// Prepare copies the source into a fresh run directory and compiles it for
// compiled languages.
func (e *Executor) Prepare(ctx context.Context, session *models.ProgramSession) error {
	start := time.Now()
	defer utils.LogTiming(e.logger, "prepare", start)

	tc, ok := toolchains[session.Language]
	if !ok {
		return fmt.Errorf("unsupported language %q", session.Language)
	}
	c, err := e.pool.Get(ctx, session.Language)
	if err != nil {
		return err
	}

	runDir := uuid.NewString()
	session.WorkDir = path.Join(e.workDir, runDir)

	archive, err := createTar(runDir, tc.source, session.Code)
	if err != nil {
		return err
	}
	if err := c.client.CopyToContainer(ctx, c.ID, e.workDir, archive, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy code to container: %w", err)
	}

	if tc.compile == nil {
		return nil
	}
	stdout, stderr, exitCode, err := e.exec(ctx, c, session.WorkDir, tc.compile)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return &CompileError{Output: strings.TrimSpace(stderr + stdout)}
	}
	return nil
}

// Run starts the prepared program with stdin attached and streams its
// output to session.OutputChan, ending with a Done item carrying the exit
// code.
func (e *Executor) Run(ctx context.Context, session *models.ProgramSession) error {
	tc, ok := toolchains[session.Language]
	if !ok {
		return fmt.Errorf("unsupported language %q", session.Language)
	}
	c, err := e.pool.Get(ctx, session.Language)
	if err != nil {
		return err
	}

	execConfig := container.ExecOptions{
		Cmd:          []string{"sh", "-c", "echo $$ > " + pidFile + " && exec " + tc.run},
		WorkingDir:   session.WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	execID, err := c.client.ContainerExecCreate(ctx, c.ID, execConfig)
	if err != nil {
		return fmt.Errorf("failed to create run exec: %w", err)
	}

	response, err := c.client.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach to run exec: %w", err)
	}
	defer response.Close()

	if err := e.handleExecIO(ctx, response, session); err != nil {
		if errors.Is(err, ErrOutputLimit) {
			if killErr := e.Stop(context.WithoutCancel(ctx), session); killErr != nil {
				e.logger.Warn("failed to kill program over output limit", zap.Error(killErr))
			}
		}
		return err
	}

	exitCode, err := e.waitExit(ctx, c, execID.ID)
	if err != nil {
		return err
	}

	select {
	case session.OutputChan <- models.ProgramOutput{Done: true, ExitCode: exitCode}:
	case <-session.Done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stop kills the program of session through the pid file its shell wrote.
func (e *Executor) Stop(ctx context.Context, session *models.ProgramSession) error {
	if session.WorkDir == "" {
		return nil
	}
	c, err := e.pool.Get(ctx, session.Language)
	if err != nil {
		return err
	}
	_, _, _, err = e.exec(ctx, c, session.WorkDir, []string{"sh", "-c", "kill -9 $(cat " + pidFile + ") 2>/dev/null || true"})
	return err
}

// Cleanup removes the run directory.
func (e *Executor) Cleanup(ctx context.Context, session *models.ProgramSession) error {
	if session.WorkDir == "" {
		return nil
	}
	c, err := e.pool.Get(ctx, session.Language)
	if err != nil {
		return err
	}
	_, _, _, err = e.exec(ctx, c, e.workDir, []string{"rm", "-rf", session.WorkDir})
	return err
}

func (e *Executor) exec(ctx context.Context, c *Container, dir string, cmd []string) (string, string, int, error) {
	execConfig := container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   dir,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := c.client.ContainerExecCreate(ctx, c.ID, execConfig)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to create exec: %w", err)
	}

	response, err := c.client.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer response.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, response.Reader); err != nil {
		return "", "", 0, fmt.Errorf("failed to read exec output: %w", err)
	}

	exitCode, err := e.waitExit(ctx, c, execID.ID)
	if err != nil {
		return "", "", 0, err
	}
	return stdout.String(), stderr.String(), exitCode, nil
}

// waitExit polls until the exec has finished; its output stream can close
// slightly before the daemon records the exit code.
func (e *Executor) waitExit(ctx context.Context, c *Container, execID string) (int, error) {
	for i := 0; ; i++ {
		inspect, err := c.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		if !inspect.Running || i >= 20 {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (e *Executor) handleExecIO(ctx context.Context, response types.HijackedResponse, session *models.ProgramSession) error {
	outputDone := make(chan error, 1)
	go e.processOutput(response.Reader, session, outputDone)
	return e.processInput(ctx, response, session, outputDone)
}

func (e *Executor) processOutput(reader *bufio.Reader, session *models.ProgramSession, outputDone chan<- error) {
	header := make([]byte, 8)
	total := 0

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				outputDone <- nil
			} else {
				outputDone <- fmt.Errorf("error reading output: %w", err)
			}
			return
		}

		streamType := header[0]
		size := int(binary.BigEndian.Uint32(header[4:]))

		// The frame size comes from the stream, so check it before allocating.
		total += size
		if e.maxOutput > 0 && total > e.maxOutput {
			outputDone <- ErrOutputLimit
			return
		}

		content := make([]byte, size)
		if _, err := io.ReadFull(reader, content); err != nil {
			outputDone <- fmt.Errorf("error reading content: %w", err)
			return
		}

		outputStr := string(content)
		output := models.ProgramOutput{
			Output:          outputStr,
			WaitingForInput: utils.IsWaitingForInput(outputStr, session.DetectedInputOps),
		}
		if stdcopy.StdType(streamType) == stdcopy.Stderr {
			output.Error = outputStr
			output.Output = ""
			output.WaitingForInput = false
		}

		select {
		case <-session.Done:
			outputDone <- nil
			return
		case session.OutputChan <- output:
		}
	}
}

func (e *Executor) processInput(ctx context.Context, response types.HijackedResponse, session *models.ProgramSession, outputDone <-chan error) error {
	for {
		select {
		case input := <-session.InputChan:
			if _, err := fmt.Fprintln(response.Conn, input); err != nil {
				return fmt.Errorf("failed to write input: %w", err)
			}
		case err := <-outputDone:
			return err
		case <-session.Done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func createTar(dir, name, content string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0755,
		ModTime:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Join(dir, name),
		Size:    int64(len(content)),
		Mode:    0644,
		ModTime: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	if _, err := io.WriteString(tw, content); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	return &buf, nil
}
