package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// SeqPlaceholder marks where the sequence file path is substituted into
// an ExecLink command line.
const SeqPlaceholder = "{seq}"

// ExecLink replays sequences by handing them to an external programmer
// command such as openFPGALoader or openocd. The decompressed sequence
// is written to a temporary file and the command is run with the file
// path substituted for SeqPlaceholder, or appended when no argument
// contains it.
type ExecLink struct {
	name string
	args []string
	log  *zap.Logger
}

// NewExecLink builds a link around the given command line.
func NewExecLink(command []string, log *zap.Logger) (*ExecLink, error) {
	if len(command) == 0 {
		return nil, errors.New("replay command is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecLink{name: command[0], args: command[1:], log: log}, nil
}

// Replay writes the sequence to a temporary file and runs the command.
func (l *ExecLink) Replay(ctx context.Context, seq io.Reader) error {
	f, err := os.CreateTemp("", "tiliqua-seq-*.bin")
	if err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := io.Copy(f, seq); err != nil {
		f.Close()
		return fmt.Errorf("failed to stage sequence: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to stage sequence: %w", err)
	}

	args := make([]string, 0, len(l.args)+1)
	substituted := false
	for _, a := range l.args {
		if strings.Contains(a, SeqPlaceholder) {
			a = strings.ReplaceAll(a, SeqPlaceholder, path)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, path)
	}

	l.log.Debug("running replay command", zap.String("command", l.name), zap.Strings("args", args))
	cmd := exec.CommandContext(ctx, l.name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("replay command failed: %w (output: %s)", err, bytes.TrimSpace(out))
	}
	if len(out) > 0 {
		l.log.Debug("replay command output", zap.ByteString("output", bytes.TrimSpace(out)))
	}
	return nil
}
