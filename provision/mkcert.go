package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrToolNotFound is returned by FindMkcert if there is no mkcert binary.
var ErrToolNotFound = errors.New("mkcert binary not found")

// ToolError is returned when the certificate tool exits with an error.
type ToolError struct {
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%v failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Mkcert issues certificates by running the mkcert tool.
type Mkcert struct {
	Path string
	Log  logrus.FieldLogger
}

// FindMkcert looks for the mkcert binary in dir.
func FindMkcert(dir string) (string, error) {
	for _, name := range []string{"mkcert", "mkcert.exe"} {
		filename := filepath.Join(dir, name)
		fi, err := os.Stat(filename)
		if err == nil && fi.Mode().IsRegular() {
			return filepath.Abs(filename)
		}
	}

	return "", errors.Wrapf(ErrToolNotFound, "make sure mkcert is located in %v", dir)
}

func (m *Mkcert) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.Path, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if m.Log != nil {
		m.Log.Debugf("run %v %v", m.Path, strings.Join(args, " "))
	}

	err := cmd.Run()
	if err != nil {
		output := strings.TrimSpace(stderr.String())
		if output == "" {
			output = strings.TrimSpace(stdout.String())
		}

		return "", &ToolError{
			Args:   append([]string{filepath.Base(m.Path)}, args...),
			Output: output,
			Err:    err,
		}
	}

	if m.Log != nil && stderr.Len() > 0 {
		m.Log.Debugf("mkcert: %s", bytes.TrimSpace(stderr.Bytes()))
	}

	return strings.TrimSpace(stdout.String()), nil
}

// Install runs "mkcert -install".
func (m *Mkcert) Install(ctx context.Context) error {
	_, err := m.run(ctx, "", "-install")
	return err
}

// CARoot runs "mkcert -CAROOT".
func (m *Mkcert) CARoot(ctx context.Context) (string, error) {
	return m.run(ctx, "", "-CAROOT")
}

// Issue runs "mkcert addr" in dir.
func (m *Mkcert) Issue(ctx context.Context, addr, dir string) error {
	_, err := m.run(ctx, dir, addr)
	return err
}
