// Package settings reads and writes the file which hands the provisioning
// result from lantls to lantls-server.
package settings

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DefaultFilename is the name of the settings file in the working directory.
const DefaultFilename = ".env"

// Keys used in the settings file.
const (
	KeyLocalIP  = "LOCAL_IP"
	KeyCertFile = "CERT_FILE"
	KeyKeyFile  = "KEY_FILE"
	KeyCARoot   = "CA_ROOT"
)

const header = "# lantls proxy settings"

// Settings is the result of a provisioning run.
type Settings struct {
	LocalIP  string
	CertFile string
	KeyFile  string
	CARoot   string
}

// MissingKeyError is returned by Parse when a required key is absent.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("settings: required key %v is missing", e.Key)
}

// SyntaxError describes a line Parse could not understand.
type SyntaxError struct {
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("settings: line %d: expected KEY=VALUE, got %q", e.Line, e.Text)
}

// Marshal encodes s as KEY=VALUE lines, preceded by a comment.
func (s Settings) Marshal() []byte {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, header)
	fmt.Fprintf(&buf, "%v=%v\n", KeyLocalIP, s.LocalIP)
	fmt.Fprintf(&buf, "%v=%v\n", KeyCertFile, s.CertFile)
	fmt.Fprintf(&buf, "%v=%v\n", KeyKeyFile, s.KeyFile)
	fmt.Fprintf(&buf, "%v=%v\n", KeyCARoot, s.CARoot)
	return buf.Bytes()
}

// Parse reads settings from rd. Blank lines and lines starting with # are
// ignored, every other line is split at the first "=". Unknown keys are
// skipped. CA_ROOT is optional, all other keys are required.
func Parse(rd io.Reader) (Settings, error) {
	var s Settings
	seen := make(map[string]bool)

	sc := bufio.NewScanner(rd)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx <= 0 {
			return Settings{}, &SyntaxError{Line: lineno, Text: line}
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		switch key {
		case KeyLocalIP:
			s.LocalIP = value
		case KeyCertFile:
			s.CertFile = value
		case KeyKeyFile:
			s.KeyFile = value
		case KeyCARoot:
			s.CARoot = value
		default:
			continue
		}
		seen[key] = true
	}

	if err := sc.Err(); err != nil {
		return Settings{}, errors.Wrap(err, "read settings")
	}

	for _, key := range []string{KeyLocalIP, KeyCertFile, KeyKeyFile} {
		if !seen[key] {
			return Settings{}, &MissingKeyError{Key: key}
		}
	}

	return s, nil
}

// Load reads and parses the settings file at filename.
func Load(filename string) (Settings, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Settings{}, errors.Wrap(err, "open settings")
	}
	defer f.Close()

	s, err := Parse(f)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "parse %v", filename)
	}

	return s, nil
}

// Validate returns an error for values which would not be read back
// unchanged by Parse.
func (s Settings) Validate() error {
	for _, v := range []string{s.LocalIP, s.CertFile, s.KeyFile, s.CARoot} {
		if strings.ContainsAny(v, "\r\n") {
			return errors.Errorf("settings: value %q contains a line break", v)
		}
		if strings.TrimSpace(v) != v {
			return errors.Errorf("settings: value %q has leading or trailing white space", v)
		}
	}
	return nil
}

// Write replaces filename with the encoded settings. The data is written to a
// temporary file in the same directory first, which is then renamed.
func Write(filename string, s Settings) error {
	err := s.Validate()
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "create settings")
	}

	_, err = f.Write(s.Marshal())
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(f.Name(), 0644)
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return errors.Wrap(err, "write settings")
	}

	return errors.Wrap(os.Rename(f.Name(), filename), "replace settings")
}

// Resolve returns name interpreted relative to the directory of the settings
// file, unless it is already absolute.
func Resolve(settingsFile, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(settingsFile), name)
}
