package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = Settings{
	LocalIP:  "192.168.1.50",
	CertFile: "192.168.1.50.pem",
	KeyFile:  "192.168.1.50-key.pem",
	CARoot:   "/home/user/.local/share/mkcert",
}

func TestMarshal(t *testing.T) {
	want := `# lantls proxy settings
LOCAL_IP=192.168.1.50
CERT_FILE=192.168.1.50.pem
KEY_FILE=192.168.1.50-key.pem
CA_ROOT=/home/user/.local/share/mkcert
`
	assert.Equal(t, want, string(testSettings.Marshal()))
}

func TestRoundTrip(t *testing.T) {
	var tests = []Settings{
		testSettings,
		{LocalIP: "10.0.0.7", CertFile: "a=b.pem", KeyFile: "k.pem"},
		{LocalIP: "10.0.0.7", CertFile: `C:\certs\10.0.0.7.pem`, KeyFile: "key with spaces.pem", CARoot: `C:\Users\x\AppData\Local\mkcert`},
	}

	for _, s := range tests {
		require.NoError(t, s.Validate())

		got, err := Parse(strings.NewReader(string(s.Marshal())))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	// Parse trims values, so these would come back changed
	var rejected = []Settings{
		{LocalIP: "10.0.0.7", CertFile: " a.pem", KeyFile: "k.pem"},
		{LocalIP: "10.0.0.7", CertFile: "a.pem", KeyFile: "k.pem\t"},
		{LocalIP: "10.0.0.7 ", CertFile: "a.pem", KeyFile: "k.pem"},
		{LocalIP: "10.0.0.7", CertFile: "a.pem", KeyFile: "k.pem", CARoot: "x\r"},
	}

	for _, s := range rejected {
		assert.Error(t, s.Validate(), "%+v", s)
		assert.Error(t, Write(filepath.Join(t.TempDir(), DefaultFilename), s), "%+v", s)
	}
}

func TestParseIgnoresCommentsAndBlankLines(t *testing.T) {
	input := `
# first comment
   # indented comment

LOCAL_IP = 192.168.1.50
OTHER=ignored
CERT_FILE=192.168.1.50.pem

KEY_FILE=192.168.1.50-key.pem
`
	got, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, Settings{
		LocalIP:  "192.168.1.50",
		CertFile: "192.168.1.50.pem",
		KeyFile:  "192.168.1.50-key.pem",
	}, got)
}

func TestParseMissingKey(t *testing.T) {
	_, err := Parse(strings.NewReader("LOCAL_IP=192.168.1.50\nCERT_FILE=c.pem\n"))
	require.Error(t, err)

	var mkErr *MissingKeyError
	require.True(t, errors.As(err, &mkErr))
	assert.Equal(t, KeyKeyFile, mkErr.Key)
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse(strings.NewReader("# ok\nLOCAL_IP\n"))

	var synErr *SyntaxError
	require.True(t, errors.As(err, &synErr))
	assert.Equal(t, 2, synErr.Line)
}

func TestWriteLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)

	require.NoError(t, os.WriteFile(filename, []byte("stale content"), 0644))
	require.NoError(t, Write(filename, testSettings))

	got, err := Load(filename)
	require.NoError(t, err)
	assert.Equal(t, testSettings, got)

	entries, err := os.ReadDir(filepath.Dir(filename))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestWriteRejectsLineBreaks(t *testing.T) {
	filename := filepath.Join(t.TempDir(), DefaultFilename)

	s := testSettings
	s.CARoot = "foo\nLOCAL_IP=1.2.3.4"
	require.Error(t, Write(filename, s))

	_, err := os.Stat(filename)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), DefaultFilename))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, filepath.Join("work", "a.pem"), Resolve(filepath.Join("work", ".env"), "a.pem"))

	abs, err := filepath.Abs("a.pem")
	require.NoError(t, err)
	assert.Equal(t, abs, Resolve(filepath.Join("work", ".env"), abs))
}
