// Command lantls issues a locally trusted certificate for the machine's LAN
// address and starts lantls-server with it.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/fd0/lantls/netaddr"
	"github.com/fd0/lantls/provision"
	"github.com/fd0/lantls/proxy"
	"github.com/fd0/lantls/settings"
	"github.com/fd0/lantls/supervisor"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// Options collects global settings.
type Options struct {
	Dir      string
	Settings string
	IP       string
	CA       string
	CARoot   string
	Server   string
	Listen   string
	Backend  string
	Journal  string
	Verbose  bool
}

var opts Options

var flags = pflag.NewFlagSet("lantls", pflag.ExitOnError)

func init() {
	flags.StringVar(&opts.Dir, "dir", ".", "look for mkcert and write certificates in `dir`")
	flags.StringVar(&opts.Settings, "settings", settings.DefaultFilename, "write settings to `file` (relative to --dir)")
	flags.StringVar(&opts.IP, "ip", "", "issue the certificate for `addr` instead of detecting it")
	flags.StringVar(&opts.CA, "ca", "mkcert", "certificate authority to use: mkcert or builtin")
	flags.StringVar(&opts.CARoot, "caroot", "", "store the builtin CA in `dir` (default: $CAROOT or user config dir)")
	flags.StringVar(&opts.Server, "server", "", "path to the lantls-server `binary` (default: next to lantls, then $PATH)")
	flags.StringVar(&opts.Listen, "listen", proxy.DefaultListen, "HTTPS proxy listens at `addr`")
	flags.StringVar(&opts.Backend, "backend", proxy.DefaultBackend, "forward requests to `url`")
	flags.StringVar(&opts.Journal, "journal", "", "record requests and responses in `dir`")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug output")
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func newProvisioner(log *logrus.Logger) (provision.Provisioner, error) {
	switch opts.CA {
	case "mkcert":
		path, err := provision.FindMkcert(opts.Dir)
		if err != nil {
			return nil, err
		}
		log.Printf("found mkcert: %v", path)
		return &provision.Mkcert{Path: path, Log: log}, nil
	case "builtin":
		dir := opts.CARoot
		if dir == "" {
			var err error
			dir, err = provision.DefaultCARoot()
			if err != nil {
				return nil, err
			}
		}
		return &provision.Builtin{Dir: dir, Log: log}, nil
	}

	return nil, errors.Errorf("unknown certificate authority %q", opts.CA)
}

func localAddress(log *logrus.Logger) (string, error) {
	if opts.IP != "" {
		if net.ParseIP(opts.IP) == nil {
			return "", errors.Errorf("invalid IP address %q", opts.IP)
		}
		return opts.IP, nil
	}

	addrs, err := netaddr.Addresses()
	if err != nil {
		return "", err
	}
	log.Debugf("network interfaces: %v", addrs)

	return netaddr.Select(addrs)
}

// settingsFile returns the absolute path of the settings file.
func settingsFile() (string, error) {
	name := opts.Settings
	if !filepath.IsAbs(name) {
		name = filepath.Join(opts.Dir, name)
	}
	return filepath.Abs(name)
}

// provisionAndSave runs the provisioning steps and writes the settings file.
func provisionAndSave(ctx context.Context, log *logrus.Logger) (settings.Settings, string, error) {
	p, err := newProvisioner(log)
	if err != nil {
		return settings.Settings{}, "", err
	}

	addr, err := localAddress(log)
	if err != nil {
		return settings.Settings{}, "", err
	}
	log.Printf("local address: %v", addr)

	res, err := provision.Provision(ctx, p, addr, opts.Dir, log)
	if err != nil {
		return settings.Settings{}, "", err
	}

	s := settings.Settings{
		LocalIP:  addr,
		CertFile: res.CertFile,
		KeyFile:  res.KeyFile,
		CARoot:   res.CARoot,
	}

	filename, err := settingsFile()
	if err != nil {
		return settings.Settings{}, "", err
	}

	// certificate paths in the settings file are relative to its directory
	if filepath.Dir(filename) != mustAbs(opts.Dir) {
		s.CertFile = filepath.Join(mustAbs(opts.Dir), res.CertFile)
		s.KeyFile = filepath.Join(mustAbs(opts.Dir), res.KeyFile)
	}

	err = settings.Write(filename, s)
	if err != nil {
		return settings.Settings{}, "", err
	}
	log.Printf("settings written to %v", filename)

	return s, filename, nil
}

func mustAbs(dir string) string {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// serverBinary locates lantls-server.
func serverBinary() (string, error) {
	if opts.Server != "" {
		// the server runs in --dir, so a relative path must not be left to it
		if filepath.Base(opts.Server) == opts.Server {
			path, err := exec.LookPath(opts.Server)
			if err != nil {
				return "", errors.Wrap(err, "locate lantls-server")
			}
			return mustAbs(path), nil
		}
		return mustAbs(opts.Server), nil
	}

	name := "lantls-server"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", errors.Wrap(err, "locate lantls-server")
	}
	return path, nil
}

func serverArgs(settingsFile string) []string {
	args := []string{
		"--settings", settingsFile,
		"--listen", opts.Listen,
		"--backend", opts.Backend,
	}
	if opts.Journal != "" {
		args = append(args, "--journal", mustAbs(opts.Journal))
	}
	if opts.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

func main() {
	err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()

	ctx := context.Background()

	log.Printf("setting up HTTPS proxy")

	s, filename, err := provisionAndSave(ctx, log)
	if err != nil {
		log.Errorf("setup failed: %v", err)
		os.Exit(1)
	}

	bin, err := serverBinary()
	if err != nil {
		log.Errorf("starting proxy server failed: %v", err)
		os.Exit(supervisor.ExitFailure)
	}

	sup := &supervisor.Supervisor{
		Path:   bin,
		Args:   serverArgs(filename),
		Dir:    opts.Dir,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Log:    log,
	}

	_, port, err := net.SplitHostPort(opts.Listen)
	if err != nil {
		port = "3443"
	}
	log.Printf("server address: https://%v", net.JoinHostPort(s.LocalIP, port))
	log.Printf("press Ctrl+C to stop the server")

	// from now on Ctrl-C is relayed to the child
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	code, err := sup.Run(ctx, signals)
	if err != nil {
		log.Errorf("starting proxy server failed: %v", err)
	}

	os.Exit(code)
}
