// Command lantls-server terminates HTTPS with the certificate listed in the
// settings file and forwards all requests to a local HTTP backend.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fd0/lantls/proxy"
	"github.com/fd0/lantls/settings"
	"github.com/fd0/lantls/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// Options collects global settings.
type Options struct {
	Settings       string
	Listen         string
	Backend        string
	Journal        string
	JournalMaxBody int64
	List           bool
	Show           uint64
	Verbose        bool
}

var opts Options

var flags = pflag.NewFlagSet("lantls-server", pflag.ExitOnError)

func init() {
	flags.StringVar(&opts.Settings, "settings", settings.DefaultFilename, "read settings from `file`")
	flags.StringVar(&opts.Listen, "listen", proxy.DefaultListen, "listen at `addr`")
	flags.StringVar(&opts.Backend, "backend", proxy.DefaultBackend, "forward requests to `url`")
	flags.StringVar(&opts.Journal, "journal", "", "record requests and responses in `dir`")
	flags.Int64Var(&opts.JournalMaxBody, "journal-max-body", store.DefaultMaxBodySize, "record at most `n` bytes of each body")
	flags.BoolVar(&opts.List, "list", false, "list the exchanges recorded in --journal and exit")
	flags.Uint64Var(&opts.Show, "show", 0, "print the exchange with `id` recorded in --journal and exit")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug output")
}

const shutdownTimeout = 5 * time.Second

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// newProxy loads the settings and the key pair.
func newProxy(log *logrus.Logger) (*proxy.Proxy, settings.Settings, error) {
	s, err := settings.Load(opts.Settings)
	if err != nil {
		return nil, s, err
	}

	backend, err := url.Parse(opts.Backend)
	if err != nil {
		return nil, s, errors.Wrap(err, "parse backend URL")
	}
	if backend.Scheme == "" || backend.Host == "" {
		return nil, s, errors.Errorf("invalid backend URL %q", opts.Backend)
	}

	cfg := proxy.Config{
		Listen:   opts.Listen,
		Backend:  backend,
		CertFile: settings.Resolve(opts.Settings, s.CertFile),
		KeyFile:  settings.Resolve(opts.Settings, s.KeyFile),
		Logger:   log,
	}

	if opts.Journal != "" {
		journal, err := openJournal(opts.Journal, opts.JournalMaxBody, log)
		if err != nil {
			return nil, s, err
		}
		log.Printf("recording requests in %v", opts.Journal)
		cfg.Journal = journal
	}

	p, err := proxy.New(cfg)
	if err != nil {
		if cfg.Journal != nil {
			_ = cfg.Journal.Close()
		}
		return nil, s, err
	}

	return p, s, nil
}

func run(log *logrus.Logger) error {
	p, s, err := newProxy(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		_ = p.Shutdown(context.Background())
		return errors.Wrap(err, "listen")
	}

	_, port, _ := net.SplitHostPort(listener.Addr().String())
	log.Printf("forwarding requests to %v", p.Backend())
	log.Printf("HTTPS proxy running at https://%v", net.JoinHostPort(s.LocalIP, port))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := p.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return p.Shutdown(sctx)
	})

	return g.Wait()
}

// inspect prints the journal for --list or --show.
func inspect(log *logrus.Logger) error {
	if opts.Journal == "" {
		return errors.New("--list and --show need --journal")
	}

	journal, err := openJournal(opts.Journal, 0, log)
	if err != nil {
		return err
	}
	defer journal.Close()

	if opts.Show != 0 {
		return showExchange(os.Stdout, journal, opts.Show)
	}
	return listJournal(os.Stdout, journal)
}

func main() {
	err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	log := newLogger()

	if opts.List || opts.Show != 0 {
		err := inspect(log)
		if err != nil {
			log.Errorf("reading journal failed: %v", err)
			os.Exit(1)
		}
		return
	}

	err = run(log)
	if err != nil {
		log.Errorf("starting server failed: %v", err)
		os.Exit(1)
	}
}
