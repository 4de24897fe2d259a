// Package proxy terminates TLS and forwards all requests to a single
// plaintext HTTP backend.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
)

// Defaults used by lantls-server.
const (
	DefaultListen  = ":3443"
	DefaultBackend = "http://localhost:3000"
)

// Journal records forwarded requests and the responses to them. AddRequest
// and AddResponse may replace the message's Body in order to record it while
// it is forwarded, they must not read it up front.
type Journal interface {
	AddRequest(id uint64, req *http.Request) error
	AddResponse(id uint64, res *http.Response) error
	MaxID() (uint64, error)
	Close() error
}

// Config configures a Proxy.
type Config struct {
	// Listen is the address to listen on, e.g. ":3443".
	Listen string
	// Backend is the URL all requests are forwarded to.
	Backend *url.URL

	CertFile, KeyFile string

	// Journal is optional. The proxy closes it on Shutdown.
	Journal Journal

	Logger logrus.FieldLogger
}

// Proxy accepts HTTPS connections and forwards the requests to the backend.
type Proxy struct {
	server  *http.Server
	reverse *httputil.ReverseProxy
	backend *url.URL
	journal Journal
	logger  logrus.FieldLogger

	listenAddr string

	m        sync.Mutex
	listener net.Listener

	lastID uint64
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// errorLogger returns a standard library logger which writes to l.
func errorLogger(l logrus.FieldLogger) *log.Logger {
	if lg, ok := l.(*logrus.Logger); ok {
		return log.New(lg.WriterLevel(logrus.WarnLevel), "", 0)
	}
	if e, ok := l.(*logrus.Entry); ok {
		return log.New(e.WriterLevel(logrus.WarnLevel), "", 0)
	}
	return log.New(logrus.StandardLogger().WriterLevel(logrus.WarnLevel), "", 0)
}

// New loads the key pair and prepares the proxy. No socket is opened until
// ListenAndServe or Serve is called, so a missing certificate or key file
// is reported before anything is bound.
func New(cfg Config) (*Proxy, error) {
	if cfg.Backend == nil {
		return nil, errors.New("no backend configured")
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load certificate")
	}

	p := &Proxy{
		backend:    cfg.Backend,
		journal:    cfg.Journal,
		logger:     cfg.Logger,
		listenAddr: cfg.Listen,
	}

	if p.journal != nil {
		// continue numbering after the entries already in the journal
		p.lastID, err = p.journal.MaxID()
		if err != nil {
			return nil, errors.Wrap(err, "read journal")
		}
	}

	errorLog := errorLogger(cfg.Logger)

	p.reverse = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			// SetURL also rewrites the Host header to the backend's host
			r.SetURL(p.backend)
			r.SetXForwarded()
		},
		Transport:      newTransport(),
		FlushInterval:  -1,
		ErrorLog:       errorLog,
		ErrorHandler:   p.handleError,
		ModifyResponse: p.handleResponse,
	}

	p.server = &http.Server{
		Addr:     cfg.Listen,
		Handler:  p,
		ErrorLog: errorLog,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	err = http2.ConfigureServer(p.server, &http2.Server{})
	if err != nil {
		return nil, errors.Wrap(err, "configure HTTP/2")
	}

	return p, nil
}

type exchangeKey struct{}

// exchange holds the per-request state of the proxy.
type exchange struct {
	ID         uint64
	RemoteAddr string
	Start      time.Time
}

func exchangeFrom(ctx context.Context) *exchange {
	ex, ok := ctx.Value(exchangeKey{}).(*exchange)
	if !ok {
		return &exchange{}
	}
	return ex
}

func (p *Proxy) logf(ex *exchange, msg string, args ...interface{}) {
	args = append([]interface{}{ex.ID, ex.RemoteAddr}, args...)
	p.logger.Printf("[%4d %v] "+msg, args...)
}

func (p *Proxy) nextID() uint64 {
	return atomic.AddUint64(&p.lastID, 1)
}

// ServeHTTP forwards req to the backend.
func (p *Proxy) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	ex := &exchange{
		ID:         p.nextID(),
		RemoteAddr: req.RemoteAddr,
		Start:      time.Now(),
	}
	req = req.WithContext(context.WithValue(req.Context(), exchangeKey{}, ex))

	if p.journal != nil {
		err := p.journal.AddRequest(ex.ID, req)
		if err != nil {
			p.logf(ex, "journal: unable to store request: %v", err)
		}
	}

	if isWebsocketHandshake(req) {
		p.serveUpgrade(rw, req, ex)
		return
	}

	p.reverse.ServeHTTP(rw, req)
}

func (p *Proxy) handleResponse(res *http.Response) error {
	ex := exchangeFrom(res.Request.Context())
	p.logf(ex, "%v %v -> %v (%v)", res.Request.Method, res.Request.URL.RequestURI(),
		res.Status, time.Since(ex.Start).Round(time.Millisecond))

	if p.journal != nil && res.StatusCode != http.StatusSwitchingProtocols {
		err := p.journal.AddResponse(ex.ID, res)
		if err != nil {
			p.logf(ex, "journal: unable to store response: %v", err)
		}
	}

	return nil
}

func (p *Proxy) handleError(rw http.ResponseWriter, req *http.Request, err error) {
	ex := exchangeFrom(req.Context())
	if errors.Is(err, context.Canceled) {
		p.logf(ex, "%v %v: client went away", req.Method, req.URL.RequestURI())
		return
	}

	p.sendError(rw, ex, http.StatusBadGateway, "error forwarding request to %v: %v", p.backend.Host, err)
}

func (p *Proxy) sendError(rw http.ResponseWriter, ex *exchange, status int, msg string, args ...interface{}) {
	p.logf(ex, msg, args...)
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(status)
	fmt.Fprintf(rw, msg+"\n", args...)
}

// Addr returns the address the proxy listens on.
func (p *Proxy) Addr() string {
	p.m.Lock()
	defer p.m.Unlock()

	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.listenAddr
}

// Backend returns the URL requests are forwarded to.
func (p *Proxy) Backend() *url.URL {
	return p.backend
}

// ListenAndServe listens on the configured address and serves HTTPS.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	return p.Serve(listener)
}

// Serve accepts TLS connections on listener. It always returns a non-nil
// error, http.ErrServerClosed after Shutdown.
func (p *Proxy) Serve(listener net.Listener) error {
	p.m.Lock()
	p.listener = listener
	p.m.Unlock()

	return p.server.ServeTLS(listener, "", "")
}

// Shutdown stops accepting connections, waits for active requests to finish
// until ctx is cancelled and closes the journal.
func (p *Proxy) Shutdown(ctx context.Context) error {
	err := p.server.Shutdown(ctx)
	if p.journal != nil {
		err = multierr.Append(err, p.journal.Close())
	}
	return err
}
