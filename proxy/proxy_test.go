package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fd0/lantls/certauth"
	"github.com/fd0/lantls/settings"
	"github.com/fd0/lantls/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seenRequest is what the test backend saw.
type seenRequest struct {
	Host, Path, Query string
	Header            http.Header
	Body              string
}

func newTestBackend(t testing.TB) (*httptest.Server, <-chan seenRequest) {
	ch := make(chan seenRequest, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		ch <- seenRequest{
			Host:   req.Host,
			Path:   req.URL.Path,
			Query:  req.URL.RawQuery,
			Header: req.Header.Clone(),
			Body:   string(body),
		}

		rw.Header().Set("X-Backend", "yes")
		if req.URL.Path == "/missing" {
			http.Error(rw, "not here", http.StatusNotFound)
			return
		}
		io.WriteString(rw, "hello from the backend: "+req.Method+" "+req.URL.Path)
	}))
	t.Cleanup(srv.Close)

	return srv, ch
}

func TestProxyForward(t *testing.T) {
	backend, seen := newTestBackend(t)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, nil)
	go serve()
	defer shutdown()

	res, err := client.Get("https://" + proxy.Addr() + "/hello?x=1")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "hello from the backend: GET /hello", string(body))
	assert.Equal(t, "yes", res.Header.Get("X-Backend"))
	assert.Equal(t, 2, res.ProtoMajor, "expected HTTP/2 on the TLS listener")

	req := <-seen
	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	// the Host header is rewritten to the backend's address
	assert.Equal(t, backendURL.Host, req.Host)
	assert.Equal(t, "/hello", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, proxy.Addr(), req.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "https", req.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "127.0.0.1", req.Header.Get("X-Forwarded-For"))
}

func TestProxyForwardPost(t *testing.T) {
	backend, seen := newTestBackend(t)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, nil)
	go serve()
	defer shutdown()

	res, err := client.Post("https://"+proxy.Addr()+"/form", "application/x-www-form-urlencoded",
		strings.NewReader("field1=value1&field2=value2"))
	require.NoError(t, err)
	_ = res.Body.Close()

	req := <-seen
	assert.Equal(t, "field1=value1&field2=value2", req.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))
}

func TestProxyBackendStatus(t *testing.T) {
	backend, _ := newTestBackend(t)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, nil)
	go serve()
	defer shutdown()

	res, err := client.Get("https://" + proxy.Addr() + "/missing")
	require.NoError(t, err)
	_ = res.Body.Close()

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestProxyBackendDown(t *testing.T) {
	// find a port nobody listens on
	listener := newLocalListener(t)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	proxy, client, serve, shutdown := TestProxy(t, "http://"+addr, nil)
	go serve()
	defer shutdown()

	res, err := client.Get("https://" + proxy.Addr() + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, string(body), "error forwarding request")
}

func TestNewMissingCertificate(t *testing.T) {
	listener := newLocalListener(t)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	dir := t.TempDir()
	backend, _ := url.Parse(DefaultBackend)

	_, err := New(Config{
		Listen:   addr,
		Backend:  backend,
		CertFile: filepath.Join(dir, "192.168.1.50.pem"),
		KeyFile:  filepath.Join(dir, "192.168.1.50-key.pem"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// the address was not bound
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	_ = l.Close()
}

func TestNewWithoutBackend(t *testing.T) {
	certfile, keyfile, _ := TestCertificate(t)

	_, err := New(Config{Listen: DefaultListen, CertFile: certfile, KeyFile: keyfile})
	require.Error(t, err)
}

// memJournal records entries in memory.
type memJournal struct {
	m         sync.Mutex
	maxID     uint64
	requests  map[uint64]string
	responses map[uint64]string
	closed    bool
}

func newMemJournal(maxID uint64) *memJournal {
	return &memJournal{
		maxID:     maxID,
		requests:  make(map[uint64]string),
		responses: make(map[uint64]string),
	}
}

func (j *memJournal) AddRequest(id uint64, req *http.Request) error {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	req.Body = io.NopCloser(strings.NewReader(string(body)))

	j.m.Lock()
	defer j.m.Unlock()
	j.requests[id] = req.Method + " " + req.URL.Path + " " + string(body)
	return nil
}

func (j *memJournal) AddResponse(id uint64, res *http.Response) error {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(strings.NewReader(string(body)))

	j.m.Lock()
	defer j.m.Unlock()
	j.responses[id] = res.Status + " " + string(body)
	return nil
}

func (j *memJournal) MaxID() (uint64, error) {
	return j.maxID, nil
}

func (j *memJournal) Close() error {
	j.m.Lock()
	defer j.m.Unlock()
	j.closed = true
	return nil
}

func TestProxyJournal(t *testing.T) {
	backend, seen := newTestBackend(t)
	journal := newMemJournal(41)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, journal)
	go serve()

	res, err := client.Post("https://"+proxy.Addr()+"/upload", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()

	// the body reaches the backend and the client in spite of being recorded
	assert.Equal(t, "payload", (<-seen).Body)
	assert.Equal(t, "hello from the backend: POST /upload", string(body))

	shutdown()

	journal.m.Lock()
	defer journal.m.Unlock()

	assert.Equal(t, map[uint64]string{42: "POST /upload payload"}, journal.requests)
	assert.Equal(t, map[uint64]string{42: "200 OK hello from the backend: POST /upload"}, journal.responses)
	assert.True(t, journal.closed)
}

func TestProxyTxnStore(t *testing.T) {
	backend, _ := newTestBackend(t)

	journal, err := store.NewTxnStore(t.TempDir())
	require.NoError(t, err)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, journal)
	go serve()
	defer shutdown()

	for _, path := range []string{"/one", "/two"} {
		res, err := client.Get("https://" + proxy.Addr() + path)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}

	summaries, err := journal.Summaries()
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "/one", summaries[0].URL.Path)
	assert.Equal(t, "/two", summaries[1].URL.Path)
	for _, s := range summaries {
		assert.True(t, s.HasResponse)
		assert.Equal(t, http.StatusOK, s.StatusCode)
	}
}

func TestProxyTxnStoreStreaming(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(release) }) }
	defer stop()

	backend := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(rw, "data: first\n")
		rw.(http.Flusher).Flush()

		select {
		case <-release:
		case <-req.Context().Done():
			return
		}
		io.WriteString(rw, "data: second\n")
	}))
	t.Cleanup(backend.Close)

	journal, err := store.NewTxnStore(t.TempDir())
	require.NoError(t, err)

	proxy, client, serve, shutdown := TestProxy(t, backend.URL, journal)
	go serve()
	defer shutdown()

	// the headers and the first event arrive while the backend holds the
	// response open
	client.Timeout = 5 * time.Second
	res, err := client.Get("https://" + proxy.Addr() + "/events")
	require.NoError(t, err)
	defer res.Body.Close()

	rd := bufio.NewReader(res.Body)
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: first\n", line)

	stop()
	rest, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "data: second\n", string(rest))

	stored, err := journal.GetResponse(1)
	require.NoError(t, err)
	body, err := io.ReadAll(stored.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: first\ndata: second\n", string(body))
	assert.Equal(t, "text/event-stream", stored.Header.Get("Content-Type"))
}

func TestProxyFromSettings(t *testing.T) {
	backend, seen := newTestBackend(t)
	backendURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	dir := t.TempDir()
	ca := certauth.TestCA(t)
	certauth.TestLeaf(t, ca, filepath.Join(dir, "192.168.1.50.pem"), filepath.Join(dir, "192.168.1.50-key.pem"),
		"192.168.1.50", "127.0.0.1")

	filename := filepath.Join(dir, settings.DefaultFilename)
	require.NoError(t, settings.Write(filename, settings.Settings{
		LocalIP:  "192.168.1.50",
		CertFile: "192.168.1.50.pem",
		KeyFile:  "192.168.1.50-key.pem",
	}))

	s, err := settings.Load(filename)
	require.NoError(t, err)

	p, err := New(Config{
		Listen:   "127.0.0.1:0",
		Backend:  backendURL,
		CertFile: settings.Resolve(filename, s.CertFile),
		KeyFile:  settings.Resolve(filename, s.KeyFile),
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	listener := newLocalListener(t)
	go func() {
		_ = p.Serve(listener)
	}()
	defer func() {
		require.NoError(t, p.Shutdown(context.Background()))
	}()

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: roots}}}

	res, err := client.Get("https://" + listener.Addr().String() + "/index.html")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	_ = res.Body.Close()

	assert.Equal(t, "hello from the backend: GET /index.html", string(body))
	assert.Equal(t, backendURL.Host, (<-seen).Host)
}
