package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/fd0/lantls/certauth"
	"github.com/sirupsen/logrus"
)

// newLocalListener returns a new listener using a tcp port selected
// dynamically.
func newLocalListener(t testing.TB) net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	return listener
}

// TestCertificate issues a certificate for 127.0.0.1 and localhost, and
// saves it to a temporary directory. It returns the file names and a pool
// which trusts the issuing CA.
func TestCertificate(t testing.TB) (certfile, keyfile string, roots *x509.CertPool) {
	ca := certauth.TestCA(t)

	dir := t.TempDir()
	certfile = filepath.Join(dir, "127.0.0.1.pem")
	keyfile = filepath.Join(dir, "127.0.0.1-key.pem")
	certauth.TestLeaf(t, ca, certfile, keyfile, "127.0.0.1", "localhost")

	roots = x509.NewCertPool()
	roots.AddCert(ca.Certificate)

	return certfile, keyfile, roots
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// TestProxy returns a proxy suitable for testing, running on a dynamic port on
// localhost and forwarding to backend. The returned function serve needs to
// be run in order for the proxy to process requests. Use shutdown to properly
// close the proxy. The client trusts the proxy's certificate.
func TestProxy(t testing.TB, backend string, journal Journal) (proxy *Proxy, client *http.Client, serve, shutdown func()) {
	certfile, keyfile, roots := TestCertificate(t)
	listener := newLocalListener(t)

	backendURL, err := url.Parse(backend)
	if err != nil {
		t.Fatal(err)
	}

	proxy, err = New(Config{
		Listen:   listener.Addr().String(),
		Backend:  backendURL,
		CertFile: certfile,
		KeyFile:  keyfile,
		Journal:  journal,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	serve = func() {
		err := proxy.Serve(listener)
		if err == http.ErrServerClosed {
			err = nil
		}

		if err != nil {
			t.Error(err)
		}
	}

	shutdown = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		err := proxy.Shutdown(ctx)
		if err != nil {
			t.Error(err)
		}
	}

	client = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: roots,
			},
			ForceAttemptHTTP2: true,
		},
	}

	return proxy, client, serve, shutdown
}
