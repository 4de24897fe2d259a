package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// isWebsocketHandshake returns true if the request tries to initiate a websocket handshake.
func isWebsocketHandshake(req *http.Request) bool {
	upgrade := strings.ToLower(req.Header.Get("upgrade"))
	return strings.Contains(upgrade, "websocket")
}

// copyWSMessages copies messages from src to dst. A close message received
// from src is passed on to dst.
func copyWSMessages(src, dst *websocket.Conn) error {
	for {
		msgType, buf, err := src.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
			if ce.Code == websocket.CloseNoStatusReceived {
				msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			}
			_ = dst.WriteMessage(websocket.CloseMessage, msg)

			if ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway ||
				ce.Code == websocket.CloseNoStatusReceived {
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}

		err = dst.WriteMessage(msgType, buf)
		if err != nil {
			return err
		}
	}
}

func copyWSUntilError(c1, c2 *websocket.Conn) error {
	var g errgroup.Group
	g.Go(func() error {
		defer c2.Close()
		return copyWSMessages(c1, c2)
	})
	g.Go(func() error {
		defer c1.Close()
		return copyWSMessages(c2, c1)
	})

	return g.Wait()
}

// filterWSHeaders contains headers which should not be used for establishing
// an outgoing websocket connection.
var filterWSHeaders = map[string]struct{}{
	"connection":               {},
	"upgrade":                  {},
	"sec-websocket-key":        {},
	"sec-websocket-version":    {},
	"sec-websocket-protocol":   {},
	"sec-websocket-extensions": {},
}

// prepareWSHeader copies all values from src to a new http.Header, except for
// the fields that are used to establish the websocket connection.
func prepareWSHeader(src http.Header) http.Header {
	hdr := make(http.Header, len(src))

	for name, values := range src {
		if _, ok := filterWSHeaders[strings.ToLower(name)]; ok {
			// header is filtered, do not send it to the upstream server
			continue
		}
		hdr[name] = values
	}

	return hdr
}

// backendWSURL returns the websocket URL on the backend for req.
func (p *Proxy) backendWSURL(req *http.Request) *url.URL {
	wsURL := new(url.URL)
	*wsURL = *p.backend

	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}

	wsURL.Path = strings.TrimSuffix(p.backend.Path, "/") + req.URL.Path
	wsURL.RawPath = ""
	wsURL.RawQuery = req.URL.RawQuery

	return wsURL
}

// serveUpgrade forwards a websocket connection. The connection to the backend
// is established first, so a failure can still be reported to the client with
// a regular HTTP error.
func (p *Proxy) serveUpgrade(rw http.ResponseWriter, req *http.Request, ex *exchange) {
	wsURL := p.backendWSURL(req)
	p.logf(ex, "websocket upgrade, connect to %v", wsURL)

	hdr := prepareWSHeader(req.Header)
	hdr.Set("X-Forwarded-Host", req.Host)
	hdr.Set("X-Forwarded-Proto", "https")

	var dialer = *websocket.DefaultDialer
	dialer.Subprotocols = websocket.Subprotocols(req)

	outConn, res, err := dialer.DialContext(req.Context(), wsURL.String(), hdr)
	if err != nil {
		status := http.StatusBadGateway
		if res != nil {
			status = res.StatusCode
		}
		p.sendError(rw, ex, status, "connecting to %v failed: %v", wsURL, err)
		return
	}
	defer outConn.Close()

	var resHdr http.Header
	if proto := outConn.Subprotocol(); proto != "" {
		resHdr = http.Header{"Sec-Websocket-Protocol": []string{proto}}
	}

	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,

		// allow all origins, the backend decides
		CheckOrigin: func(*http.Request) bool { return true },
	}

	inConn, err := upgrader.Upgrade(rw, req, resHdr)
	if err != nil {
		// Upgrade has already replied to the client
		p.logf(ex, "unable to negotiate a websocket upgrade: %v", err)
		return
	}
	defer inConn.Close()

	p.logf(ex, "websocket to %v established", wsURL)

	err = copyWSUntilError(inConn, outConn)
	if err != nil {
		p.logf(ex, "websocket closed: %v", err)
		return
	}

	p.logf(ex, "websocket closed")
}
