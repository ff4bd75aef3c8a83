package routes

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewNodeProxy builds a traced reverse proxy to the lending node. It carries
// the websocket event stream and anything else the REST bridge does not
// translate.
func NewNodeProxy(target string) (http.Handler, error) {
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse proxy target: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(parsed)
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	return proxy, nil
}
