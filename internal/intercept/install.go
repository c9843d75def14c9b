package intercept

import (
	"net/http"
	"sync"

	"mempool-proxy-go/internal/rewrite"
)

// installer replaces a process-wide RoundTripper slot at most once.
type installer struct {
	slot *http.RoundTripper

	once      sync.Once
	installed *Transport
	err       error
}

var defaultInstaller = &installer{slot: &http.DefaultTransport}

// InstallDefault wraps http.DefaultTransport in a Transport so that every
// client using the default transport is intercepted. Only the first call has
// an effect; later calls return the Transport (or error) of the first one and
// never wrap the shim in itself.
//
// Prefer NewTransport and NewClient where the client can be passed explicitly.
func InstallDefault(rule *rewrite.Rule, origin string, opts ...Option) (*Transport, error) {
	return defaultInstaller.install(rule, origin, opts...)
}

func (in *installer) install(rule *rewrite.Rule, origin string, opts ...Option) (*Transport, error) {
	in.once.Do(func() {
		t, err := NewTransport(*in.slot, rule, origin, opts...)
		if err != nil {
			in.err = err
			return
		}
		*in.slot = t
		in.installed = t
	})
	return in.installed, in.err
}
