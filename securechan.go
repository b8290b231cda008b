// Package securechan wraps non-blocking stream connections with an
// encrypted channel. The encrypted channel behaves exactly like the
// raw channel it wraps: reads and writes never block and suspend
// with model.ErrAgain, readiness is observed through watches on the
// raw descriptor, and the handshake advances one step at a time from
// the caller's event loop. During its lifecycle the channel observes
// network level events and reports them to a model.Handler.
package securechan

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/securechan/securechan/handlers"
	"github.com/securechan/securechan/internal/errwrapper"
	"github.com/securechan/securechan/internal/identity"
	"github.com/securechan/securechan/internal/resolver"
	"github.com/securechan/securechan/internal/securechannel"
	"github.com/securechan/securechan/internal/sockchan"
	"github.com/securechan/securechan/internal/tlsengine"
	"github.com/securechan/securechan/internal/trustpolicy"
	"github.com/securechan/securechan/model"
)

// Config configures Connect and Wrap. The zero value is usable: it
// connects with TLS, verifies against the system anchors, rejects
// every chain the engine could not validate, and discards events.
type Config struct {
	// Address is the "host:port" endpoint to connect to. The host
	// may be a domain name or an IP literal.
	Address string

	// LocalIP optionally binds the local end of the connection.
	LocalIP string

	// Hostname is the hostname used for the handshake and the trust
	// evaluation. It defaults to the host part of Address.
	Hostname string

	// CertName and KeyName optionally select a client credential
	// through Identities. An empty KeyName reuses CertName.
	CertName string
	KeyName  string

	// CAFile and CAPath configure the additional trust anchors of
	// the default trust evaluator. Ignored when Evaluator is set.
	CAFile string
	CAPath string

	// NoVerify disables the engine's own chain validation, so every
	// chain escalates to the trust evaluator.
	NoVerify bool

	// Prompter optionally confirms chains that the default trust
	// evaluator could not validate. Ignored when Evaluator is set.
	Prompter trustpolicy.Prompter

	// Handler receives network level events. Defaults to a handler
	// that discards them.
	Handler model.Handler

	// Identities resolves CertName. Defaults to reading PEM files.
	Identities model.IdentityProvider

	// Evaluator decides on escalated trust chains. Defaults to the
	// trustpolicy evaluator over CAFile, CAPath and Prompter.
	Evaluator model.TrustEvaluator

	// NewEngine creates the crypto engine. Defaults to TLS.
	NewEngine model.EngineFactory
}

// Channel is one encrypted connection. It implements model.Channel
// and additionally exposes Handshake, which the caller drives from
// its event loop.
type Channel = securechannel.Channel

var nextConnID int64

// NextConnID returns the next connection ID. IDs are unique within
// the process and never reused.
func NextConnID() int64 {
	return atomic.AddInt64(&nextConnID, 1)
}

// Connect resolves the configured address, establishes a raw
// non-blocking connection, and wraps it into an encrypted channel.
// The handshake has not been started yet when Connect returns: the
// caller drives it with Channel.Handshake from its event loop. The
// context only bounds the resolution, which is the one blocking
// step.
func Connect(ctx context.Context, config Config) (*Channel, error) {
	handler := config.Handler
	if handler == nil {
		handler = handlers.NoHandler
	}
	beginning := time.Now()
	host, portString, err := net.SplitHostPort(config.Address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portString)
	if err != nil {
		return nil, err
	}
	if config.Hostname == "" {
		config.Hostname = host
	}
	addrs, err := lookupHost(ctx, host, beginning, handler)
	if err != nil {
		return nil, err
	}
	var local net.IP
	if config.LocalIP != "" {
		local = net.ParseIP(config.LocalIP)
	}
	connid := NextConnID()
	var raw *sockchan.Channel
	for _, addr := range addrs {
		raw, err = sockchan.Connect(
			net.ParseIP(addr), port, local, beginning, handler, connid,
		)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	channel, err := wrap(raw, config, beginning, handler, connid)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return channel, nil
}

// Wrap turns an already connected raw channel into an encrypted
// channel. It takes ownership of raw on success; on failure the raw
// channel is untouched and still belongs to the caller. Wrap itself
// performs no I/O: in particular a credential failure is reported
// before any byte crosses the raw channel.
func Wrap(raw model.Channel, config Config) (*Channel, error) {
	handler := config.Handler
	if handler == nil {
		handler = handlers.NoHandler
	}
	return wrap(raw, config, time.Now(), handler, NextConnID())
}

func wrap(raw model.Channel, config Config, beginning time.Time,
	handler model.Handler, connid int64) (*Channel, error) {
	ident, err := findIdentity(config, connid)
	if err != nil {
		return nil, err
	}
	evaluator := config.Evaluator
	if evaluator == nil {
		evaluator, err = trustpolicy.New(
			config.CAFile, config.CAPath, config.Prompter,
		)
		if err != nil {
			return nil, err
		}
	}
	newEngine := config.NewEngine
	if newEngine == nil {
		newEngine = tlsengine.New
	}
	engine, err := newEngine(model.EngineConfig{
		RelayRead:  raw.Read,
		RelayWrite: raw.Write,
		Hostname:   config.Hostname,
		Verify:     !config.NoVerify,
		Identity:   ident,
	})
	if err != nil {
		return nil, err
	}
	return securechannel.New(
		raw, engine, evaluator, config.Hostname, !config.NoVerify,
		beginning, handler, connid,
	), nil
}

func findIdentity(config Config, connid int64) (*model.Identity, error) {
	if config.CertName == "" {
		return nil, nil
	}
	provider := config.Identities
	if provider == nil {
		provider = &identity.FileProvider{}
	}
	ident, err := provider.Find(config.CertName, config.KeyName)
	if err != nil {
		return nil, errwrapper.SafeErrWrapperBuilder{
			ConnID:    connid,
			Error:     err,
			Failure:   errwrapper.FailureCredential,
			Operation: "load_identity",
		}.MaybeBuild()
	}
	return ident, nil
}

func lookupHost(ctx context.Context, hostname string,
	beginning time.Time, handler model.Handler) ([]string, error) {
	if net.ParseIP(hostname) != nil {
		return []string{hostname}, nil
	}
	reso, err := resolver.New()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	addrs, err := reso.LookupHost(ctx, hostname)
	stop := time.Now()
	handler.OnMeasurement(model.Measurement{
		Resolve: &model.ResolveEvent{
			Addresses: addrs,
			Duration:  stop.Sub(start),
			Error:     err,
			Hostname:  hostname,
			Time:      stop.Sub(beginning),
		},
	})
	return addrs, err
}
