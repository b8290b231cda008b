// Package trustpolicy implements the default trust evaluator used
// when a peer chain could not be validated by the engine itself. We
// first retry validation against the configured CA bundle file and
// CA directory; only when that fails too do we defer the decision
// to a Prompter, the external (possibly human-facing) decision
// maker. Without a Prompter the policy is to reject.
package trustpolicy

import (
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"

	"github.com/securechan/securechan/model"
)

// ErrNoCertificate indicates that the chain to evaluate is empty.
var ErrNoCertificate = errors.New("trustpolicy: empty trust chain")

// Prompter is the external decision maker for chains that no
// automatic policy resolves. Confirm may block, e.g. on a terminal
// prompt presented to the user.
type Prompter interface {
	Confirm(chain *model.TrustChain, hostname string) (bool, error)
}

// Evaluator is the default model.TrustEvaluator.
type Evaluator struct {
	pool     *x509.CertPool
	prompter Prompter
}

// New creates a new Evaluator. The CA bundle file and CA directory
// are both optional; when neither is present every escalated chain
// goes straight to the prompter.
func New(cafile, capath string, prompter Prompter) (*Evaluator, error) {
	var pool *x509.CertPool
	if cafile != "" || capath != "" {
		pool = x509.NewCertPool()
		if cafile != "" {
			if err := appendBundle(pool, cafile); err != nil {
				return nil, err
			}
		}
		if capath != "" {
			if err := appendDir(pool, capath); err != nil {
				return nil, err
			}
		}
	}
	return &Evaluator{pool: pool, prompter: prompter}, nil
}

func appendBundle(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(data) {
		return errors.New("trustpolicy: no certificate in CA bundle")
	}
	return nil
}

func appendDir(pool *x509.CertPool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	found := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if pool.AppendCertsFromPEM(data) {
			found = true
		}
	}
	if !found {
		return errors.New("trustpolicy: no certificate in CA directory")
	}
	return nil
}

// Evaluate implements model.TrustEvaluator.
func (e *Evaluator) Evaluate(chain *model.TrustChain, hostname string) (model.Decision, error) {
	if chain == nil || len(chain.Certificates) == 0 {
		return model.DecisionReject, ErrNoCertificate
	}
	if e.pool != nil && e.verify(chain, hostname) == nil {
		return model.DecisionAccept, nil
	}
	if e.prompter == nil {
		return model.DecisionReject, nil
	}
	ok, err := e.prompter.Confirm(chain, hostname)
	if err != nil {
		return model.DecisionReject, err
	}
	if !ok {
		return model.DecisionReject, nil
	}
	return model.DecisionAccept, nil
}

func (e *Evaluator) verify(chain *model.TrustChain, hostname string) error {
	certs := make([]*x509.Certificate, 0, len(chain.Certificates))
	for _, raw := range chain.Certificates {
		cert, err := x509.ParseCertificate(raw.Data)
		if err != nil {
			return err
		}
		certs = append(certs, cert)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		DNSName:       hostname,
		Intermediates: intermediates,
		Roots:         e.pool,
	})
	return err
}
