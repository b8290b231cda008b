// Package identity resolves client credential names to loadable
// identities. The platform credential store is modeled as a
// directory of PEM files: the certificate name selects the
// certificate file and the key name selects the private key file,
// defaulting to the certificate file when empty.
package identity

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"github.com/securechan/securechan/model"
)

// FileProvider is a model.IdentityProvider reading PEM files.
type FileProvider struct {
	// Dir is the credential directory. An empty Dir means that
	// names are interpreted as plain file paths.
	Dir string
}

// Find implements model.IdentityProvider.
func (p *FileProvider) Find(certName, keyName string) (*model.Identity, error) {
	if certName == "" {
		return nil, fmt.Errorf("identity: %w: empty name", model.ErrIdentityNotFound)
	}
	certPath := p.path(certName)
	keyPath := certPath
	if keyName != "" {
		keyPath = p.path(keyName)
	}
	for _, path := range []string{certPath, keyPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("identity: %w: %s", model.ErrIdentityNotFound, path)
		}
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("identity: cannot load %q: %w", certName, err)
	}
	return &model.Identity{Name: certName, Certificate: cert}, nil
}

func (p *FileProvider) path(name string) string {
	if p.Dir == "" {
		return name
	}
	return filepath.Join(p.Dir, name)
}
