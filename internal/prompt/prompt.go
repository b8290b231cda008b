// Package prompt implements an interactive trust prompter: the
// terminal equivalent of the dialog asking whether to trust a peer
// whose certificate chain could not be validated automatically.
package prompt

import (
	"crypto/x509"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/securechan/securechan/internal/trustpolicy"
	"github.com/securechan/securechan/model"
)

// Prompter asks the user on the terminal.
type Prompter struct{}

var _ trustpolicy.Prompter = Prompter{}

// Confirm implements trustpolicy.Prompter.
func (Prompter) Confirm(chain *model.TrustChain, hostname string) (bool, error) {
	fmt.Printf("The identity of %q could not be verified automatically.\n", hostname)
	for i, raw := range chain.Certificates {
		cert, err := x509.ParseCertificate(raw.Data)
		if err != nil {
			fmt.Printf("  %d: unparseable certificate\n", i)
			continue
		}
		fmt.Printf("  %d: subject=%q issuer=%q expires=%s\n",
			i, cert.Subject, cert.Issuer,
			cert.NotAfter.Format("2006-01-02"))
	}
	answer := false
	err := survey.AskOne(&survey.Confirm{
		Message: fmt.Sprintf("Trust %q anyway?", hostname),
	}, &answer)
	if err != nil {
		return false, err
	}
	return answer, nil
}
