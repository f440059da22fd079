package lncfg

import "fmt"

// Auth holds the credential the devices of a node share to reach the hub.
//
//nolint:lll
type Auth struct {
	Credential string `long:"credential" description:"The hub credential in the form user:password. Leave empty to start logged out."`

	CredentialFile string `long:"credentialfile" description:"Path to a file holding the hub credential as user:password. It is read at startup and re-read whenever the hub rejects the credential."`
}

// Validate validates the Auth config.
func (a *Auth) Validate() error {
	if a.Credential != "" && a.CredentialFile != "" {
		return fmt.Errorf("auth.credential and auth.credentialfile " +
			"are mutually exclusive")
	}

	return nil
}

// A compile time check to ensure Auth implements the Validator interface.
var _ Validator = (*Auth)(nil)
