// Package credentials resolves private-key material and passwords into an
// x/crypto/ssh auth method. It never persists or logs secret bytes and never
// mutates the Material handed to it.
package credentials

import (
	"fmt"
	"os"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/termsub/internal/substraterr"
)

// AuthType discriminates how Secret should be interpreted.
type AuthType string

const (
	Password   AuthType = "password"
	PrivateKey AuthType = "private_key"
	Signer     AuthType = "signer" // already-resolved in-process key, left untouched
)

// Material is the credential handle callers pass to Resolve. Secret holds
// either a password, a PEM/OpenSSH-format private key, or a filesystem path
// to one (KeyPath takes precedence over Secret when both are set and Type is
// PrivateKey). PreResolved carries an already-parsed signer so a caller that
// resolved a key once (e.g. for a prior tab) never re-reads or re-parses it.
type Material struct {
	Type        AuthType
	Secret      string // password, or raw PEM/OpenSSH key bytes as a string
	KeyPath     string // filesystem path to a private key file
	Passphrase  string // for encrypted private keys
	PreResolved cryptossh.Signer
}

// Resolve turns Material into an ssh.AuthMethod without mutating m.
//
// - Type == Signer: returns PreResolved untouched (spec: "leaving
//   already-resolved keys untouched").
// - Type == PrivateKey with KeyPath set: reads the file; PermissionDenied on
//   an unreadable-permissions error, BadCredentials on any other read or
//   parse failure.
// - Type == PrivateKey with only Secret set: parses Secret as key bytes.
// - Type == Password: wraps Secret as an ssh.Password auth method.
func Resolve(m Material) (cryptossh.AuthMethod, error) {
	switch m.Type {
	case Signer:
		if m.PreResolved == nil {
			return nil, substraterr.New(substraterr.BadCredentials, "credentials: Signer material missing PreResolved key")
		}
		return cryptossh.PublicKeys(m.PreResolved), nil

	case PrivateKey:
		signer, err := resolveSigner(m)
		if err != nil {
			return nil, err
		}
		return cryptossh.PublicKeys(signer), nil

	case Password:
		if m.Secret == "" {
			return nil, substraterr.New(substraterr.BadCredentials, "credentials: password material is empty")
		}
		return cryptossh.Password(m.Secret), nil

	default:
		return nil, substraterr.New(substraterr.BadCredentials, fmt.Sprintf("credentials: unsupported auth type %q", m.Type))
	}
}

func resolveSigner(m Material) (cryptossh.Signer, error) {
	keyBytes := []byte(m.Secret)

	if m.KeyPath != "" {
		data, err := os.ReadFile(m.KeyPath)
		if err != nil {
			if os.IsPermission(err) {
				return nil, substraterr.Wrap(substraterr.PermissionDenied, fmt.Sprintf("credentials: cannot read key %q", m.KeyPath), err)
			}
			return nil, substraterr.Wrap(substraterr.BadCredentials, fmt.Sprintf("credentials: cannot read key %q", m.KeyPath), err)
		}
		keyBytes = data
	}

	if len(keyBytes) == 0 {
		return nil, substraterr.New(substraterr.BadCredentials, "credentials: no key material supplied")
	}

	var signer cryptossh.Signer
	var err error
	if m.Passphrase != "" {
		signer, err = cryptossh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(m.Passphrase))
	} else {
		signer, err = cryptossh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, substraterr.Wrap(substraterr.BadCredentials, "credentials: malformed private key", err)
	}
	return signer, nil
}

// Zero drops the reference to m.Secret and m.Passphrase once an AuthMethod
// has been derived from them (Design Notes: "zero them on release"). Go
// strings are immutable so the backing bytes themselves cannot be scrubbed
// without unsafe; dropping the reference lets them be collected promptly and
// keeps the value out of any later struct copy or log call.
func Zero(m *Material) {
	m.Secret = ""
	m.Passphrase = ""
}
