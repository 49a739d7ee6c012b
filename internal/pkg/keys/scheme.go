// Package keys mints chain keypairs and derives their addresses.
package keys

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	SchemeEVM           = "secp256k1-evm"
	SchemeP2WPKH        = "secp256k1-p2wpkh"
	SchemeP2WPKHRegtest = "secp256k1-p2wpkh-regtest"
	SchemeEd25519       = "ed25519"
)

var (
	ErrUnknownScheme = errors.New("unknown key scheme")
	ErrInvalidSecret = errors.New("invalid secret")
	ErrInvalidKey    = errors.New("invalid public key")
)

// Scheme is one key family. Secrets are raw private key or seed bytes; callers
// own them and are expected to zero them.
type Scheme interface {
	Name() string
	Generate(rand io.Reader) (secret []byte, address string, err error)
	Address(secret []byte) (string, error)
	ValidateAddress(address string) error
	// NormalizeAddress validates address and returns its canonical spelling,
	// so two spellings of one account compare equal.
	NormalizeAddress(address string) (string, error)
	Sign(secret, digest []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Scheme{}
)

func init() {
	Register(evmScheme{})
	Register(p2wpkhScheme{name: SchemeP2WPKH, params: &chaincfg.MainNetParams})
	Register(p2wpkhScheme{name: SchemeP2WPKHRegtest, params: &chaincfg.RegressionNetParams})
	Register(ed25519Scheme{})
}

// Register adds or replaces a scheme under its name.
func Register(s Scheme) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[s.Name()] = s
}

func Lookup(name string) (Scheme, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}

	return s, nil
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
