package vault

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

const (
	sealedVersion = 1

	kdfArgon2id = "argon2id"
	kdfHKDF     = "hkdf-sha256"
)

var (
	ErrIntegrity     = errors.New("sealed secret failed authentication")
	ErrInvalidMaster = errors.New("invalid master secret")
)

type MasterKind string

const (
	// MasterKey is 32 bytes of key material, hex or base64 encoded.
	MasterKey MasterKind = "key"
	// MasterPassphrase is stretched with Argon2id per sealed secret.
	MasterPassphrase MasterKind = "passphrase"
)

type Argon2Params struct {
	Time      uint32 `json:"t"`
	MemoryKiB uint32 `json:"m"`
	Threads   uint8  `json:"p"`
}

//nolint:gochecknoglobals,mnd
var DefaultArgon2 = Argon2Params{
	Time:      1,
	MemoryKiB: 64 * 1024,
	Threads:   4,
}

// Sealed is an escrow secret encrypted under the master secret. Every field
// is needed to open it; none of them is sensitive on its own.
type Sealed struct {
	Version    int           `json:"v"`
	Scheme     string        `json:"scheme"`
	KDF        string        `json:"kdf"`
	Argon2     *Argon2Params `json:"argon2,omitempty"`
	Salt       []byte        `json:"salt"`
	Nonce      []byte        `json:"nonce"`
	Ciphertext []byte        `json:"ciphertext"`
}

// Clone returns a deep copy.
func (s Sealed) Clone() Sealed {
	c := s
	c.Salt = append([]byte(nil), s.Salt...)
	c.Nonce = append([]byte(nil), s.Nonce...)
	c.Ciphertext = append([]byte(nil), s.Ciphertext...)

	if s.Argon2 != nil {
		params := *s.Argon2
		c.Argon2 = &params
	}

	return c
}

func (s Sealed) IsZero() bool {
	return len(s.Ciphertext) == 0
}

// IntegrityError reports a sealed secret that could not be authenticated:
// it was tampered with, belongs to another account, or the master secret is
// wrong. The operation in progress must be abandoned.
type IntegrityError struct {
	Address string
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("escrow %s: %s: %s", e.Address, ErrIntegrity, e.Reason)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Secret is an unsealed escrow secret. It never prints its contents.
type Secret struct {
	b []byte
}

func (s *Secret) Bytes() []byte {
	return s.b
}

// Destroy zeroes the secret. It is safe to call more than once.
func (s *Secret) Destroy() {
	for i := range s.b {
		s.b[i] = 0
	}

	s.b = nil
}

func (s *Secret) String() string { return "[redacted]" }

func (s *Secret) GoString() string { return "vault.Secret{[redacted]}" }

func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[redacted]"`), nil
}

func (s *Secret) MarshalZerologObject(e *zerolog.Event) {
	e.Str("secret", "[redacted]")
}
