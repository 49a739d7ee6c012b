// Package vault seals escrow signing secrets under the host master secret.
//
// Each secret gets its own random salt and nonce. The salt feeds the key
// derivation (Argon2id for passphrases, HKDF for raw key material) and the
// derived key encrypts with XChaCha20-Poly1305. The escrow address and key
// scheme are bound in as associated data.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	saltSize          = 16
	masterKeySize     = 32
	minPassphraseSize = 12

	hkdfInfo = "kakeru escrow secret v1"
	aadLabel = "kakeru/escrow/v1"
)

type Config struct {
	Master []byte
	Kind   MasterKind
	Argon2 Argon2Params

	// Rand defaults to crypto/rand.
	Rand io.Reader
}

type Vault struct {
	master []byte
	kind   MasterKind
	argon2 Argon2Params
	rand   io.Reader

	log zerolog.Logger
}

func NewVaultService(i do.Injector) (*Vault, error) {
	masterSecret := do.MustInvokeNamed[string](i, "master-secret")
	masterKind := do.MustInvokeNamed[string](i, "master-kind")
	argonTime := do.MustInvokeNamed[int](i, "argon-time")
	argonMemory := do.MustInvokeNamed[int](i, "argon-memory")
	argonThreads := do.MustInvokeNamed[int](i, "argon-threads")
	logger := do.MustInvoke[zerolog.Logger](i)

	master, err := ParseMaster(masterSecret, MasterKind(masterKind))
	if err != nil {
		return nil, err
	}

	//nolint:exhaustruct,gosec
	return New(Config{
		Master: master,
		Kind:   MasterKind(masterKind),
		Argon2: Argon2Params{
			Time:      uint32(argonTime),
			MemoryKiB: uint32(argonMemory),
			Threads:   uint8(argonThreads),
		},
	}, logger)
}

// ParseMaster decodes the configured master secret.
func ParseMaster(value string, kind MasterKind) ([]byte, error) {
	switch kind {
	case MasterKey:
		value = strings.TrimSpace(value)

		key, err := hex.DecodeString(value)
		if err != nil {
			key, err = base64.StdEncoding.DecodeString(value)
		}

		if err != nil {
			return nil, fmt.Errorf("%w: key must be hex or base64", ErrInvalidMaster)
		}

		if len(key) != masterKeySize {
			return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidMaster, masterKeySize, len(key))
		}

		return key, nil
	case MasterPassphrase:
		if len(value) < minPassphraseSize {
			return nil, fmt.Errorf("%w: passphrase must be at least %d characters", ErrInvalidMaster, minPassphraseSize)
		}

		return []byte(value), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMaster, kind)
	}
}

func New(cfg Config, logger zerolog.Logger) (*Vault, error) {
	switch cfg.Kind {
	case MasterKey:
		if len(cfg.Master) != masterKeySize {
			return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidMaster, masterKeySize)
		}
	case MasterPassphrase:
		if len(cfg.Master) < minPassphraseSize {
			return nil, fmt.Errorf("%w: passphrase too short", ErrInvalidMaster)
		}

		if cfg.Argon2.Time == 0 || cfg.Argon2.MemoryKiB == 0 || cfg.Argon2.Threads == 0 {
			return nil, fmt.Errorf("%w: argon2 parameters must be positive", ErrInvalidMaster)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMaster, cfg.Kind)
	}

	r := cfg.Rand
	if r == nil {
		r = rand.Reader
	}

	return &Vault{
		master: append([]byte(nil), cfg.Master...),
		kind:   cfg.Kind,
		argon2: cfg.Argon2,
		rand:   r,
		log:    logger.With().Str("component", "vault").Logger(),
	}, nil
}

// GenerateAccount mints a keypair with the named scheme and returns its
// address with the secret already sealed. The raw secret does not outlive
// this call.
func (v *Vault) GenerateAccount(schemeName string) (string, Sealed, error) {
	scheme, err := keys.Lookup(schemeName)
	if err != nil {
		return "", Sealed{}, err
	}

	secret, address, err := scheme.Generate(v.rand)
	if err != nil {
		return "", Sealed{}, fmt.Errorf("failed to generate %s account: %w", schemeName, err)
	}
	defer keys.Zero(secret)

	sealed, err := v.Seal(schemeName, address, secret)
	if err != nil {
		return "", Sealed{}, err
	}

	v.log.Debug().Str("scheme", schemeName).Str("address", address).Msg("escrow account minted")

	return address, sealed, nil
}

// Seal encrypts secret for the given account.
func (v *Vault) Seal(schemeName, address string, secret []byte) (Sealed, error) {
	salt := make([]byte, saltSize)

	_, err := io.ReadFull(v.rand, salt)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to read salt: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)

	_, err = io.ReadFull(v.rand, nonce)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to read nonce: %w", err)
	}

	//nolint:exhaustruct
	sealed := Sealed{
		Version: sealedVersion,
		Scheme:  schemeName,
		Salt:    salt,
		Nonce:   nonce,
	}

	if v.kind == MasterPassphrase {
		params := v.argon2
		sealed.KDF = kdfArgon2id
		sealed.Argon2 = &params
	} else {
		sealed.KDF = kdfHKDF
	}

	key, err := v.deriveKey(sealed)
	if err != nil {
		return Sealed{}, err
	}
	defer keys.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	sealed.Ciphertext = aead.Seal(nil, nonce, secret, associatedData(schemeName, address))

	return sealed, nil
}

// Unseal authenticates and decrypts the secret for address. The caller owns
// the result and must Destroy it; prefer WithSecret.
func (v *Vault) Unseal(address string, sealed Sealed) (*Secret, error) {
	if sealed.Version != sealedVersion {
		return nil, v.integrityFailure(address, fmt.Sprintf("unsupported version %d", sealed.Version))
	}

	if len(sealed.Nonce) != chacha20poly1305.NonceSizeX || len(sealed.Salt) != saltSize {
		return nil, v.integrityFailure(address, "malformed nonce or salt")
	}

	key, err := v.deriveKey(sealed)
	if err != nil {
		return nil, v.integrityFailure(address, err.Error())
	}
	defer keys.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, associatedData(sealed.Scheme, address))
	if err != nil {
		return nil, v.integrityFailure(address, "authentication tag mismatch")
	}

	secret := &Secret{b: plaintext}

	scheme, err := keys.Lookup(sealed.Scheme)
	if err != nil {
		secret.Destroy()

		return nil, v.integrityFailure(address, err.Error())
	}

	derived, err := scheme.Address(plaintext)
	if err != nil || derived != address {
		secret.Destroy()

		return nil, v.integrityFailure(address, "secret does not control escrow address")
	}

	return secret, nil
}

// WithSecret unseals, hands the secret to fn and zeroes it when fn returns.
// fn must not retain the slice.
func (v *Vault) WithSecret(address string, sealed Sealed, fn func(secret []byte) error) error {
	secret, err := v.Unseal(address, sealed)
	if err != nil {
		return err
	}
	defer secret.Destroy()

	return fn(secret.Bytes())
}

func (v *Vault) deriveKey(sealed Sealed) ([]byte, error) {
	switch sealed.KDF {
	case kdfArgon2id:
		if v.kind != MasterPassphrase {
			return nil, fmt.Errorf("sealed with %s but master is %s", sealed.KDF, v.kind)
		}

		params := v.argon2
		if sealed.Argon2 != nil {
			params = *sealed.Argon2
		}

		if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 {
			return nil, fmt.Errorf("invalid argon2 parameters")
		}

		// The record is not authenticated until after the key is derived.
		ceiling := v.argon2Ceiling()
		if params.Time > ceiling.Time || params.MemoryKiB > ceiling.MemoryKiB || params.Threads > ceiling.Threads {
			return nil, fmt.Errorf("argon2 parameters t=%d m=%d p=%d exceed t=%d m=%d p=%d",
				params.Time, params.MemoryKiB, params.Threads, ceiling.Time, ceiling.MemoryKiB, ceiling.Threads)
		}

		return argon2.IDKey(v.master, sealed.Salt, params.Time, params.MemoryKiB, params.Threads, chacha20poly1305.KeySize), nil
	case kdfHKDF:
		if v.kind != MasterKey {
			return nil, fmt.Errorf("sealed with %s but master is %s", sealed.KDF, v.kind)
		}

		key := make([]byte, chacha20poly1305.KeySize)

		_, err := io.ReadFull(hkdf.New(sha256.New, v.master, sealed.Salt, []byte(hkdfInfo)), key)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}

		return key, nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", sealed.KDF)
	}
}

// argon2Ceiling is the most expensive derivation Unseal will attempt: the
// configured parameters or the defaults, whichever is larger per field.
func (v *Vault) argon2Ceiling() Argon2Params {
	return Argon2Params{
		Time:      max(v.argon2.Time, DefaultArgon2.Time),
		MemoryKiB: max(v.argon2.MemoryKiB, DefaultArgon2.MemoryKiB),
		Threads:   max(v.argon2.Threads, DefaultArgon2.Threads),
	}
}

func (v *Vault) integrityFailure(address, reason string) error {
	v.log.Error().Str("address", address).Str("reason", reason).Msg("sealed secret failed integrity check")

	return &IntegrityError{Address: address, Reason: reason}
}

func associatedData(schemeName, address string) []byte {
	return []byte(aadLabel + "|" + schemeName + "|" + address)
}
