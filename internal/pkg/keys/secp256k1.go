package keys

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/sha3"
)

const (
	secp256k1SecretSize = 32
	evmAddressLen       = 42
)

func generateSecp256k1(rand io.Reader) (*btcec.PrivateKey, []byte, error) {
	for {
		secret := make([]byte, secp256k1SecretSize)

		_, err := io.ReadFull(rand, secret)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read entropy: %w", err)
		}

		priv, err := parseSecp256k1(secret)
		if err == nil {
			return priv, secret, nil
		}

		Zero(secret)
	}
}

func parseSecp256k1(secret []byte) (*btcec.PrivateKey, error) {
	if len(secret) != secp256k1SecretSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSecret, secp256k1SecretSize, len(secret))
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(secret); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrInvalidSecret)
	}

	priv, _ := btcec.PrivKeyFromBytes(secret)

	return priv, nil
}

func signSecp256k1(secret, digest []byte) ([]byte, error) {
	priv, err := parseSecp256k1(secret)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	return ecdsa.Sign(priv, digest).Serialize(), nil
}

// VerifyECDSA checks a DER signature over digest against a hex encoded
// compressed or uncompressed secp256k1 public key.
func VerifyECDSA(publicKeyHex string, digest, signature []byte) error {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return err
	}

	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %w", err)
	}

	if !sig.Verify(digest, pub) {
		return fmt.Errorf("signature does not verify for %s", publicKeyHex)
	}

	return nil
}

func ParsePublicKey(publicKeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return pub, nil
}

// CompressedPublicKey returns the canonical hex form used to compare co-signers.
func CompressedPublicKey(publicKeyHex string) (string, error) {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(pub.SerializeCompressed()), nil
}

type evmScheme struct{}

func (evmScheme) Name() string { return SchemeEVM }

func (s evmScheme) Generate(rand io.Reader) ([]byte, string, error) {
	priv, secret, err := generateSecp256k1(rand)
	if err != nil {
		return nil, "", err
	}
	defer priv.Zero()

	return secret, evmAddress(priv.PubKey()), nil
}

func (evmScheme) Address(secret []byte) (string, error) {
	priv, err := parseSecp256k1(secret)
	if err != nil {
		return "", err
	}
	defer priv.Zero()

	return evmAddress(priv.PubKey()), nil
}

func (s evmScheme) ValidateAddress(address string) error {
	_, err := s.NormalizeAddress(address)

	return err
}

// NormalizeAddress lower-cases the hex digits, dropping any checksum casing.
func (evmScheme) NormalizeAddress(address string) (string, error) {
	if len(address) != evmAddressLen || !strings.EqualFold(address[:2], "0x") {
		return "", fmt.Errorf("%w: expected 0x followed by 40 hex digits", ErrInvalidKey)
	}

	raw, err := hex.DecodeString(address[2:])
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return "0x" + hex.EncodeToString(raw), nil
}

func (evmScheme) Sign(secret, digest []byte) ([]byte, error) {
	return signSecp256k1(secret, digest)
}

func evmAddress(pub *btcec.PublicKey) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])

	return "0x" + hex.EncodeToString(h.Sum(nil)[12:])
}

type p2wpkhScheme struct {
	name   string
	params *chaincfg.Params
}

func (s p2wpkhScheme) Name() string { return s.name }

func (s p2wpkhScheme) Generate(rand io.Reader) ([]byte, string, error) {
	priv, secret, err := generateSecp256k1(rand)
	if err != nil {
		return nil, "", err
	}
	defer priv.Zero()

	address, err := s.address(priv.PubKey())
	if err != nil {
		Zero(secret)

		return nil, "", err
	}

	return secret, address, nil
}

func (s p2wpkhScheme) Address(secret []byte) (string, error) {
	priv, err := parseSecp256k1(secret)
	if err != nil {
		return "", err
	}
	defer priv.Zero()

	return s.address(priv.PubKey())
}

func (s p2wpkhScheme) ValidateAddress(address string) error {
	_, err := s.NormalizeAddress(address)

	return err
}

// NormalizeAddress re-encodes the decoded address, which yields lower-case
// bech32 for segwit outputs.
func (s p2wpkhScheme) NormalizeAddress(address string) (string, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	if !addr.IsForNet(s.params) {
		return "", fmt.Errorf("%w: address is not for %s", ErrInvalidKey, s.params.Name)
	}

	return addr.EncodeAddress(), nil
}

func (s p2wpkhScheme) Sign(secret, digest []byte) ([]byte, error) {
	return signSecp256k1(secret, digest)
}

func (s p2wpkhScheme) address(pub *btcec.PublicKey) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), s.params)
	if err != nil {
		return "", fmt.Errorf("failed to derive p2wpkh address: %w", err)
	}

	return addr.EncodeAddress(), nil
}
