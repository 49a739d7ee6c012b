package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
)

type ed25519Scheme struct{}

func (ed25519Scheme) Name() string { return SchemeEd25519 }

func (ed25519Scheme) Generate(rand io.Reader) ([]byte, string, error) {
	seed := make([]byte, ed25519.SeedSize)

	_, err := io.ReadFull(rand, seed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read entropy: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	defer Zero(priv)

	//nolint:forcetypeassert
	return seed, hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

func (ed25519Scheme) Address(secret []byte) (string, error) {
	if len(secret) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSecret, ed25519.SeedSize, len(secret))
	}

	priv := ed25519.NewKeyFromSeed(secret)
	defer Zero(priv)

	//nolint:forcetypeassert
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

func (s ed25519Scheme) ValidateAddress(address string) error {
	_, err := s.NormalizeAddress(address)

	return err
}

func (ed25519Scheme) NormalizeAddress(address string) (string, error) {
	raw, err := hex.DecodeString(address)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}

	return hex.EncodeToString(raw), nil
}

func (ed25519Scheme) Sign(secret, digest []byte) ([]byte, error) {
	if len(secret) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSecret, ed25519.SeedSize, len(secret))
	}

	priv := ed25519.NewKeyFromSeed(secret)
	defer Zero(priv)

	return ed25519.Sign(priv, digest), nil
}
