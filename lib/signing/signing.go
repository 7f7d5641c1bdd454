package signing

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// DeserializePublicKey parses a 32-byte x-only public key from its hex form.
func DeserializePublicKey(serializedKey string) (*btcec.PublicKey, error) {
	publicKeyBytes, err := hex.DecodeString(serializedKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}

	publicKey, err := schnorr.ParsePubKey(publicKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}

	return publicKey, nil
}

// DeserializeSignature parses a 64-byte BIP-340 signature from its hex form.
func DeserializeSignature(serializedSig string) (*schnorr.Signature, error) {
	sigBytes, err := hex.DecodeString(serializedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}

	signature, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}

	return signature, nil
}

// VerifyEventID checks that sig is a valid schnorr signature by pubkey over
// the 32-byte event id. All three arguments are hex strings off the wire.
func VerifyEventID(pubkey string, sig string, id string) error {
	publicKey, err := DeserializePublicKey(pubkey)
	if err != nil {
		return err
	}

	signature, err := DeserializeSignature(sig)
	if err != nil {
		return err
	}

	idBytes, err := hex.DecodeString(id)
	if err != nil || len(idBytes) != 32 {
		return fmt.Errorf("invalid event id")
	}

	if !signature.Verify(idBytes, publicKey) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// GeneratePrivateKey returns a fresh secp256k1 private key. Used by tests
// and tooling that need to mint signed events.
func GeneratePrivateKey() (*btcec.PrivateKey, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return privateKey, nil
}

// SerializePrivateKey returns the hex form of a private key.
func SerializePrivateKey(privateKey *btcec.PrivateKey) string {
	return hex.EncodeToString(privateKey.Serialize())
}

// SerializePublicKey returns the x-only hex form of the key's public half.
func SerializePublicKey(privateKey *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(privateKey.PubKey()))
}
