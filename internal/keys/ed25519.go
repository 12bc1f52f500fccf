// Package keys provides an Ed25519 transaction signer.
package keys

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/sharding-experiment/parallel-executor/internal/ledger"
	"golang.org/x/crypto/blake2b"
)

const (
	// ed25519Flag is the signature-scheme byte prefixed to public keys and
	// serialized signatures.
	ed25519Flag byte = 0x00
)

// transactionIntent prefixes transaction bytes before hashing so the
// signature cannot be replayed as another message type.
var transactionIntent = []byte{0, 0, 0}

// Keypair signs transactions with an Ed25519 key.
type Keypair struct {
	priv ed25519.PrivateKey
	addr ledger.Address
}

// NewKeypair derives a keypair from a 32-byte seed.
func NewKeypair(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, addr: AddressOf(priv.Public().(ed25519.PublicKey))}, nil
}

// LoadKeypair reads a hex-encoded seed from a file.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key file: %w", err)
	}
	return NewKeypair(seed)
}

// AddressOf returns the account address controlled by pub.
func AddressOf(pub ed25519.PublicKey) ledger.Address {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{ed25519Flag})
	h.Write(pub)
	var addr ledger.Address
	h.Sum(addr[:0])
	return addr
}

func (k *Keypair) Address() ledger.Address { return k.addr }

func (k *Keypair) PublicKey() ed25519.PublicKey {
	return k.priv.Public().(ed25519.PublicKey)
}

// SignTransaction signs the intent-prefixed digest of txBytes and returns
// the serialized signature: base64(flag || signature || public key).
func (k *Keypair) SignTransaction(_ context.Context, txBytes []byte) (string, error) {
	digest := intentDigest(txBytes)
	sig := ed25519.Sign(k.priv, digest[:])

	out := make([]byte, 0, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	out = append(out, ed25519Flag)
	out = append(out, sig...)
	out = append(out, k.PublicKey()...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// VerifyTransaction checks a serialized signature against txBytes and
// returns the signing address.
func VerifyTransaction(txBytes []byte, signature string) (ledger.Address, error) {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(raw) != 1+ed25519.SignatureSize+ed25519.PublicKeySize || raw[0] != ed25519Flag {
		return ledger.Address{}, fmt.Errorf("unsupported signature encoding")
	}
	sig := raw[1 : 1+ed25519.SignatureSize]
	pub := ed25519.PublicKey(raw[1+ed25519.SignatureSize:])
	digest := intentDigest(txBytes)
	if !ed25519.Verify(pub, digest[:], sig) {
		return ledger.Address{}, fmt.Errorf("invalid signature")
	}
	return AddressOf(pub), nil
}

func intentDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(transactionIntent)+len(txBytes))
	msg = append(msg, transactionIntent...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}
