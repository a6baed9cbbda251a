package emp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
)

// SealedAmount is the bid's encrypted amount-out envelope: a hybrid
// RSA-OAEP(SHA-256) wrapped AES-256-GCM payload, all fields base64.
type SealedAmount struct {
	AESKeyEncrypted  string `cbor:"aes_key_encrypted" json:"aes_key_encrypted"`
	EncryptedPayload string `cbor:"encrypted_payload" json:"encrypted_payload"`
	Nonce            string `cbor:"nonce" json:"nonce"`
}

// sealedPayload is the plaintext inside the envelope.
type sealedPayload struct {
	AmountOut string `json:"amount_out"`
}

// Decrypter unseals a bid's amount-out. The concrete scheme is a
// collaborator; the module only requires that unsealing either yields the
// committed base amount or fails deterministically.
type Decrypter interface {
	Unseal(sa SealedAmount) (*big.Int, error)
}

// GenerateKeyPair creates the RSA-2048 pair a seller seals a lot's bids to.
func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return priv, nil
}

// PublicKeyPEM exports a public key in PKIX PEM form for storage in the
// lot's params.
func PublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key.
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want *rsa.PublicKey", key)
	}
	return pub, nil
}

// PrivateKeyPEM exports a private key in PKCS#8 PEM form.
func PrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 PEM private key.
func ParsePrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want *rsa.PrivateKey", key)
	}
	return priv, nil
}

// Seal encrypts amountOut to the lot's public key: a fresh AES-256 key
// encrypts the JSON payload under GCM, and RSA-OAEP wraps the AES key.
// Bidder-side helper; the module itself only ever unseals.
func Seal(pub *rsa.PublicKey, amountOut *big.Int) (SealedAmount, error) {
	plaintext, err := json.Marshal(sealedPayload{AmountOut: amountOut.String()})
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return SealedAmount{}, fmt.Errorf("failed to generate AES key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedAmount{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return SealedAmount{}, fmt.Errorf("failed to wrap AES key: %w", err)
	}

	return SealedAmount{
		AESKeyEncrypted:  base64.StdEncoding.EncodeToString(wrappedKey),
		EncryptedPayload: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// HybridDecrypter unseals with the lot's RSA private key.
type HybridDecrypter struct {
	priv *rsa.PrivateKey
}

func NewHybridDecrypter(priv *rsa.PrivateKey) *HybridDecrypter {
	return &HybridDecrypter{priv: priv}
}

// Unseal reverses Seal: unwrap the AES key with RSA-OAEP, open the GCM
// payload, parse the committed amount.
func (d *HybridDecrypter) Unseal(sa SealedAmount) (*big.Int, error) {
	wrappedKey, err := base64.StdEncoding.DecodeString(sa.AESKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted AES key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sa.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted payload: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sa.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, d.priv, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt AES key: %w", err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("invalid AES key length: expected 32 bytes, got %d", len(aesKey))
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(nonce) != aesgcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length: expected %d bytes, got %d", aesgcm.NonceSize(), len(nonce))
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload format: %w", err)
	}
	amountOut, ok := new(big.Int).SetString(payload.AmountOut, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_out %q", payload.AmountOut)
	}
	return amountOut, nil
}
