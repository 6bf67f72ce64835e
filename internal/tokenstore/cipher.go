package tokenstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keySize = 32

// hkdf info labels keep the two derived keys independent even if both secrets are equal.
var (
	encryptionKeyInfo = []byte("forestmail token encryption v2")
	macKeyInfo        = []byte("forestmail token mac v2")
)

// cipherSuite seals and opens versioned envelopes.
type cipherSuite struct {
	block  cipher.Block
	macKey []byte
}

// newCipherSuite derives the AES and HMAC keys from the configured secrets.
func newCipherSuite(encryptionSecret, macSecret string) (*cipherSuite, error) {
	if encryptionSecret == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	if macSecret == "" {
		return nil, fmt.Errorf("mac key cannot be empty")
	}

	encKey, err := deriveKey(encryptionSecret, encryptionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	macKey, err := deriveKey(macSecret, macKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("deriving mac key: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}

	return &cipherSuite{block: block, macKey: macKey}, nil
}

func deriveKey(secret string, info []byte) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// seal encrypts plaintext under a fresh random IV and authenticates iv||ciphertext.
func (c *cipherSuite) seal(plaintext []byte) (VersionedEnvelope, error) {
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return VersionedEnvelope{}, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)

	return VersionedEnvelope{
		IV:         iv,
		Ciphertext: ciphertext,
		MAC:        c.mac(iv, ciphertext),
	}, nil
}

// open verifies the MAC before touching the ciphertext.
func (c *cipherSuite) open(env VersionedEnvelope) ([]byte, error) {
	if !hmac.Equal(env.MAC, c.mac(env.IV, env.Ciphertext)) {
		return nil, ErrIntegrityFailure
	}
	if len(env.IV) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrDecodeFailure, len(env.IV))
	}
	if len(env.Ciphertext) == 0 || len(env.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecodeFailure, len(env.Ciphertext))
	}

	plaintext := make([]byte, len(env.Ciphertext))
	cipher.NewCBCDecrypter(c.block, env.IV).CryptBlocks(plaintext, env.Ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return unpadded, nil
}

func (c *cipherSuite) mac(iv, ciphertext []byte) []byte {
	h := hmac.New(sha256.New, c.macKey)
	h.Write(iv)
	h.Write(ciphertext)
	return h.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
