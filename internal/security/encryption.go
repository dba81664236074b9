package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"

	"guardian-ai/internal/domain"
)

// Sealed payload layout: version(1) | salt(16) | nonce(12) | ciphertext+tag.
const (
	sealVersion = 0x01
	saltSize    = 16
)

// AESPayloadEncryptor implements domain.PayloadEncryptor with AES-256-GCM.
// The key is derived from a passphrase via Argon2id. Each sealed chunk names
// the salt it was sealed under, so chunks written by an earlier process can be
// opened after a restart with the same passphrase.
type AESPayloadEncryptor struct {
	mu         sync.RWMutex
	passphrase []byte
	salt       []byte
	keys       map[string][]byte // salt -> derived key
}

// NewAESPayloadEncryptor creates an encryptor from a passphrase.
func NewAESPayloadEncryptor(passphrase string) (*AESPayloadEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	e := &AESPayloadEncryptor{
		passphrase: []byte(passphrase),
		salt:       salt,
		keys:       make(map[string][]byte),
	}
	e.keys[string(salt)] = derivePayloadKey(e.passphrase, salt)
	return e, nil
}

// Encrypt seals plaintext under the current salt.
func (e *AESPayloadEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	salt := e.salt
	key := e.keys[string(salt)]
	e.mu.RUnlock()
	if key == nil {
		return nil, fmt.Errorf("encryptor zeroized")
	}

	gcm, err := newPayloadGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+saltSize+gcm.NonceSize(), 1+saltSize+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	out[0] = sealVersion
	copy(out[1:], salt)
	nonce := out[1+saltSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(out, nonce, plaintext, out[:1+saltSize]), nil
}

// Decrypt opens a chunk produced by Encrypt.
func (e *AESPayloadEncryptor) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < 1+saltSize || sealed[0] != sealVersion {
		return nil, fmt.Errorf("unrecognized sealed payload")
	}
	key, err := e.keyFor(sealed[1 : 1+saltSize])
	if err != nil {
		return nil, err
	}
	gcm, err := newPayloadGCM(key)
	if err != nil {
		return nil, err
	}
	body := sealed[1+saltSize:]
	if len(body) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, sealed[:1+saltSize])
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

func (e *AESPayloadEncryptor) keyFor(salt []byte) ([]byte, error) {
	e.mu.RLock()
	key, ok := e.keys[string(salt)]
	zeroized := e.passphrase == nil
	e.mu.RUnlock()
	if ok {
		return key, nil
	}
	if zeroized {
		return nil, fmt.Errorf("encryptor zeroized")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.keys[string(salt)]; ok {
		return key, nil
	}
	key = derivePayloadKey(e.passphrase, salt)
	e.keys[string(append([]byte(nil), salt...))] = key
	return key, nil
}

// Zeroize clears the passphrase and every derived key. The encryptor is
// unusable afterwards.
func (e *AESPayloadEncryptor) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.passphrase {
		e.passphrase[i] = 0
	}
	e.passphrase = nil
	for s, k := range e.keys {
		for i := range k {
			k[i] = 0
		}
		delete(e.keys, s)
	}
}

func newPayloadGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// derivePayloadKey uses Argon2id to derive a 32-byte key.
func derivePayloadKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

var _ domain.PayloadEncryptor = (*AESPayloadEncryptor)(nil)
