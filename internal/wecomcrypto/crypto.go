// Package wecomcrypto implements the WeCom callback envelope crypto:
// SHA-1 message signatures and the AES-256-CBC payload framing shared by
// the WeCom self-built application and AI Robot callback modes.
package wecomcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// WeCom pads the framed plaintext to 32-byte blocks, not aes.BlockSize.
const padBlockSize = 32

var (
	ErrSignatureMismatch = errors.New("wecomcrypto: signature mismatch")
	ErrBadPadding        = errors.New("wecomcrypto: bad pkcs7 padding")
	ErrReceiveIDMismatch = errors.New("wecomcrypto: receive id mismatch")
	ErrKeyLength         = errors.New("wecomcrypto: encodingAESKey must decode to 32 bytes")
	ErrCipherLength      = errors.New("wecomcrypto: ciphertext length invalid")
)

// DecodeAESKey decodes an EncodingAESKey (the 43-char base64 string without
// trailing "=") into the 32-byte AES key.
func DecodeAESKey(encodingAESKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyLength, err)
	}
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	return key, nil
}

// Signature computes the WeCom callback signature:
// sha1 over the sorted concatenation of token, timestamp, nonce and the
// encrypted payload.
func Signature(token, timestamp, nonce, encrypt string) string {
	params := []string{token, timestamp, nonce, encrypt}
	sort.Strings(params)
	sum := sha1.Sum([]byte(strings.Join(params, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a supplied signature, case-insensitively.
func VerifySignature(token, timestamp, nonce, encrypt, signature string) error {
	if !strings.EqualFold(Signature(token, timestamp, nonce, encrypt), signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// Decrypt decodes and decrypts a base64 callback payload and strips the
// WeCom frame: random16 | uint32BE(msgLen) | msg | receiveID.
// The trailing receiveID is compared only when a non-empty receiveID is
// configured (the AI Robot mode uses an empty one).
func Decrypt(encodingAESKey, b64cipher, receiveID string) ([]byte, error) {
	key, err := DecodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(b64cipher)
	if err != nil {
		return nil, fmt.Errorf("wecomcrypto: decode ciphertext: %w", err)
	}

	plain, err := DecryptBytes(key, raw)
	if err != nil {
		return nil, err
	}

	if len(plain) < 20 {
		return nil, ErrCipherLength
	}
	body := plain[16:]
	msgLen := int(binary.BigEndian.Uint32(body[:4]))
	if msgLen < 0 || len(body) < 4+msgLen {
		return nil, ErrCipherLength
	}
	msg := body[4 : 4+msgLen]
	trailer := string(body[4+msgLen:])
	if receiveID != "" && trailer != receiveID {
		return nil, ErrReceiveIDMismatch
	}
	return msg, nil
}

// DecryptBytes runs AES-256-CBC over an already-decoded ciphertext and
// removes PKCS#7 padding. It performs no frame parsing; inbound media
// bodies downloaded from WeCom URLs are decrypted through this path.
func DecryptBytes(key, ciphertext []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, ErrKeyLength
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrCipherLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)
	return pkcs7Unpad(plain)
}

// Encrypt frames, pads and encrypts a plaintext the same way the platform
// does, returning the base64 ciphertext. Used for AI Robot stream acks and
// by tests as the round-trip inverse of Decrypt.
func Encrypt(encodingAESKey string, plain []byte, receiveID string) (string, error) {
	key, err := DecodeAESKey(encodingAESKey)
	if err != nil {
		return "", err
	}

	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("wecomcrypto: random prefix: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(random)
	var lenBE [4]byte
	binary.BigEndian.PutUint32(lenBE[:], uint32(len(plain)))
	buf.Write(lenBE[:])
	buf.Write(plain)
	buf.WriteString(receiveID)

	padded := pkcs7Pad(buf.Bytes(), padBlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	if padding == 0 {
		padding = blockSize
	}
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > padBlockSize || padding > len(data) {
		return nil, ErrBadPadding
	}
	return data[:len(data)-padding], nil
}
