package gateway

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding and returns
// lowercase hex. Key and IV are used as raw bytes and must be 32 and 16 bytes.
func Encrypt(plaintext, key, iv string) (string, error) {
	k, v := []byte(key), []byte(iv)
	if len(k) != keySize {
		return "", &CodecError{Op: "encrypt", Err: fmt.Errorf("key must be %d bytes, got %d", keySize, len(k))}
	}
	if len(v) != ivSize {
		return "", &CodecError{Op: "encrypt", Err: fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(v))}
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return "", &CodecError{Op: "encrypt", Err: err}
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, v).CryptBlocks(out, padded)

	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Key and IV are truncated or zero-padded to 32 and
// 16 bytes, which is what the gateway's reference integration does.
func Decrypt(hexCiphertext, key, iv string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexCiphertext))
	if err != nil {
		return "", &CodecError{Op: "decrypt", Err: fmt.Errorf("malformed hex: %w", err)}
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", &CodecError{Op: "decrypt", Err: fmt.Errorf("ciphertext length %d is not a multiple of %d", len(raw), aes.BlockSize)}
	}

	block, err := aes.NewCipher(normalize([]byte(key), keySize))
	if err != nil {
		return "", &CodecError{Op: "decrypt", Err: err}
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, normalize([]byte(iv), ivSize)).CryptBlocks(out, raw)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", &CodecError{Op: "decrypt", Err: err}
	}
	return string(plain), nil
}

// ShaCheck returns the uppercase SHA-256 of "HashKey=<key>&<data>&HashIV=<iv>"
func ShaCheck(data, key, iv string) string {
	return sha256Upper("HashKey=" + key + "&" + data + "&HashIV=" + iv)
}

// CheckValue returns the query/close authentication code. Field order is fixed
// by the gateway.
func CheckValue(amount int64, merchantID, orderNo, key, iv string) string {
	return sha256Upper("IV=" + iv +
		"&Amt=" + strconv.FormatInt(amount, 10) +
		"&MerchantID=" + merchantID +
		"&MerchantOrderNo=" + orderNo +
		"&Key=" + key)
}

// Codec binds the merchant key material loaded at startup
type Codec struct {
	key string
	iv  string
}

// NewCodec creates a codec for the given HashKey and HashIV
func NewCodec(key, iv string) *Codec {
	return &Codec{key: key, iv: iv}
}

// Encrypt encrypts with the bound key material
func (c *Codec) Encrypt(plaintext string) (string, error) {
	return Encrypt(plaintext, c.key, c.iv)
}

// Decrypt decrypts with the bound key material
func (c *Codec) Decrypt(hexCiphertext string) (string, error) {
	return Decrypt(hexCiphertext, c.key, c.iv)
}

// TradeSha computes the TradeSha for an encrypted TradeInfo
func (c *Codec) TradeSha(tradeInfo string) string {
	return ShaCheck(tradeInfo, c.key, c.iv)
}

// CheckValue computes the CheckValue for a query
func (c *Codec) CheckValue(amount int64, merchantID, orderNo string) string {
	return CheckValue(amount, merchantID, orderNo, c.key, c.iv)
}

// VerifyTradeSha compares tradeSha against the expected value in constant time
func (c *Codec) VerifyTradeSha(tradeInfo, tradeSha string) bool {
	expected := c.TradeSha(tradeInfo)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToUpper(strings.TrimSpace(tradeSha)))) == 1
}

func sha256Upper(s string) string {
	sum := sha256.Sum256([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func normalize(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("bad padding bytes")
		}
	}
	return data[:len(data)-n], nil
}
