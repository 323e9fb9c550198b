package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const recordSize = 4096

// EncryptPayload encrypts a push message for a subscription per RFC 8291
// (aes128gcm content coding): ECDH over P-256 against the browser's p256dh
// key, HKDF-SHA256 key derivation salted with the subscription auth secret,
// then a single AES-128-GCM record with the coding header prepended.
func EncryptPayload(plaintext []byte, p256dhKey, authKey string) ([]byte, error) {
	uaPublicRaw, err := base64.RawURLEncoding.DecodeString(p256dhKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode p256dh key: %w", err)
	}
	authSecret, err := base64.RawURLEncoding.DecodeString(authKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode auth key: %w", err)
	}
	if len(authSecret) != 16 {
		return nil, fmt.Errorf("auth secret must be 16 bytes, got %d", len(authSecret))
	}

	curve := ecdh.P256()
	uaPublic, err := curve.NewPublicKey(uaPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid p256dh key: %w", err)
	}

	// 每条消息一个新的 ephemeral key pair
	asPrivate, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	asPublic := asPrivate.PublicKey().Bytes()

	sharedSecret, err := asPrivate.ECDH(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// ikm = HKDF(auth_secret, ecdh_secret, "WebPush: info" || 0x00 || ua_public || as_public)
	keyInfo := make([]byte, 0, 14+1+len(uaPublicRaw)+len(asPublic))
	keyInfo = append(keyInfo, []byte("WebPush: info")...)
	keyInfo = append(keyInfo, 0)
	keyInfo = append(keyInfo, uaPublicRaw...)
	keyInfo = append(keyInfo, asPublic...)

	ikm := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, authSecret, keyInfo), ikm); err != nil {
		return nil, fmt.Errorf("hkdf ikm failed: %w", err)
	}

	cek := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: aes128gcm\x00")), cek); err != nil {
		return nil, fmt.Errorf("hkdf cek failed: %w", err)
	}

	nonce := make([]byte, 12)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte("Content-Encoding: nonce\x00")), nonce); err != nil {
		return nil, fmt.Errorf("hkdf nonce failed: %w", err)
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	// 单 record：明文 + 0x02 终结分隔符
	record := make([]byte, 0, len(plaintext)+1)
	record = append(record, plaintext...)
	record = append(record, 2)

	ciphertext := gcm.Seal(nil, nonce, record, nil)

	// coding header: salt(16) || rs(4) || idlen(1) || keyid(as_public)
	header := make([]byte, 0, 16+4+1+len(asPublic))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, recordSize)
	header = append(header, byte(len(asPublic)))
	header = append(header, asPublic...)

	return append(header, ciphertext...), nil
}
