// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"strings"
)

// DefaultMaxLocalSubjectLength is the padded width of the local subject
// inside the pairwise plaintext when no limit is configured.
const DefaultMaxLocalSubjectLength = 64

// PairwiseSubject derives the per-sector subject identifier defined by
// OIDC Core Section 8.1: AES-128-CBC over
//
//	sector_identifier || padded local subject || salt
//
// encoded as unpadded base64url. The first 16 bytes of secretKey are the
// AES key and the IV is fixed at zero so equal inputs always derive the
// same sub. The local subject is right-padded with spaces to
// maxLocalSubjectLength, which keeps the concatenation unambiguous for
// subjects of different lengths.
func PairwiseSubject(secretKey []byte, sectorIdentifier, localSubject, salt string, maxLocalSubjectLength int) (string, error) {
	if len(secretKey) < 16 {
		return "", fmt.Errorf("pairwise secret key must be at least 16 bytes, got %d", len(secretKey))
	}
	if maxLocalSubjectLength <= 0 {
		maxLocalSubjectLength = DefaultMaxLocalSubjectLength
	}
	if len(localSubject) > maxLocalSubjectLength {
		return "", fmt.Errorf("local subject length %d exceeds the configured maximum %d", len(localSubject), maxLocalSubjectLength)
	}

	padded := localSubject + strings.Repeat(" ", maxLocalSubjectLength-len(localSubject))
	plaintext := pkcs7Pad([]byte(sectorIdentifier+padded+salt), aes.BlockSize)

	block, err := aes.NewCipher(secretKey[:16])
	if err != nil {
		return "", fmt.Errorf("failed to initialize pairwise cipher: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// pkcs7Pad appends PKCS#7 padding so the plaintext is a whole number of
// cipher blocks. A full extra block is added when the input is already
// aligned.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}
