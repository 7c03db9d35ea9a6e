// Package stats implements the statistics store: an append-only request and
// error log plus maintained per-resource counters, backed by an embedded
// sqlite database, with optional on-the-fly email anonymisation.
package stats

import (
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/blowfish"
)

// ExtractDomain returns the domain part of an email address, lower-cased:
// everything after the first "@", the empty string when the "@" is trailing,
// or the whole string when there is no "@".
func ExtractDomain(email string) string {
	email = strings.ToLower(email)
	if i := strings.Index(email, "@"); i >= 0 {
		return email[i+1:]
	}
	return email
}

// AnonymizeEmail hashes an email address with bcrypt, salting with the
// address's own domain so that the same address always yields the same
// digest. The result is one-way: a change of salt derivation cannot be
// migrated without the original addresses.
func AnonymizeEmail(email string) string {
	email = strings.ToLower(email)
	return anonymizeWithDomain(email, ExtractDomain(email))
}

// anonymizeWithDomain builds the deterministic salt from the domain: the
// domain is left-padded with zeros to 18 bytes (the minimum input length
// whose base64 encoding reaches bcrypt's 22 salt characters), base64
// encoded, and truncated to exactly 22 characters.
func anonymizeWithDomain(email, domain string) string {
	padded := domain
	for len(padded) < 18 {
		padded = "0" + padded
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(padded))
	salt := encoded[:22]
	return "$2b$12$" + salt + bcryptDigest([]byte(email), salt, 12)
}

// The remainder of this file is the bcrypt key-derivation step over a
// caller-provided salt. golang.org/x/crypto/bcrypt only exposes random-salt
// hashing, which cannot produce the deterministic digests the store needs,
// so the expensive key schedule is driven here directly through the
// blowfish package. The construction matches the standard bcrypt algorithm:
// an expensive salted key setup followed by 64 ECB encryptions of the magic
// block, emitted in bcrypt's base64 alphabet.

const bcryptAlphabet = "./ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var bcryptEncoding = base64.NewEncoding(bcryptAlphabet).WithPadding(base64.NoPadding)

var magicCipherData = []byte("OrpheanBeholderScryDoubt")

// bcryptDigest computes the 31-character bcrypt hash body for the password
// under the given 22-character salt and cost.
func bcryptDigest(password []byte, salt string, cost uint) string {
	csalt := decodeSalt(salt)

	// bcrypt appends a null terminator to the key.
	ckey := make([]byte, 0, len(password)+1)
	ckey = append(ckey, password...)
	ckey = append(ckey, 0)

	c, err := blowfish.NewSaltedCipher(ckey, csalt)
	if err != nil {
		// Only reachable with an empty key, which callers never produce.
		panic(err)
	}
	for i := 0; i < 1<<cost; i++ {
		blowfish.ExpandKey(ckey, c)
		blowfish.ExpandKey(csalt, c)
	}

	cipherData := make([]byte, len(magicCipherData))
	copy(cipherData, magicCipherData)
	for i := 0; i < len(cipherData); i += 8 {
		for j := 0; j < 64; j++ {
			c.Encrypt(cipherData[i:i+8], cipherData[i:i+8])
		}
	}

	// bcrypt drops the last byte of the third block.
	return bcryptEncoding.EncodeToString(cipherData[:23])
}

// decodeSalt interprets the 22 salt characters in bcrypt's base64 alphabet.
// The salt is built from a standard base64 encoding, whose only character
// outside bcrypt's alphabet is "+"; it is mapped to "." so decoding stays
// deterministic.
func decodeSalt(salt string) []byte {
	cleaned := strings.ReplaceAll(salt, "+", ".")
	decoded, err := bcryptEncoding.DecodeString(cleaned)
	if err != nil {
		// 22 characters of the alphabet always decode.
		panic(err)
	}
	return decoded
}
