// Copyright (c) 2020 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package tcn implements the contact number derivation used by dcrtrace.
//
// A compact contact number (CCN) is a 32 byte daily seed.  Every CCN
// deterministically expands into a sequence of temporary contact numbers
// (TCNs), one per epoch of the day.  The expansion keys AES-256 with
// HMAC-SHA256(broadcastKey, ccn) and repeatedly encrypts a block that starts
// out as all zeroes; every ciphertext is the TCN of the next epoch.
package tcn

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

const (
	// CCNSize is the width of a compact contact number in bytes.
	CCNSize = sha256.Size

	// TCNSize is the width of a temporary contact number in bytes.
	TCNSize = aes.BlockSize

	// DefaultEpochs is the number of TCNs a CCN expands into, one per
	// minute of the day.
	DefaultEpochs = 1440
)

var (
	// ErrInvalidSeedLength is returned when a CCN is not CCNSize bytes
	// wide.
	ErrInvalidSeedLength = errors.New("invalid ccn length")

	// ErrInvalidIdentifierLength is returned when a TCN is not TCNSize
	// bytes wide.
	ErrInvalidIdentifierLength = errors.New("invalid tcn length")

	// broadcastKey is the HMAC key that turns a CCN into its AES key.
	broadcastKey = []byte{
		0xe8, 0x8c, 0x5e, 0x26, 0x87, 0x2e, 0xb2, 0x05,
		0x74, 0x4a, 0xed, 0x66, 0x2d, 0xec, 0xf0, 0x27,
		0x17, 0x3a, 0x53, 0x0b, 0x2a, 0x6a, 0xc7, 0x01,
		0x92, 0x78, 0x80, 0x18, 0x05, 0xe3, 0x77, 0xb0,
	}

	encoding = base64.RawURLEncoding
)

// CCN is a compact contact number.
type CCN [CCNSize]byte

// TCN is a temporary contact number.
type TCN [TCNSize]byte

// CCNFromBytes copies b into a CCN.
func CCNFromBytes(b []byte) (CCN, error) {
	var c CCN
	if len(b) != CCNSize {
		return c, ErrInvalidSeedLength
	}
	copy(c[:], b)
	return c, nil
}

// TCNFromBytes copies b into a TCN.
func TCNFromBytes(b []byte) (TCN, error) {
	var t TCN
	if len(b) != TCNSize {
		return t, ErrInvalidIdentifierLength
	}
	copy(t[:], b)
	return t, nil
}

// ParseCCN decodes the URL safe, unpadded base64 form of a CCN.
func ParseCCN(s string) (CCN, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return CCN{}, err
	}
	return CCNFromBytes(b)
}

// ParseTCN decodes the URL safe, unpadded base64 form of a TCN.
func ParseTCN(s string) (TCN, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return TCN{}, err
	}
	return TCNFromBytes(b)
}

// String returns the URL safe, unpadded base64 form of the CCN.
func (c CCN) String() string {
	return encoding.EncodeToString(c[:])
}

// String returns the URL safe, unpadded base64 form of the TCN.
func (t TCN) String() string {
	return encoding.EncodeToString(t[:])
}

// Ratchet returns the CCN of the following day.
func (c CCN) Ratchet() CCN {
	return CCN(sha256.Sum256(c[:]))
}

// Successors returns the next n ratcheted CCNs.  The receiver is not part of
// the result.
func (c CCN) Successors(n int) []CCN {
	ccns := make([]CCN, 0, n)
	current := c
	for i := 0; i < n; i++ {
		current = current.Ratchet()
		ccns = append(ccns, current)
	}
	return ccns
}

// Generator produces the TCNs of a single CCN in epoch order.
type Generator struct {
	block cipher.Block
	state TCN
}

// Generator returns a TCN generator positioned at epoch 0.
func (c CCN) Generator() *Generator {
	mac := hmac.New(sha256.New, broadcastKey)
	mac.Write(c[:])
	block, err := aes.NewCipher(mac.Sum(nil))
	if err != nil {
		// A 32 byte key is always valid.
		panic(err)
	}
	return &Generator{block: block}
}

// Next returns the TCN of the next epoch.
func (g *Generator) Next() TCN {
	g.block.Encrypt(g.state[:], g.state[:])
	return g.state
}

// Expand returns the first n TCNs of the CCN, epoch 0 first.
func (c CCN) Expand(n int) []TCN {
	tcns := make([]TCN, n)
	g := c.Generator()
	for i := range tcns {
		tcns[i] = g.Next()
	}
	return tcns
}
