// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package id contains the opaque identifier types used throughout the
// verification engine.
package id

import (
	"encoding/base64"
	"strings"

	"go.mau.fi/util/random"
)

// A UserID is the identifier of a user on the messaging network.
type UserID string

// A DeviceID is an arbitrary string that references a specific device of a
// user.
type DeviceID string

// A RoomID references a conversation for in-room verification flows.
type RoomID string

// An EventID references a specific event in a room.
type EventID string

// A VerificationTransactionID is an opaque identifier scoping a single
// verification attempt between two devices.
type VerificationTransactionID string

// NewVerificationTransactionID generates a random transaction ID for a new
// verification request.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(random.String(32))
}

func (userID UserID) String() string {
	return string(userID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (txnID VerificationTransactionID) String() string {
	return string(txnID)
}

type KeyAlgorithm string

const (
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
)

// A KeyID is a string formatted as <algorithm>:<key identifier> that is used
// as the key in key ID to key mappings.
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, keyID string) KeyID {
	return KeyID(string(algorithm) + ":" + keyID)
}

func (keyID KeyID) Parse() (KeyAlgorithm, string) {
	algorithm, id, _ := strings.Cut(string(keyID), ":")
	return KeyAlgorithm(algorithm), id
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// Ed25519 is the unpadded base64 representation of an ed25519 public key.
type Ed25519 string

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Bytes decodes the key into its raw 32-byte form. Invalid base64 yields nil.
func (ed25519 Ed25519) Bytes() []byte {
	decoded, err := base64.RawStdEncoding.DecodeString(string(ed25519))
	if err != nil {
		return nil
	}
	return decoded
}

// Ed25519FromBytes encodes a raw public key as unpadded base64.
func Ed25519FromBytes(key []byte) Ed25519 {
	return Ed25519(base64.RawStdEncoding.EncodeToString(key))
}
