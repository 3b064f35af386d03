// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"golang.org/x/exp/slices"

	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/id"
)

type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// ToDeviceVerificationEvent contains the fields common to all to-device
// verification events.
type ToDeviceVerificationEvent struct {
	// TransactionID is an opaque identifier for the verification request.
	// Must be unique with respect to the devices involved.
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
}

func (ve *ToDeviceVerificationEvent) GetTransactionID() id.VerificationTransactionID {
	return ve.TransactionID
}

func (ve *ToDeviceVerificationEvent) SetTransactionID(id id.VerificationTransactionID) {
	ve.TransactionID = id
}

// InRoomVerificationEvent contains the m.relates_to field common to all
// in-room verification events.
type InRoomVerificationEvent struct {
	RelatesTo *RelatesTo `json:"m.relates_to,omitempty"`
}

func (ve *InRoomVerificationEvent) GetRelatesTo() *RelatesTo {
	return ve.RelatesTo
}

func (ve *InRoomVerificationEvent) SetRelatesTo(rel *RelatesTo) {
	ve.RelatesTo = rel
}

// VerificationTransactionable is an event content that can carry a
// transaction ID.
type VerificationTransactionable interface {
	GetTransactionID() id.VerificationTransactionID
	SetTransactionID(id.VerificationTransactionID)
}

// Relatable is an event content that can carry an m.relates_to reference.
type Relatable interface {
	GetRelatesTo() *RelatesTo
	SetRelatesTo(*RelatesTo)
}

// VerificationRequestEventContent represents the content of an
// m.key.verification.request to-device event.
type VerificationRequestEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time at which the request was made.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`
}

// VerificationRequestEventContentFromMessage converts an in-room
// m.room.message event with msgtype m.key.verification.request to a
// VerificationRequestEventContent.
func VerificationRequestEventContentFromMessage(evt *Event) *VerificationRequestEventContent {
	msg := evt.Content.AsMessage()
	return &VerificationRequestEventContent{
		ToDeviceVerificationEvent: ToDeviceVerificationEvent{
			TransactionID: id.VerificationTransactionID(evt.ID),
		},
		FromDevice: msg.FromDevice,
		Methods:    msg.Methods,
		Timestamp:  evt.Timestamp,
	}
}

// VerificationReadyEventContent represents the content of an
// m.key.verification.ready event (both in-room and to-device).
type VerificationReadyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// FromDevice is the device ID of the device accepting the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256 MACMethod = "hkdf-hmac-sha256"
	// MACMethodHKDFHMACSHA256V2 is the same as MACMethodHKDFHMACSHA256
	// except that the final MAC is base64-encoded correctly.
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationStartEventContent represents the content of an
// m.key.verification.start event (both in-room and to-device).
type VerificationStartEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// FromDevice is the device ID which is initiating the process.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`
	// NextMethod is the method to use to verify the other user's key once
	// the QR code has been scanned. Must be m.reciprocate.v1.
	NextMethod VerificationMethod `json:"next_method,omitempty"`

	// Hashes are the hash methods the sending device understands. Only
	// applicable for the SAS method.
	Hashes []VerificationHashMethod `json:"hashes,omitempty"`
	// KeyAgreementProtocols is the list of key agreement protocols the
	// sending device understands. Only applicable for the SAS method.
	KeyAgreementProtocols []KeyAgreementProtocol `json:"key_agreement_protocols,omitempty"`
	// MessageAuthenticationCodes is a list of the MAC methods that the
	// sending device understands. Only applicable for the SAS method.
	MessageAuthenticationCodes []MACMethod `json:"message_authentication_codes,omitempty"`
	// ShortAuthenticationString is a list of SAS methods the sending device
	// (and the sending device's user) understands. Only applicable for the
	// SAS method.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string,omitempty"`

	// Secret is the shared secret from the QR code. Only applicable for the
	// m.reciprocate.v1 method.
	Secret jsonbytes.UnpaddedBytes `json:"secret,omitempty"`
}

func (vsec *VerificationStartEventContent) SupportsKeyAgreementProtocol(proto KeyAgreementProtocol) bool {
	return slices.Contains(vsec.KeyAgreementProtocols, proto)
}

func (vsec *VerificationStartEventContent) SupportsHashMethod(method VerificationHashMethod) bool {
	return slices.Contains(vsec.Hashes, method)
}

func (vsec *VerificationStartEventContent) SupportsMACMethod(method MACMethod) bool {
	return slices.Contains(vsec.MessageAuthenticationCodes, method)
}

func (vsec *VerificationStartEventContent) SupportsSASMethod(method SASMethod) bool {
	return slices.Contains(vsec.ShortAuthenticationString, method)
}

// VerificationAcceptEventContent represents the content of an
// m.key.verification.accept event (both in-room and to-device).
type VerificationAcceptEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// Commitment is the hash of the unpadded base64 representation of the
	// public key, concatenated with the canonical JSON representation of the
	// content of the m.key.verification.start event.
	Commitment jsonbytes.UnpaddedBytes `json:"commitment"`
	// Hash is the hash method the device is choosing to use.
	Hash VerificationHashMethod `json:"hash"`
	// KeyAgreementProtocol is the key agreement protocol the device is
	// choosing to use.
	KeyAgreementProtocol KeyAgreementProtocol `json:"key_agreement_protocol"`
	// MessageAuthenticationCode is the MAC method the device is choosing to
	// use.
	MessageAuthenticationCode MACMethod `json:"message_authentication_code"`
	// ShortAuthenticationString is a list of SAS methods both devices
	// involved in the verification process understand.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

// VerificationKeyEventContent represents the content of an
// m.key.verification.key event (both in-room and to-device).
type VerificationKeyEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// Key is the device's ephemeral public key.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

// VerificationMacEventContent represents the content of an
// m.key.verification.mac event (both in-room and to-device).
type VerificationMacEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// Keys is the MAC of the comma-separated, sorted, list of key IDs given
	// in the MAC property.
	Keys jsonbytes.UnpaddedBytes `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key, as an unpadded
	// base64 string, calculated using the MAC key.
	MAC map[id.KeyID]jsonbytes.UnpaddedBytes `json:"mac"`
}

// VerificationDoneEventContent represents the content of an
// m.key.verification.done event (both in-room and to-device).
type VerificationDoneEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
}

type VerificationCancelCode string

const (
	VerificationCancelCodeUser                 VerificationCancelCode = "m.user"
	VerificationCancelCodeTimeout              VerificationCancelCode = "m.timeout"
	VerificationCancelCodeUnknownTransaction   VerificationCancelCode = "m.unknown_transaction"
	VerificationCancelCodeUnknownMethod        VerificationCancelCode = "m.unknown_method"
	VerificationCancelCodeUnexpectedMessage    VerificationCancelCode = "m.unexpected_message"
	VerificationCancelCodeKeyMismatch          VerificationCancelCode = "m.key_mismatch"
	VerificationCancelCodeUserMismatch         VerificationCancelCode = "m.user_mismatch"
	VerificationCancelCodeInvalidMessage       VerificationCancelCode = "m.invalid_message"
	VerificationCancelCodeAccepted             VerificationCancelCode = "m.accepted"
	VerificationCancelCodeMismatchedCommitment VerificationCancelCode = "m.mismatched_commitment"
	VerificationCancelCodeMismatchedSAS        VerificationCancelCode = "m.mismatched_sas"
	VerificationCancelCodeQRCodeInvalid        VerificationCancelCode = "m.qr_code.invalid"
	VerificationCancelCodeInternalError        VerificationCancelCode = "m.internal_error"
	VerificationCancelCodeMasterKeyNotTrusted  VerificationCancelCode = "m.master_key_not_trusted"
)

// VerificationCancelEventContent represents the content of an
// m.key.verification.cancel event (both in-room and to-device).
type VerificationCancelEventContent struct {
	ToDeviceVerificationEvent
	InRoomVerificationEvent
	// Code is the machine-readable reason for cancelling the verification.
	Code VerificationCancelCode `json:"code"`
	// Reason is a human-readable reason for cancelling the verification.
	Reason string `json:"reason"`
}
