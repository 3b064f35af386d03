// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"fmt"
	"time"

	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// Phase describes how far along its lifecycle a verification transaction is.
type Phase int

const (
	// PhaseRequested means a request has been sent or received, but the
	// other side has not confirmed yet.
	PhaseRequested Phase = iota
	// PhaseReady means both sides have agreed to verify and exchanged their
	// supported methods.
	PhaseReady
	// PhaseStarted means a specific verification method is in progress.
	PhaseStarted
	// PhaseCancelled means the transaction was cancelled by either side or
	// timed out.
	PhaseCancelled
	// PhaseDone means both sides completed the verification successfully.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseRequested:
		return "requested"
	case PhaseReady:
		return "ready"
	case PhaseStarted:
		return "started"
	case PhaseCancelled:
		return "cancelled"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether the phase is one of the two final phases.
func (p Phase) Terminal() bool {
	return p == PhaseCancelled || p == PhaseDone
}

// SASStep tracks progress through the short authentication string handshake.
type SASStep int

const (
	SASStepNone SASStep = iota
	SASStepStarted
	SASStepAccepted
	SASStepKeysExchanged
	SASStepMACExchanged
)

func (s SASStep) String() string {
	switch s {
	case SASStepNone:
		return "none"
	case SASStepStarted:
		return "started"
	case SASStepAccepted:
		return "accepted"
	case SASStepKeysExchanged:
		return "keys_exchanged"
	case SASStepMACExchanged:
		return "mac_exchanged"
	default:
		return fmt.Sprintf("SASStep(%d)", int(s))
	}
}

// SASState holds the in-progress state of an emoji/decimal handshake. It only
// exists on transactions whose chosen method is SAS.
type SASState struct {
	Step SASStep `json:"step"`
	// StartedByUs is whether our start event won. The ordering of the info
	// strings in the SAS and MAC key derivations depends on it.
	StartedByUs  bool                                  `json:"started_by_us"`
	StartContent *event.VerificationStartEventContent `json:"start_content,omitempty"`

	Commitment jsonbytes.UnpaddedBytes `json:"commitment,omitempty"`
	MACMethod  event.MACMethod         `json:"mac_method,omitempty"`

	EphemeralKey             *ECDHPrivateKey `json:"ephemeral_key,omitempty"`
	EphemeralPublicKeyShared bool            `json:"ephemeral_public_key_shared,omitempty"`
	OtherPublicKey           *ECDHPublicKey  `json:"other_public_key,omitempty"`

	ReceivedTheirMAC bool `json:"received_their_mac,omitempty"`
	SentOurMAC       bool `json:"sent_our_mac,omitempty"`
	// PendingMAC buffers a MAC event that arrived before our user confirmed
	// the short authentication string matched.
	PendingMAC *event.VerificationMacEventContent `json:"pending_mac,omitempty"`
}

// QRState holds the in-progress state of a QR reciprocation handshake.
type QRState struct {
	// TheirQRScanned is whether we scanned and validated their QR code.
	TheirQRScanned bool `json:"their_qr_scanned,omitempty"`
	// OurQRScanned is whether they claimed (via a reciprocate start event)
	// to have scanned our QR code.
	OurQRScanned bool `json:"our_qr_scanned,omitempty"`
	// ReceivedDoneConfirmsScan is whether receiving their done event should
	// be treated as confirmation that the scan succeeded.
	ReceivedDoneConfirmsScan bool `json:"received_done_confirms_scan,omitempty"`
}

// Transaction is the full serializable state of a single verification
// transaction. It is stored and passed by value; the Store owns persistence.
type Transaction struct {
	TransactionID id.VerificationTransactionID `json:"transaction_id"`
	// RoomID is set on in-room verifications and empty for to-device ones.
	RoomID id.RoomID `json:"room_id,omitempty"`

	Phase          Phase              `json:"phase"`
	InitiatedByUs  bool               `json:"initiated_by_us"`
	ExpirationTime jsontime.UnixMilli `json:"expiration_time"`

	TheirUserID   id.UserID   `json:"their_user_id"`
	TheirDeviceID id.DeviceID `json:"their_device_id,omitempty"`
	// SentToDeviceIDs is the list of the other user's devices the request
	// was broadcast to, so the rest can be cancelled once one answers.
	SentToDeviceIDs []id.DeviceID `json:"sent_to_device_ids,omitempty"`

	OurMethods            []event.VerificationMethod `json:"our_methods,omitempty"`
	TheirSupportedMethods []event.VerificationMethod `json:"their_supported_methods,omitempty"`

	ChosenMethod event.VerificationMethod `json:"chosen_method,omitempty"`

	// QRCodeSharedSecret is the random secret embedded in the QR code we
	// show. It is kept outside QRState because it is generated at ready
	// time, before a method is chosen.
	QRCodeSharedSecret jsonbytes.UnpaddedBytes `json:"qr_code_shared_secret,omitempty"`

	SAS *SASState `json:"sas,omitempty"`
	QR  *QRState  `json:"qr,omitempty"`

	SentOurDone       bool `json:"sent_our_done,omitempty"`
	ReceivedTheirDone bool `json:"received_their_done,omitempty"`

	CancelCode    event.VerificationCancelCode `json:"cancel_code,omitempty"`
	CancelReason  string                       `json:"cancel_reason,omitempty"`
	CancelledByUs bool                         `json:"cancelled_by_us,omitempty"`
}

// Expired reports whether the transaction passed its deadline at the given
// instant without reaching a terminal phase.
func (txn *Transaction) Expired(now time.Time) bool {
	return !txn.Phase.Terminal() && !txn.ExpirationTime.IsZero() && now.After(txn.ExpirationTime.Time)
}

// SelfVerification reports whether the transaction verifies another device of
// our own account rather than another user.
func (txn *Transaction) selfVerification(ownUserID id.UserID) bool {
	return txn.TheirUserID == ownUserID
}

// scrub zeroes the secret material held by the transaction. Called on
// terminal transitions so cancelled transactions retained for replay
// detection carry no keys.
func (txn *Transaction) scrub() {
	zeroBytes(txn.QRCodeSharedSecret)
	txn.QRCodeSharedSecret = nil
	if txn.SAS != nil {
		zeroBytes(txn.SAS.Commitment)
		txn.SAS.EphemeralKey = nil
		txn.SAS.OtherPublicKey = nil
	}
}
