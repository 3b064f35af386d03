// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"context"
	"crypto/hmac"
	"fmt"
	"time"

	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// generateQRCode builds the QR code payload for the transaction, or returns
// nil if showing a QR code cannot lead to a successful verification. The
// caller must hold the transaction lock.
func (h *Helper) generateQRCode(ctx context.Context, txn *Transaction) (*QRCode, error) {
	log := h.getLog(ctx)

	ownCrossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, h.ownUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to get own cross-signing keys: %w", err)
	}
	if ownCrossSigningKeys == nil || ownCrossSigningKeys.MasterKey == "" {
		return nil, fmt.Errorf("own cross-signing master key is not known")
	}
	ownMasterKeyTrusted, err := h.keyStore.IsMasterKeyTrusted(ctx, h.ownUserID)
	if err != nil {
		return nil, err
	}

	var mode QRCodeMode
	var key1, key2 []byte
	if txn.selfVerification(h.ownUserID) {
		if ownMasterKeyTrusted {
			mode = QRCodeModeSelfVerifyingMasterKeyTrusted
			// Key 1 is the master key, key 2 is the other device's key.
			key1 = ownCrossSigningKeys.MasterKey.Bytes()
			theirDevice, err := h.keyStore.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
			if err != nil {
				return nil, err
			}
			key2 = theirDevice.SigningKey.Bytes()
		} else {
			mode = QRCodeModeSelfVerifyingMasterKeyUntrusted
			// Key 1 is our own device's key, key 2 is the master key.
			ownDevice, err := h.keyStore.OwnIdentity(ctx)
			if err != nil {
				return nil, err
			}
			key1 = ownDevice.SigningKey.Bytes()
			key2 = ownCrossSigningKeys.MasterKey.Bytes()
		}
	} else {
		if !ownMasterKeyTrusted {
			return nil, fmt.Errorf("cannot verify another user when own master key is not trusted")
		}
		mode = QRCodeModeCrossSigning
		// Key 1 is our master key, key 2 is the other user's master key.
		key1 = ownCrossSigningKeys.MasterKey.Bytes()
		theirCrossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, txn.TheirUserID)
		if err != nil {
			return nil, err
		}
		if theirCrossSigningKeys == nil || theirCrossSigningKeys.MasterKey == "" {
			return nil, fmt.Errorf("%s's cross-signing master key is not known", txn.TheirUserID)
		}
		key2 = theirCrossSigningKeys.MasterKey.Bytes()
	}
	if len(key1) != 32 || len(key2) != 32 {
		return nil, fmt.Errorf("unexpected key length in QR code keys")
	}

	sharedSecret := make([]byte, qrCodeSharedSecretLength)
	if _, err = h.Random.Read(sharedSecret); err != nil {
		return nil, fmt.Errorf("failed to generate shared secret: %w", err)
	}
	txn.QRCodeSharedSecret = sharedSecret
	log.Debug().Int("mode", int(mode)).Msg("Generated QR code")
	return NewQRCode(mode, txn.TransactionID, [32]byte(key1), [32]byte(key2), sharedSecret), nil
}

// HandleScannedQRData verifies the keys embedded in a scanned QR code and, if
// they match what we know, sends the reciprocate start event followed by our
// done event. The transaction then completes when the other side confirms
// the scan and sends its own done event.
func (h *Helper) HandleScannedQRData(ctx context.Context, data []byte) error {
	qrCode, err := NewQRCodeFromBytes(data)
	if err != nil {
		return err
	}
	log := h.getLog(ctx).With().
		Str("verification_action", "handle scanned QR data").
		Stringer("transaction_id", qrCode.TransactionID).
		Int("mode", int(qrCode.Mode)).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(qrCode.TransactionID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, qrCode.TransactionID)
	if err != nil {
		return err
	}
	if txn.Phase != PhaseReady {
		return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeUnexpectedMessage,
			"the transaction in the QR code is not in the ready state")
	}
	if !h.supportsScan ||
		!slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodQRCodeShow) ||
		!slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodReciprocate) {
		return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeUnknownMethod,
			"QR code reciprocation is not supported by both devices")
	}

	ownCrossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, h.ownUserID)
	if err != nil {
		return fmt.Errorf("failed to get own cross-signing keys: %w", err)
	}
	if ownCrossSigningKeys == nil || ownCrossSigningKeys.MasterKey == "" {
		return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeInternalError,
			"own cross-signing master key is not known")
	}

	log.Info().Msg("Verifying keys from QR code")
	switch qrCode.Mode {
	case QRCodeModeCrossSigning:
		theirCrossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, txn.TheirUserID)
		if err != nil || theirCrossSigningKeys == nil || theirCrossSigningKeys.MasterKey == "" {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				fmt.Sprintf("%s's cross-signing master key is not known", txn.TheirUserID))
		}
		if !hmac.Equal(theirCrossSigningKeys.MasterKey.Bytes(), qrCode.Key1[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the other user's master key does not match")
		}
		if !hmac.Equal(ownCrossSigningKeys.MasterKey.Bytes(), qrCode.Key2[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the other device has the wrong master key for us")
		}
	case QRCodeModeSelfVerifyingMasterKeyTrusted:
		// The showing device trusts the master key, so this scan is what
		// establishes our trust in it. Key 1 is the master key and key 2 is
		// what the other device thinks our device key is.
		if !txn.selfVerification(h.ownUserID) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeQRCodeInvalid,
				fmt.Sprintf("mode %d is only allowed when verifying our own devices", qrCode.Mode))
		}
		if !hmac.Equal(ownCrossSigningKeys.MasterKey.Bytes(), qrCode.Key1[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the master key does not match")
		}
		ownDevice, err := h.keyStore.OwnIdentity(ctx)
		if err != nil {
			return err
		}
		if !hmac.Equal(ownDevice.SigningKey.Bytes(), qrCode.Key2[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the other device has the wrong key for this device")
		}
		if err = h.keyStore.TrustMasterKey(ctx, h.ownUserID); err != nil {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to record master key trust: %s", err))
		}
	case QRCodeModeSelfVerifyingMasterKeyUntrusted:
		// The showing device does not trust the master key, so we must.
		// Key 1 is the other device's key and key 2 is what the other
		// device thinks the master key is.
		if trusted, err := h.keyStore.IsMasterKeyTrusted(ctx, h.ownUserID); err != nil {
			return err
		} else if !trusted {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeMasterKeyNotTrusted,
				"cannot verify a device that does not trust the master key when we do not trust it either")
		}
		if !txn.selfVerification(h.ownUserID) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeQRCodeInvalid,
				fmt.Sprintf("mode %d is only allowed when verifying our own devices", qrCode.Mode))
		}
		theirDevice, err := h.keyStore.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
		if err != nil {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to get the other device's keys: %s", err))
		}
		if !hmac.Equal(theirDevice.SigningKey.Bytes(), qrCode.Key1[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the other device's key is not what we expected")
		}
		if !hmac.Equal(ownCrossSigningKeys.MasterKey.Bytes(), qrCode.Key2[:]) {
			return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeKeyMismatch,
				"the master key does not match")
		}
	default:
		return h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeQRCodeInvalid,
			fmt.Sprintf("unknown QR code mode %d", qrCode.Mode))
	}

	err = h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationStart, &event.VerificationStartEventContent{
		FromDevice: h.ownDeviceID,
		Method:     event.VerificationMethodReciprocate,
		Secret:     qrCode.SharedSecret,
	})
	if err != nil {
		return err
	}
	log.Debug().Msg("Sent reciprocate start event")

	txn.Phase = PhaseStarted
	txn.ChosenMethod = event.VerificationMethodReciprocate
	txn.QR = &QRState{TheirQRScanned: true}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	h.armTimer(txn.TransactionID, h.StepTimeout)
	h.notifyPhase(&txn)

	// Our side of the handshake is finished as soon as the keys check out.
	if err = h.sendDoneAndMaybeFinish(ctx, &txn); err != nil {
		return err
	}
	return nil
}

// onStartReciprocate handles a reciprocate start event, which the other side
// sends after scanning the QR code we showed.
func (h *Helper) onStartReciprocate(ctx context.Context, txn *Transaction, content *event.VerificationStartEventContent) {
	log := h.getLog(ctx)
	log.Info().Msg("Received reciprocate start event")
	if txn.Phase != PhaseReady {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			fmt.Sprintf("unexpected start event in phase %s", txn.Phase))
		return
	}
	if h.showQRCodeCallbacks == nil || len(txn.QRCodeSharedSecret) == 0 {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			"no QR code was shown for this transaction")
		return
	}
	if !hmac.Equal(txn.QRCodeSharedSecret, content.Secret) {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeKeyMismatch,
			"the reciprocated shared secret does not match")
		return
	}
	txn.Phase = PhaseStarted
	txn.ChosenMethod = event.VerificationMethodReciprocate
	txn.QR = &QRState{OurQRScanned: true, ReceivedDoneConfirmsScan: true}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err := h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
		return
	}
	h.armTimer(txn.TransactionID, h.StepTimeout)
	h.notifyPhase(txn)
	h.showQRCodeCallbacks.QRCodeScanned(ctx, txn.TransactionID)
}

// ConfirmQRCodeScanned must be called when the user confirms on this device
// that the other device scanned our QR code successfully. It sends our done
// event and finishes the transaction once the other side's done arrives.
func (h *Helper) ConfirmQRCodeScanned(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := h.getLog(ctx).With().
		Str("verification_action", "confirm QR code scanned").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Phase != PhaseStarted || txn.QR == nil || !txn.QR.OurQRScanned {
		return fmt.Errorf("%w: our QR code has not been scanned", ErrInvalidState)
	}
	if txn.SentOurDone {
		return nil
	}
	log.Info().Msg("Confirming QR code scanned")
	return h.sendDoneAndMaybeFinish(ctx, &txn)
}
