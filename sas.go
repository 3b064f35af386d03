// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"go.mau.fi/keyverify/canonicaljson"
	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// Start starts verification on a ready transaction using the most preferred
// method that both sides support. Emoji/decimal comparison is preferred over
// QR reciprocation because it does not require a camera.
func (h *Helper) Start(ctx context.Context, txnID id.VerificationTransactionID) error {
	unlock := h.lockTransaction(txnID)
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		unlock()
		return err
	}
	sasPossible := h.showSASCallbacks != nil && slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodSAS)
	unlock()
	if sasPossible {
		return h.StartSAS(ctx, txnID)
	}
	return fmt.Errorf("%w: no mutually supported verification method can be started directly", ErrMethodUnsupported)
}

// StartSAS starts an emoji/decimal handshake on a ready transaction by
// sending a start event. If the other side sends a start event at the same
// time, the conflict is resolved when their event arrives.
func (h *Helper) StartSAS(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := h.getLog(ctx).With().
		Str("verification_action", "start SAS").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Phase != PhaseReady {
		return fmt.Errorf("%w: cannot start SAS in phase %s", ErrInvalidState, txn.Phase)
	}
	if h.showSASCallbacks == nil {
		return fmt.Errorf("%w: no SAS callbacks provided", ErrMethodUnsupported)
	}
	if !slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodSAS) {
		return fmt.Errorf("%w: the other device does not support SAS verification", ErrMethodUnsupported)
	}

	startContent := &event.VerificationStartEventContent{
		FromDevice: h.ownDeviceID,
		Method:     event.VerificationMethodSAS,

		Hashes:                []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols: []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{
			event.MACMethodHKDFHMACSHA256,
			event.MACMethodHKDFHMACSHA256V2,
		},
		ShortAuthenticationString: []event.SASMethod{
			event.SASMethodDecimal,
			event.SASMethodEmoji,
		},
	}
	if err = h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationStart, startContent); err != nil {
		return err
	}
	txn.Phase = PhaseStarted
	txn.ChosenMethod = event.VerificationMethodSAS
	txn.SAS = &SASState{
		Step:         SASStepStarted,
		StartedByUs:  true,
		StartContent: startContent,
	}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err = h.store.SaveTransaction(ctx, txn); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	h.armTimer(txnID, h.StepTimeout)
	h.notifyPhase(&txn)
	log.Info().Msg("Sent SAS start event")
	return nil
}

// onStartSAS handles an incoming start event with the SAS method, including
// resolving the conflict when both sides started simultaneously.
func (h *Helper) onStartSAS(ctx context.Context, txn *Transaction, content *event.VerificationStartEventContent) {
	log := h.getLog(ctx)
	if txn.Phase == PhaseStarted && txn.SAS != nil && txn.SAS.StartedByUs && txn.SAS.Step == SASStepStarted {
		// Both sides sent a start event. The one from the lexicographically
		// smaller device wins; the loser's event is silently dropped.
		ourKey := h.ownUserID.String() + "|" + h.ownDeviceID.String()
		theirKey := txn.TheirUserID.String() + "|" + txn.TheirDeviceID.String()
		if ourKey < theirKey {
			log.Debug().Msg("Ignoring their start event since ours wins the tie-break")
			return
		}
		log.Debug().Msg("Discarding our start event since theirs wins the tie-break")
		txn.Phase = PhaseReady
		txn.SAS = nil
	}
	if txn.Phase != PhaseReady {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			fmt.Sprintf("unexpected start event in phase %s", txn.Phase))
		return
	}
	if h.showSASCallbacks == nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			"SAS verification is not supported on this device")
		return
	}

	if !content.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256) {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			"the other device does not support any key agreement protocols that we support")
		return
	}
	if !content.SupportsHashMethod(event.VerificationHashMethodSHA256) {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			"the other device does not support any hash algorithms that we support")
		return
	}
	macMethod := event.MACMethodHKDFHMACSHA256V2
	if !content.SupportsMACMethod(macMethod) {
		if content.SupportsMACMethod(event.MACMethodHKDFHMACSHA256) {
			macMethod = event.MACMethodHKDFHMACSHA256
		} else {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
				"the other device does not support any message authentication codes that we support")
			return
		}
	}
	var sasMethods []event.SASMethod
	for _, sasMethod := range content.ShortAuthenticationString {
		if sasMethod == event.SASMethodDecimal || sasMethod == event.SASMethodEmoji {
			sasMethods = append(sasMethods, sasMethod)
		}
	}
	if len(sasMethods) == 0 {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			"the other device does not support any short authentication string methods that we support")
		return
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(h.Random)
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
			fmt.Sprintf("failed to generate ephemeral key: %s", err))
		return
	}

	commitment, err := calculateCommitment(ephemeralKey.PublicKey(), content)
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
			fmt.Sprintf("failed to calculate commitment: %s", err))
		return
	}

	err = h.sendVerificationEvent(ctx, *txn, event.ToDeviceVerificationAccept, &event.VerificationAcceptEventContent{
		Commitment:                commitment,
		Hash:                      event.VerificationHashMethodSHA256,
		KeyAgreementProtocol:      event.KeyAgreementProtocolCurve25519HKDFSHA256,
		MessageAuthenticationCode: macMethod,
		ShortAuthenticationString: sasMethods,
	})
	if err != nil {
		log.Err(err).Msg("Failed to send accept event")
		return
	}

	txn.Phase = PhaseStarted
	txn.ChosenMethod = event.VerificationMethodSAS
	txn.SAS = &SASState{
		Step:         SASStepAccepted,
		StartedByUs:  false,
		StartContent: content,
		MACMethod:    macMethod,
		EphemeralKey: &ECDHPrivateKey{ephemeralKey},
	}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err = h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
		return
	}
	h.armTimer(txn.TransactionID, h.StepTimeout)
	h.notifyPhase(txn)
	log.Info().Msg("Accepted SAS start event")
}

// calculateCommitment hashes the unpadded base64 of the ephemeral public key
// concatenated with the canonical JSON of the start event content. The key
// is base64-encoded before hashing because the wire protocol says so.
func calculateCommitment(ephemeralPubKey *ecdh.PublicKey, startContent *event.VerificationStartEventContent) ([]byte, error) {
	hash := sha256.New()
	hash.Write([]byte(base64.RawStdEncoding.EncodeToString(ephemeralPubKey.Bytes())))
	encodedStartContent, err := json.Marshal(startContent)
	if err != nil {
		return nil, err
	}
	hash.Write(canonicaljson.CanonicalJSONAssumeValid(encodedStartContent))
	return hash.Sum(nil), nil
}

func (h *Helper) onAccept(ctx context.Context, txn *Transaction, content *event.VerificationAcceptEventContent) {
	log := h.getLog(ctx).With().
		Str("commitment", base64.RawStdEncoding.EncodeToString(content.Commitment)).
		Str("message_authentication_code", string(content.MessageAuthenticationCode)).
		Logger()
	log.Info().Msg("Received SAS accept event")

	if txn.Phase != PhaseStarted || txn.SAS == nil || !txn.SAS.StartedByUs || txn.SAS.Step != SASStepStarted {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			"unexpected accept event")
		return
	}
	if content.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256 &&
		content.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256V2 {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			fmt.Sprintf("unknown message authentication code %s", content.MessageAuthenticationCode))
		return
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(h.Random)
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
			fmt.Sprintf("failed to generate ephemeral key: %s", err))
		return
	}
	err = h.sendVerificationEvent(ctx, *txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
		Key: ephemeralKey.PublicKey().Bytes(),
	})
	if err != nil {
		log.Err(err).Msg("Failed to send key event")
		return
	}

	txn.SAS.Step = SASStepAccepted
	txn.SAS.MACMethod = content.MessageAuthenticationCode
	txn.SAS.Commitment = jsonbytes.UnpaddedBytes(content.Commitment)
	txn.SAS.EphemeralKey = &ECDHPrivateKey{ephemeralKey}
	txn.SAS.EphemeralPublicKeyShared = true
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err = h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
	}
	h.armTimer(txn.TransactionID, h.StepTimeout)
}

func (h *Helper) onKey(ctx context.Context, txn *Transaction, content *event.VerificationKeyEventContent) {
	log := h.getLog(ctx)
	if txn.Phase != PhaseStarted || txn.SAS == nil || txn.SAS.Step != SASStepAccepted {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			"unexpected key event")
		return
	}

	otherPublicKey, err := ecdh.X25519().NewPublicKey(content.Key)
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInvalidMessage,
			fmt.Sprintf("invalid ephemeral public key: %s", err))
		return
	}
	txn.SAS.OtherPublicKey = &ECDHPublicKey{otherPublicKey}

	if txn.SAS.EphemeralPublicKeyShared {
		// We started, so the accept event committed to this key. Check it.
		commitment, err := calculateCommitment(otherPublicKey, txn.SAS.StartContent)
		if err != nil {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to calculate commitment: %s", err))
			return
		}
		if !hmac.Equal(commitment, txn.SAS.Commitment) {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeMismatchedCommitment,
				"the key was not the one we expected")
			return
		}
	} else {
		err = h.sendVerificationEvent(ctx, *txn, event.ToDeviceVerificationKey, &event.VerificationKeyEventContent{
			Key: txn.SAS.EphemeralKey.PublicKey().Bytes(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to send key event")
			return
		}
		txn.SAS.EphemeralPublicKeyShared = true
	}
	txn.SAS.Step = SASStepKeysExchanged
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err = h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
		return
	}
	h.armTimer(txn.TransactionID, h.StepTimeout)

	sasBytes, err := h.verificationSASHKDF(txn)
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
			fmt.Sprintf("failed to compute short authentication string: %s", err))
		return
	}
	var decimals []int
	var emojis []rune
	var emojiDescriptions []string
	if txn.SAS.StartContent.SupportsSASMethod(event.SASMethodDecimal) {
		decimals = sasDecimals(sasBytes)
	}
	if txn.SAS.StartContent.SupportsSASMethod(event.SASMethodEmoji) {
		emojis, emojiDescriptions = sasEmojis(sasBytes)
	}
	log.Info().Msg("Showing short authentication string")
	h.showSASCallbacks.ShowSAS(ctx, txn.TransactionID, emojis, emojiDescriptions, decimals)
}

// sasDecimals converts the first five short authentication string bytes into
// three 13-bit numbers offset by 1000.
func sasDecimals(sasBytes []byte) []int {
	return []int{
		(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
		((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
		((int(sasBytes[3])&0x3f)<<7 | int(sasBytes[4])>>1) + 1000,
	}
}

// sasEmojis converts the six short authentication string bytes into seven
// emoji by taking 6-bit windows of the 48-bit number.
func sasEmojis(sasBytes []byte) ([]rune, []string) {
	sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
		uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])
	emojis := make([]rune, 7)
	descriptions := make([]string, 7)
	for i := 0; i < 7; i++ {
		emojiIdx := (sasNum >> uint(48-(i+1)*6)) & 0b111111
		emojis[i] = allEmojis[emojiIdx]
		descriptions[i] = allEmojiDescriptions[emojiIdx]
	}
	return emojis, descriptions
}

func (h *Helper) verificationSASHKDF(txn *Transaction) ([]byte, error) {
	sharedSecret, err := txn.SAS.EphemeralKey.ECDH(txn.SAS.OtherPublicKey.PublicKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sharedSecret)

	myInfo := strings.Join([]string{
		h.ownUserID.String(),
		h.ownDeviceID.String(),
		base64.RawStdEncoding.EncodeToString(txn.SAS.EphemeralKey.PublicKey().Bytes()),
	}, "|")
	theirInfo := strings.Join([]string{
		txn.TheirUserID.String(),
		txn.TheirDeviceID.String(),
		base64.RawStdEncoding.EncodeToString(txn.SAS.OtherPublicKey.Bytes()),
	}, "|")

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_SAS|")
	if txn.SAS.StartedByUs {
		infoBuf.WriteString(myInfo + "|" + theirInfo)
	} else {
		infoBuf.WriteString(theirInfo + "|" + myInfo)
	}
	infoBuf.WriteRune('|')
	infoBuf.WriteString(txn.TransactionID.String())

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	output := make([]byte, 6)
	_, err = reader.Read(output)
	return output, err
}

// BrokenB64Encode implements the incorrect base64 serialization in libolm for
// the hkdf-hmac-sha256 MAC method. The bug is caused by the input and output
// buffers being equal to one another during the base64 encoding.
//
// This function is narrowly scoped to this specific bug, and does not work
// generally (it only supports if the input is 32-bytes).
//
// Deprecated: never use this. It is only here for compatibility with the
// broken libolm implementation.
func BrokenB64Encode(input []byte) string {
	encodeBase64 := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/")

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])
		value <<= 8
		value |= int32(output[pos+1])
		value <<= 8
		value |= int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the base64 encoding.
	value := int32(output[pos])
	value <<= 8
	value |= int32(output[pos+1])
	value <<= 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}

func (h *Helper) verificationMACHKDF(txn *Transaction, senderUser id.UserID, senderDevice id.DeviceID, receivingUser id.UserID, receivingDevice id.DeviceID, keyID, key string) ([]byte, error) {
	sharedSecret, err := txn.SAS.EphemeralKey.ECDH(txn.SAS.OtherPublicKey.PublicKey)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(sharedSecret)

	var infoBuf bytes.Buffer
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	infoBuf.WriteString(senderUser.String())
	infoBuf.WriteString(senderDevice.String())
	infoBuf.WriteString(receivingUser.String())
	infoBuf.WriteString(receivingDevice.String())
	infoBuf.WriteString(txn.TransactionID.String())
	infoBuf.WriteString(keyID)

	reader := hkdf.New(sha256.New, sharedSecret, nil, infoBuf.Bytes())
	macKey := make([]byte, 32)
	if _, err = reader.Read(macKey); err != nil {
		return nil, err
	}
	defer zeroBytes(macKey)

	hash := hmac.New(sha256.New, macKey)
	hash.Write([]byte(key))
	sum := hash.Sum(nil)
	if txn.SAS.MACMethod == event.MACMethodHKDFHMACSHA256 {
		sum, err = base64.RawStdEncoding.DecodeString(BrokenB64Encode(sum))
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// ConfirmSAS must be called when the user asserts that the short
// authentication string shown by ShowSAS matches the one on the other
// device. It sends our MAC event and, if the other side's MAC arrived while
// we were waiting for the user, verifies it as well.
func (h *Helper) ConfirmSAS(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := h.getLog(ctx).With().
		Str("verification_action", "confirm SAS").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Phase != PhaseStarted || txn.SAS == nil || txn.SAS.Step != SASStepKeysExchanged {
		return fmt.Errorf("%w: cannot confirm SAS before keys are exchanged", ErrInvalidState)
	}
	if txn.SAS.SentOurMAC {
		return nil
	}

	keys := map[id.KeyID]jsonbytes.UnpaddedBytes{}

	ownDevice, err := h.keyStore.OwnIdentity(ctx)
	if err != nil {
		return fmt.Errorf("failed to get own identity: %w", err)
	}
	ownDeviceKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, ownDevice.DeviceID.String())
	keys[ownDeviceKeyID], err = h.verificationMACHKDF(&txn, h.ownUserID, h.ownDeviceID, txn.TheirUserID, txn.TheirDeviceID, ownDeviceKeyID.String(), ownDevice.SigningKey.String())
	if err != nil {
		return fmt.Errorf("failed to calculate device key MAC: %w", err)
	}

	// Also MAC our master cross-signing key when we have one, keyed by its
	// own base64 representation per the cross-signing key ID convention.
	crossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, h.ownUserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get own cross-signing keys")
	} else if crossSigningKeys != nil && crossSigningKeys.MasterKey != "" {
		masterKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, crossSigningKeys.MasterKey.String())
		keys[masterKeyID], err = h.verificationMACHKDF(&txn, h.ownUserID, h.ownDeviceID, txn.TheirUserID, txn.TheirDeviceID, masterKeyID.String(), crossSigningKeys.MasterKey.String())
		if err != nil {
			return fmt.Errorf("failed to calculate master key MAC: %w", err)
		}
	}

	keyIDs := make([]string, 0, len(keys))
	for _, keyID := range maps.Keys(keys) {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	keysMAC, err := h.verificationMACHKDF(&txn, h.ownUserID, h.ownDeviceID, txn.TheirUserID, txn.TheirDeviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return fmt.Errorf("failed to calculate key list MAC: %w", err)
	}

	err = h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationMAC, &event.VerificationMacEventContent{
		Keys: keysMAC,
		MAC:  keys,
	})
	if err != nil {
		return err
	}
	txn.SAS.SentOurMAC = true
	log.Info().Msg("Sent MAC event")

	if txn.SAS.PendingMAC != nil {
		pending := txn.SAS.PendingMAC
		txn.SAS.PendingMAC = nil
		h.processMAC(ctx, &txn, pending)
		return nil
	}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	h.armTimer(txnID, h.StepTimeout)
	return h.store.SaveTransaction(ctx, txn)
}

func (h *Helper) onMAC(ctx context.Context, txn *Transaction, content *event.VerificationMacEventContent) {
	log := h.getLog(ctx)
	if txn.Phase != PhaseStarted || txn.SAS == nil || txn.SAS.Step != SASStepKeysExchanged || txn.SAS.ReceivedTheirMAC {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			"unexpected MAC event")
		return
	}
	if !txn.SAS.SentOurMAC {
		// Their user confirmed before ours did. Hold the event until
		// ConfirmSAS is called so a mismatched SAS can still be reported.
		log.Debug().Msg("Received MAC event before the user confirmed, buffering")
		txn.SAS.PendingMAC = content
		if err := h.store.SaveTransaction(ctx, *txn); err != nil {
			log.Err(err).Msg("Failed to save transaction")
		}
		return
	}
	h.processMAC(ctx, txn, content)
}

// processMAC verifies the other side's MAC event and advances the handshake
// if everything checks out. The caller must hold the transaction lock.
func (h *Helper) processMAC(ctx context.Context, txn *Transaction, content *event.VerificationMacEventContent) {
	log := h.getLog(ctx)
	log.Info().Msg("Verifying MAC event")

	keyIDs := make([]string, 0, len(content.MAC))
	for _, keyID := range maps.Keys(content.MAC) {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	expectedKeysMAC, err := h.verificationMACHKDF(txn, txn.TheirUserID, txn.TheirDeviceID, h.ownUserID, h.ownDeviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
			fmt.Sprintf("failed to calculate key list MAC: %s", err))
		return
	}
	if !hmac.Equal(expectedKeysMAC, content.Keys) {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeKeyMismatch,
			"the MAC of the list of key IDs did not match")
		return
	}

	theirCrossSigningKeys, err := h.keyStore.GetCrossSigningKeys(ctx, txn.TheirUserID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to get their cross-signing keys")
	}
	for keyID, mac := range content.MAC {
		algorithm, keyName := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			log.Debug().Stringer("key_id", keyID).Msg("Ignoring MAC for unsupported key algorithm")
			continue
		}
		var expectedKey string
		if keyName == txn.TheirDeviceID.String() {
			device, err := h.keyStore.GetDevice(ctx, txn.TheirUserID, txn.TheirDeviceID)
			if err != nil {
				h.cancelTransaction(ctx, txn, event.VerificationCancelCodeKeyMismatch,
					fmt.Sprintf("no keys known for device %s", txn.TheirDeviceID))
				return
			}
			expectedKey = device.SigningKey.String()
		} else if theirCrossSigningKeys != nil && keyName == theirCrossSigningKeys.MasterKey.String() {
			expectedKey = theirCrossSigningKeys.MasterKey.String()
		} else {
			log.Debug().Stringer("key_id", keyID).Msg("Ignoring MAC for unknown key")
			continue
		}
		expectedMAC, err := h.verificationMACHKDF(txn, txn.TheirUserID, txn.TheirDeviceID, h.ownUserID, h.ownDeviceID, keyID.String(), expectedKey)
		if err != nil {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to calculate MAC for key %s: %s", keyID, err))
			return
		}
		if !hmac.Equal(expectedMAC, mac) {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeKeyMismatch,
				fmt.Sprintf("the MAC for key %s did not match", keyID))
			return
		}
	}

	txn.SAS.ReceivedTheirMAC = true
	if txn.SAS.SentOurMAC {
		txn.SAS.Step = SASStepMACExchanged
		if err := h.sendDoneAndMaybeFinish(ctx, txn); err != nil {
			log.Err(err).Msg("Failed to finish transaction")
		}
		return
	}
	if err := h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
	}
}
