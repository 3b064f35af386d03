// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"go.mau.fi/util/jsontime"

	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

// extractFromDevice pulls the sending device ID out of event contents that
// carry one, for addressing cancellations of unknown transactions.
func extractFromDevice(evt *event.Event) id.DeviceID {
	switch content := evt.Content.Parsed.(type) {
	case *event.VerificationRequestEventContent:
		return content.FromDevice
	case *event.VerificationReadyEventContent:
		return content.FromDevice
	case *event.VerificationStartEventContent:
		return content.FromDevice
	default:
		return ""
	}
}

// RequiredCallbacks must be implemented by every consumer of the Helper.
type RequiredCallbacks interface {
	// VerificationRequested is called when a verification request is
	// received from another device or user.
	VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID)

	// VerificationReady is called when both sides have agreed to verify and
	// it is possible to start. The qrCode parameter is non-nil if we are
	// able to show a QR code for the other side to scan.
	VerificationReady(ctx context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID, supportsSAS, supportsScanQRCode bool, qrCode *QRCode)

	// VerificationCancelled is called when the verification is cancelled by
	// either side or times out.
	VerificationCancelled(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string)

	// VerificationDone is called when the verification completed
	// successfully using the given method.
	VerificationDone(ctx context.Context, txnID id.VerificationTransactionID, method event.VerificationMethod)
}

// ShowSASCallbacks is implemented by consumers that can display a short
// authentication string to the user.
type ShowSASCallbacks interface {
	// ShowSAS is called once both sides have exchanged their ephemeral keys
	// in an emoji/decimal handshake. The consumer must display the emojis
	// (with their descriptions) or the decimals to the user and call
	// ConfirmSAS once the user asserts they match the other device.
	ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int)
}

// ShowQRCodeCallbacks is implemented by consumers that can display a QR
// code to the user.
type ShowQRCodeCallbacks interface {
	// QRCodeScanned is called when the other side claims to have scanned
	// the QR code we showed. The consumer must ask the user whether the
	// scan actually succeeded and call ConfirmQRCodeScanned.
	QRCodeScanned(ctx context.Context, txnID id.VerificationTransactionID)
}

// phase change subscriptions

// PhaseChange describes a single transaction phase transition delivered to
// subscribers.
type PhaseChange struct {
	TransactionID id.VerificationTransactionID
	Phase         Phase
	Method        event.VerificationMethod
	CancelCode    event.VerificationCancelCode
	CancelReason  string
}

type phaseSubscriber struct {
	token xid.ID
	fn    func(PhaseChange)
}

type completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (c *completion) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Helper implements the interactive flows for verifying devices and
// identities. It drives the wire handshakes over an injected Transport,
// reads and writes trust through an injected KeyStore, persists transaction
// state in an injected Store, and reports progress through callbacks.
type Helper struct {
	// RequestTimeout is how long a request may sit unanswered before it is
	// cancelled with a timeout code.
	RequestTimeout time.Duration
	// StepTimeout is how long an in-progress handshake may sit between
	// steps before it is cancelled with a timeout code.
	StepTimeout time.Duration
	// CompletionRetention is how long the in-memory bookkeeping of a
	// terminal transaction is kept so that late WaitForCompletion calls and
	// late event echoes are still recognized.
	CompletionRetention time.Duration
	// Random is the source of randomness for ephemeral keys and shared
	// secrets. It must not be changed after the first use of the helper.
	Random io.Reader

	ownUserID   id.UserID
	ownDeviceID id.DeviceID

	transport Transport
	keyStore  KeyStore
	store     Store
	log       zerolog.Logger

	callbacks           RequiredCallbacks
	showSASCallbacks    ShowSASCallbacks
	showQRCodeCallbacks ShowQRCodeCallbacks
	supportsScan        bool

	txnLocksLock sync.Mutex
	txnLocks     map[id.VerificationTransactionID]*sync.Mutex

	completionsLock sync.Mutex
	completions     map[id.VerificationTransactionID]*completion

	timersLock sync.Mutex
	timers     map[id.VerificationTransactionID]*time.Timer

	sentEventsLock sync.Mutex
	sentEventIDs   map[id.EventID]id.VerificationTransactionID

	subscribersLock sync.RWMutex
	subscribers     []phaseSubscriber
}

// NewHelper creates a Helper. The callbacks parameter must implement
// RequiredCallbacks and may additionally implement ShowSASCallbacks and
// ShowQRCodeCallbacks to enable the corresponding methods. Set supportsScan
// if the consumer is able to scan QR codes shown by the other side.
func NewHelper(log zerolog.Logger, ownUserID id.UserID, ownDeviceID id.DeviceID, transport Transport, keyStore KeyStore, store Store, callbacks any, supportsScan bool) (*Helper, error) {
	if transport == nil || keyStore == nil || store == nil {
		return nil, fmt.Errorf("transport, key store and store must all be provided")
	}
	required, ok := callbacks.(RequiredCallbacks)
	if !ok {
		return nil, fmt.Errorf("callbacks must implement RequiredCallbacks")
	}
	h := &Helper{
		RequestTimeout:      10 * time.Minute,
		StepTimeout:         2 * time.Minute,
		CompletionRetention: time.Minute,
		Random:              rand.Reader,

		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		transport:   transport,
		keyStore:    keyStore,
		store:       store,
		log:         log,

		callbacks:    required,
		supportsScan: supportsScan,

		txnLocks:     map[id.VerificationTransactionID]*sync.Mutex{},
		completions:  map[id.VerificationTransactionID]*completion{},
		timers:       map[id.VerificationTransactionID]*time.Timer{},
		sentEventIDs: map[id.EventID]id.VerificationTransactionID{},
	}
	h.showSASCallbacks, _ = callbacks.(ShowSASCallbacks)
	h.showQRCodeCallbacks, _ = callbacks.(ShowQRCodeCallbacks)
	return h, nil
}

func (h *Helper) getLog(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = &h.log
	}
	return log
}

// supportedMethods returns the verification methods this helper advertises,
// derived from which callback interfaces the consumer implements.
func (h *Helper) supportedMethods() []event.VerificationMethod {
	var methods []event.VerificationMethod
	if h.showSASCallbacks != nil {
		methods = append(methods, event.VerificationMethodSAS)
	}
	if h.showQRCodeCallbacks != nil {
		methods = append(methods, event.VerificationMethodQRCodeShow, event.VerificationMethodReciprocate)
	}
	if h.supportsScan {
		methods = append(methods, event.VerificationMethodQRCodeScan)
		if !slices.Contains(methods, event.VerificationMethodReciprocate) {
			methods = append(methods, event.VerificationMethodReciprocate)
		}
	}
	return methods
}

// lockTransaction takes the per-transaction mutex. Every code path that
// reads or writes a transaction holds its mutex for the full
// read-modify-write cycle.
func (h *Helper) lockTransaction(txnID id.VerificationTransactionID) func() {
	h.txnLocksLock.Lock()
	lock, ok := h.txnLocks[txnID]
	if !ok {
		lock = &sync.Mutex{}
		h.txnLocks[txnID] = lock
	}
	h.txnLocksLock.Unlock()
	lock.Lock()
	return lock.Unlock
}

// completion futures

func (h *Helper) getCompletion(txnID id.VerificationTransactionID) *completion {
	h.completionsLock.Lock()
	defer h.completionsLock.Unlock()
	c, ok := h.completions[txnID]
	if !ok {
		c = &completion{done: make(chan struct{})}
		h.completions[txnID] = c
	}
	return c
}

// WaitForCompletion blocks until the transaction reaches a terminal phase or
// the context is done. It returns nil if the verification succeeded and a
// CancelledError (or the context error) otherwise. Waiting on a transaction
// ID that is neither in flight nor recently finished fails immediately with
// ErrUnknownVerificationTransaction. Multiple goroutines may wait on the same
// transaction.
func (h *Helper) WaitForCompletion(ctx context.Context, txnID id.VerificationTransactionID) error {
	h.completionsLock.Lock()
	c, ok := h.completions[txnID]
	h.completionsLock.Unlock()
	if !ok {
		txn, err := h.store.GetTransaction(ctx, txnID)
		if err != nil {
			return err
		}
		switch txn.Phase {
		case PhaseCancelled:
			return &CancelledError{Code: txn.CancelCode, Reason: txn.CancelReason}
		case PhaseDone:
			return nil
		}
		c = h.getCompletion(txnID)
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduleCleanup drops the per-transaction bookkeeping a while after the
// transaction reached a terminal phase. Waiters that arrive later are served
// from the store instead.
func (h *Helper) scheduleCleanup(txnID id.VerificationTransactionID) {
	time.AfterFunc(h.CompletionRetention, func() {
		h.completionsLock.Lock()
		delete(h.completions, txnID)
		h.completionsLock.Unlock()
		h.sentEventsLock.Lock()
		for eventID, owner := range h.sentEventIDs {
			if owner == txnID {
				delete(h.sentEventIDs, eventID)
			}
		}
		h.sentEventsLock.Unlock()
		h.txnLocksLock.Lock()
		if lock, ok := h.txnLocks[txnID]; ok && lock.TryLock() {
			delete(h.txnLocks, txnID)
			lock.Unlock()
		}
		h.txnLocksLock.Unlock()
	})
}

// timers

func (h *Helper) armTimer(txnID id.VerificationTransactionID, d time.Duration) {
	h.timersLock.Lock()
	defer h.timersLock.Unlock()
	if timer, ok := h.timers[txnID]; ok {
		timer.Stop()
	}
	h.timers[txnID] = time.AfterFunc(d, func() {
		h.onTimeout(txnID)
	})
}

func (h *Helper) stopTimer(txnID id.VerificationTransactionID) {
	h.timersLock.Lock()
	defer h.timersLock.Unlock()
	if timer, ok := h.timers[txnID]; ok {
		timer.Stop()
		delete(h.timers, txnID)
	}
}

func (h *Helper) onTimeout(txnID id.VerificationTransactionID) {
	ctx := h.log.WithContext(context.Background())
	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil || txn.Phase.Terminal() {
		return
	}
	h.getLog(ctx).Warn().
		Stringer("transaction_id", txnID).
		Stringer("phase", txn.Phase).
		Msg("Verification transaction timed out")
	h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeTimeout, "verification timed out")
}

// ResumeTimeouts re-arms expiration timers for every non-terminal stored
// transaction. Transactions that are already past their deadline are
// cancelled immediately. Call this once after a restart.
func (h *Helper) ResumeTimeouts(ctx context.Context) error {
	txns, err := h.store.GetAllTransactions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load transactions: %w", err)
	}
	now := time.Now()
	for _, txn := range txns {
		if txn.Phase.Terminal() {
			continue
		} else if txn.Expired(now) {
			unlock := h.lockTransaction(txn.TransactionID)
			h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeTimeout, "verification timed out")
			unlock()
		} else {
			h.armTimer(txn.TransactionID, txn.ExpirationTime.Sub(now))
		}
	}
	return nil
}

// subscriptions

// SubscribePhaseChanges registers a function to be called on every phase
// transition of every transaction. The returned token unsubscribes it.
// Callbacks are invoked synchronously in subscription order.
func (h *Helper) SubscribePhaseChanges(fn func(PhaseChange)) xid.ID {
	h.subscribersLock.Lock()
	defer h.subscribersLock.Unlock()
	token := xid.New()
	h.subscribers = append(h.subscribers, phaseSubscriber{token: token, fn: fn})
	return token
}

// UnsubscribePhaseChanges removes the subscriber with the given token.
func (h *Helper) UnsubscribePhaseChanges(token xid.ID) {
	h.subscribersLock.Lock()
	defer h.subscribersLock.Unlock()
	h.subscribers = slices.DeleteFunc(h.subscribers, func(sub phaseSubscriber) bool {
		return sub.token == token
	})
}

func (h *Helper) notifyPhase(txn *Transaction) {
	change := PhaseChange{
		TransactionID: txn.TransactionID,
		Phase:         txn.Phase,
		Method:        txn.ChosenMethod,
		CancelCode:    txn.CancelCode,
		CancelReason:  txn.CancelReason,
	}
	h.subscribersLock.RLock()
	subs := slices.Clone(h.subscribers)
	h.subscribersLock.RUnlock()
	for _, sub := range subs {
		sub.fn(change)
	}
}

// Request starts a new to-device verification with the given user. If
// deviceID is empty, the request is broadcast to all of the user's known
// devices and the first one to answer wins. It returns the new transaction
// ID.
func (h *Helper) Request(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (id.VerificationTransactionID, error) {
	txnID := id.NewVerificationTransactionID()
	log := h.getLog(ctx).With().
		Str("verification_action", "request").
		Stringer("transaction_id", txnID).
		Stringer("their_user_id", userID).
		Logger()
	ctx = log.WithContext(ctx)

	var deviceIDs []id.DeviceID
	if deviceID != "" {
		if existing, err := h.store.FindTransactionForUserDevice(ctx, userID, deviceID); err == nil {
			return "", fmt.Errorf("%w: a verification with %s/%s is already in flight (transaction %s)",
				ErrInvalidState, userID, deviceID, existing.TransactionID)
		}
		deviceIDs = []id.DeviceID{deviceID}
	} else {
		devices, err := h.keyStore.GetUserDevices(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to get devices for %s: %w", userID, err)
		}
		for _, device := range devices {
			if device.UserID == h.ownUserID && device.DeviceID == h.ownDeviceID {
				continue
			}
			deviceIDs = append(deviceIDs, device.DeviceID)
		}
		if len(deviceIDs) == 0 {
			return "", fmt.Errorf("no devices to verify for %s", userID)
		}
	}

	unlock := h.lockTransaction(txnID)
	defer unlock()

	now := time.Now()
	txn := Transaction{
		TransactionID:   txnID,
		Phase:           PhaseRequested,
		InitiatedByUs:   true,
		ExpirationTime:  jsontime.UM(now.Add(h.RequestTimeout)),
		TheirUserID:     userID,
		TheirDeviceID:   deviceID,
		SentToDeviceIDs: deviceIDs,
		OurMethods:      h.supportedMethods(),
	}
	err := h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationRequest, &event.VerificationRequestEventContent{
		FromDevice: h.ownDeviceID,
		Methods:    txn.OurMethods,
		Timestamp:  jsontime.UM(now),
	})
	if err != nil {
		return "", err
	}
	if err = h.store.SaveTransaction(ctx, txn); err != nil {
		return "", fmt.Errorf("failed to save transaction: %w", err)
	}
	h.armTimer(txnID, h.RequestTimeout)
	log.Info().Any("device_ids", deviceIDs).Msg("Sent verification request")
	return txnID, nil
}

// RequestInRoom starts a new in-room verification with the given user by
// sending an m.room.message request into the room. The ID of the sent event
// becomes the transaction ID.
func (h *Helper) RequestInRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) (id.VerificationTransactionID, error) {
	log := h.getLog(ctx).With().
		Str("verification_action", "request in room").
		Stringer("room_id", roomID).
		Stringer("their_user_id", userID).
		Logger()
	ctx = log.WithContext(ctx)

	methods := h.supportedMethods()
	content, err := json.Marshal(&event.MessageEventContent{
		MsgType:    event.MsgVerificationRequest,
		Body:       fmt.Sprintf("%s is requesting to verify your device, but your client does not support verification, so you may need to use a different verification method.", h.ownUserID),
		To:         userID,
		FromDevice: h.ownDeviceID,
		Methods:    methods,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request message: %w", err)
	}
	eventID, err := h.transport.SendInRoom(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	txnID := id.VerificationTransactionID(eventID)
	h.recordSentEvent(txnID, eventID)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn := Transaction{
		TransactionID:  txnID,
		RoomID:         roomID,
		Phase:          PhaseRequested,
		InitiatedByUs:  true,
		ExpirationTime: jsontime.UM(time.Now().Add(h.RequestTimeout)),
		TheirUserID:    userID,
		OurMethods:     methods,
	}
	if err = h.store.SaveTransaction(ctx, txn); err != nil {
		return "", fmt.Errorf("failed to save transaction: %w", err)
	}
	h.armTimer(txnID, h.RequestTimeout)
	log.Info().Stringer("transaction_id", txnID).Msg("Sent in-room verification request")
	return txnID, nil
}

// Accept accepts a received verification request by sending a ready event
// back. If we are able to show a QR code, it is generated here and passed to
// the VerificationReady callback.
func (h *Helper) Accept(ctx context.Context, txnID id.VerificationTransactionID) error {
	log := h.getLog(ctx).With().
		Str("verification_action", "accept").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Phase == PhaseReady && !txn.InitiatedByUs {
		// Already accepted.
		return nil
	} else if txn.Phase != PhaseRequested || txn.InitiatedByUs {
		return fmt.Errorf("%w: cannot accept transaction in phase %s", ErrInvalidState, txn.Phase)
	}

	txn.OurMethods = h.supportedMethods()
	err = h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationReady, &event.VerificationReadyEventContent{
		FromDevice: h.ownDeviceID,
		Methods:    txn.OurMethods,
	})
	if err != nil {
		return err
	}
	txn.Phase = PhaseReady
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	if err = h.becomeReady(ctx, &txn); err != nil {
		return err
	}
	h.armTimer(txnID, h.StepTimeout)
	log.Info().Msg("Accepted verification request")
	return nil
}

// becomeReady finalizes the transition to the ready phase for both the
// accepting and the requesting side: it generates the QR code if we can show
// one, saves the transaction and fires the VerificationReady callback.
func (h *Helper) becomeReady(ctx context.Context, txn *Transaction) error {
	var qrCode *QRCode
	if h.showQRCodeCallbacks != nil && methodsSupportQRShow(txn.OurMethods, txn.TheirSupportedMethods) {
		var err error
		qrCode, err = h.generateQRCode(ctx, txn)
		if err != nil {
			h.getLog(ctx).Warn().Err(err).Msg("Failed to generate QR code")
		}
	}
	if err := h.store.SaveTransaction(ctx, *txn); err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	h.notifyPhase(txn)
	supportsSAS := h.showSASCallbacks != nil && slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodSAS)
	supportsScan := h.supportsScan && slices.Contains(txn.TheirSupportedMethods, event.VerificationMethodQRCodeShow)
	h.callbacks.VerificationReady(ctx, txn.TransactionID, txn.TheirDeviceID, supportsSAS, supportsScan, qrCode)
	return nil
}

// methodsSupportQRShow reports whether showing a QR code can possibly lead
// to a successful verification given both sides' method lists.
func methodsSupportQRShow(ours, theirs []event.VerificationMethod) bool {
	return slices.Contains(ours, event.VerificationMethodQRCodeShow) &&
		slices.Contains(theirs, event.VerificationMethodQRCodeScan) &&
		slices.Contains(theirs, event.VerificationMethodReciprocate)
}

// Cancel cancels the transaction with the code m.user and the given reason.
func (h *Helper) Cancel(ctx context.Context, txnID id.VerificationTransactionID, reason string) error {
	return h.CancelWithCode(ctx, txnID, event.VerificationCancelCodeUser, reason)
}

// CancelWithCode cancels the transaction with the given code and reason.
func (h *Helper) CancelWithCode(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error {
	log := h.getLog(ctx).With().
		Str("verification_action", "cancel").
		Stringer("transaction_id", txnID).
		Logger()
	ctx = log.WithContext(ctx)

	unlock := h.lockTransaction(txnID)
	defer unlock()
	txn, err := h.store.GetTransaction(ctx, txnID)
	if err != nil {
		return err
	}
	if txn.Phase.Terminal() {
		return fmt.Errorf("%w: cannot cancel transaction in phase %s", ErrInvalidState, txn.Phase)
	}
	txn.CancelledByUs = true
	return h.cancelTransaction(ctx, &txn, code, reason)
}

// cancelTransaction moves the transaction to the cancelled phase. The local
// transition happens even if sending the cancel event fails; the send error
// is joined into the returned error. The caller must hold the transaction
// lock.
func (h *Helper) cancelTransaction(ctx context.Context, txn *Transaction, code event.VerificationCancelCode, reason string) error {
	sendErr := h.sendVerificationEvent(ctx, *txn, event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
		Code:   code,
		Reason: reason,
	})
	if sendErr != nil {
		h.getLog(ctx).Warn().Err(sendErr).Msg("Failed to send cancellation event")
	}
	txn.Phase = PhaseCancelled
	txn.CancelCode = code
	txn.CancelReason = reason
	txn.scrub()
	saveErr := h.store.SaveTransaction(ctx, *txn)
	h.stopTimer(txn.TransactionID)
	h.notifyPhase(txn)
	h.callbacks.VerificationCancelled(ctx, txn.TransactionID, code, reason)
	h.getCompletion(txn.TransactionID).resolve(&CancelledError{Code: code, Reason: reason})
	h.scheduleCleanup(txn.TransactionID)
	return errors.Join(sendErr, saveErr)
}

// markDone moves the transaction to the done phase, records trust in the
// key store and deletes the transaction from the store. The caller must
// hold the transaction lock.
func (h *Helper) markDone(ctx context.Context, txn *Transaction) error {
	log := h.getLog(ctx)
	var err error
	if txn.selfVerification(h.ownUserID) {
		if err = h.keyStore.TrustDevice(ctx, txn.TheirUserID, txn.TheirDeviceID); err != nil {
			return h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to record device trust: %s", err))
		}
	} else {
		if err = h.keyStore.TrustMasterKey(ctx, txn.TheirUserID); err != nil {
			return h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to record master key trust: %s", err))
		}
	}
	txn.Phase = PhaseDone
	txn.scrub()
	h.stopTimer(txn.TransactionID)
	if err = h.store.DeleteTransaction(ctx, txn.TransactionID); err != nil {
		log.Warn().Err(err).Msg("Failed to delete completed transaction")
	}
	h.notifyPhase(txn)
	h.callbacks.VerificationDone(ctx, txn.TransactionID, txn.ChosenMethod)
	h.getCompletion(txn.TransactionID).resolve(nil)
	h.scheduleCleanup(txn.TransactionID)
	log.Info().
		Stringer("transaction_id", txn.TransactionID).
		Str("method", string(txn.ChosenMethod)).
		Msg("Verification done")
	return nil
}

// sendDoneAndMaybeFinish sends our done event and finishes the transaction
// if the other side's done has already arrived.
func (h *Helper) sendDoneAndMaybeFinish(ctx context.Context, txn *Transaction) error {
	if !txn.SentOurDone {
		err := h.sendVerificationEvent(ctx, *txn, event.ToDeviceVerificationDone, &event.VerificationDoneEventContent{})
		if err != nil {
			return h.cancelTransaction(ctx, txn, event.VerificationCancelCodeInternalError,
				fmt.Sprintf("failed to send done event: %s", err))
		}
		txn.SentOurDone = true
	}
	if txn.ReceivedTheirDone {
		return h.markDone(ctx, txn)
	}
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))
	h.armTimer(txn.TransactionID, h.StepTimeout)
	return h.store.SaveTransaction(ctx, *txn)
}

// HandleEvent routes an incoming verification event (to-device or in-room)
// into the transaction state machine. It must be called for every event of a
// verification type, and for in-room verifications also for m.room.message
// events with msgtype m.key.verification.request.
func (h *Helper) HandleEvent(ctx context.Context, evt *event.Event) {
	log := h.getLog(ctx).With().
		Str("verification_action", "handle event").
		Str("event_type", evt.Type.Repr()).
		Stringer("sender", evt.Sender).
		Logger()
	ctx = log.WithContext(ctx)

	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			log.Warn().Err(err).Msg("Failed to parse content of verification event")
			return
		}
	}

	if h.isOwnEcho(evt) {
		log.Debug().Stringer("event_id", evt.ID).Msg("Ignoring echo of our own event")
		return
	}

	if content, ok := evt.Content.Parsed.(*event.MessageEventContent); ok {
		if content.MsgType != event.MsgVerificationRequest || content.To != h.ownUserID {
			return
		}
		h.onRequest(ctx, evt, event.VerificationRequestEventContentFromMessage(evt))
		return
	}

	var txnID id.VerificationTransactionID
	if content, ok := evt.Content.Parsed.(event.VerificationTransactionable); ok {
		txnID = content.GetTransactionID()
	}
	if txnID == "" {
		if content, ok := evt.Content.Parsed.(event.Relatable); ok {
			if rel := content.GetRelatesTo(); rel != nil && rel.Type == event.RelReference {
				txnID = id.VerificationTransactionID(rel.EventID)
			}
		}
	}
	if txnID == "" {
		log.Warn().Msg("Ignoring verification event without a transaction reference")
		return
	}
	log = log.With().Stringer("transaction_id", txnID).Logger()
	ctx = log.WithContext(ctx)

	if content, ok := evt.Content.Parsed.(*event.VerificationRequestEventContent); ok {
		h.onRequest(ctx, evt, content)
		return
	}

	unlock := h.lockTransaction(txnID)
	defer unlock()

	txn, err := h.store.GetTransaction(ctx, txnID)
	if errors.Is(err, ErrUnknownVerificationTransaction) {
		h.cancelUnknownTransaction(ctx, evt, txnID)
		return
	} else if err != nil {
		log.Err(err).Msg("Failed to load transaction")
		return
	}
	if txn.Phase.Terminal() {
		// Late events on finished transactions are ignored.
		log.Debug().Stringer("phase", txn.Phase).Msg("Ignoring event on terminal transaction")
		return
	}
	if evt.Sender != txn.TheirUserID {
		h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeUserMismatch,
			"the user ID of the event does not match the transaction")
		return
	}
	if txn.Expired(time.Now()) {
		h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeTimeout, "verification timed out")
		return
	}

	switch content := evt.Content.Parsed.(type) {
	case *event.VerificationReadyEventContent:
		h.onReady(ctx, &txn, content)
	case *event.VerificationStartEventContent:
		h.onStart(ctx, &txn, content)
	case *event.VerificationAcceptEventContent:
		h.onAccept(ctx, &txn, content)
	case *event.VerificationKeyEventContent:
		h.onKey(ctx, &txn, content)
	case *event.VerificationMacEventContent:
		h.onMAC(ctx, &txn, content)
	case *event.VerificationDoneEventContent:
		h.onDone(ctx, &txn)
	case *event.VerificationCancelEventContent:
		h.onCancel(ctx, &txn, content)
	default:
		h.cancelTransaction(ctx, &txn, event.VerificationCancelCodeInvalidMessage,
			fmt.Sprintf("unexpected event type %s", evt.Type.Repr()))
	}
}

// isOwnEcho reports whether the event is an echo of an event this helper
// sent. A sync loop hands the device's own in-room events back to it; those
// must not feed the state machine. Events that carry a from_device are
// matched on it, the rest on the event IDs recorded when sending.
func (h *Helper) isOwnEcho(evt *event.Event) bool {
	if evt.Sender != h.ownUserID {
		return false
	}
	if fromDevice := extractFromDevice(evt); fromDevice != "" && fromDevice == h.ownDeviceID {
		return true
	}
	if content, ok := evt.Content.Parsed.(*event.MessageEventContent); ok && content.FromDevice == h.ownDeviceID {
		return true
	}
	if evt.ID == "" {
		return false
	}
	h.sentEventsLock.Lock()
	defer h.sentEventsLock.Unlock()
	_, ok := h.sentEventIDs[evt.ID]
	return ok
}

// recordSentEvent remembers the ID of an in-room event we sent so that its
// echo can be told apart from the other side's events.
func (h *Helper) recordSentEvent(txnID id.VerificationTransactionID, eventID id.EventID) {
	if eventID == "" {
		return
	}
	h.sentEventsLock.Lock()
	h.sentEventIDs[eventID] = txnID
	h.sentEventsLock.Unlock()
}

// cancelUnknownTransaction sends a cancellation for a transaction we have no
// record of, unless the incoming event is itself a cancellation.
func (h *Helper) cancelUnknownTransaction(ctx context.Context, evt *event.Event, txnID id.VerificationTransactionID) {
	if _, isCancel := evt.Content.Parsed.(*event.VerificationCancelEventContent); isCancel {
		return
	}
	h.getLog(ctx).Warn().Msg("Cancelling event for unknown transaction")
	fromDevice := extractFromDevice(evt)
	txn := Transaction{
		TransactionID: txnID,
		RoomID:        evt.RoomID,
		TheirUserID:   evt.Sender,
		TheirDeviceID: fromDevice,
	}
	err := h.sendVerificationEvent(ctx, txn, event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
		Code:   event.VerificationCancelCodeUnknownTransaction,
		Reason: "the transaction ID is not known",
	})
	if err != nil {
		h.getLog(ctx).Warn().Err(err).Msg("Failed to send cancellation for unknown transaction")
	}
}

func (h *Helper) onRequest(ctx context.Context, evt *event.Event, content *event.VerificationRequestEventContent) {
	log := h.getLog(ctx)
	txnID := content.TransactionID
	if txnID == "" {
		txnID = id.VerificationTransactionID(evt.ID)
	}
	if content.FromDevice == "" {
		log.Warn().Msg("Ignoring verification request without from_device")
		return
	}
	if evt.Sender == h.ownUserID && content.FromDevice == h.ownDeviceID {
		return
	}

	unlock := h.lockTransaction(txnID)
	defer unlock()
	if _, err := h.store.GetTransaction(ctx, txnID); err == nil {
		log.Warn().Stringer("transaction_id", txnID).Msg("Ignoring duplicate verification request")
		return
	}
	txn := Transaction{
		TransactionID:         txnID,
		RoomID:                evt.RoomID,
		Phase:                 PhaseRequested,
		ExpirationTime:        jsontime.UM(time.Now().Add(h.RequestTimeout)),
		TheirUserID:           evt.Sender,
		TheirDeviceID:         content.FromDevice,
		TheirSupportedMethods: content.Methods,
	}
	if err := h.store.SaveTransaction(ctx, txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
		return
	}
	h.armTimer(txnID, h.RequestTimeout)
	h.notifyPhase(&txn)
	h.callbacks.VerificationRequested(ctx, txnID, evt.Sender, content.FromDevice)
}

func (h *Helper) onReady(ctx context.Context, txn *Transaction, content *event.VerificationReadyEventContent) {
	log := h.getLog(ctx)
	if txn.Phase != PhaseRequested || !txn.InitiatedByUs {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			fmt.Sprintf("unexpected ready event in phase %s", txn.Phase))
		return
	}
	if txn.TheirDeviceID != "" && txn.TheirDeviceID != content.FromDevice {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUserMismatch,
			"ready event is from a different device than the request was sent to")
		return
	}
	txn.TheirDeviceID = content.FromDevice
	txn.TheirSupportedMethods = content.Methods
	txn.Phase = PhaseReady
	txn.ExpirationTime = jsontime.UM(time.Now().Add(h.StepTimeout))

	// Cancel the request on all the devices that didn't answer.
	var otherDeviceIDs []id.DeviceID
	for _, deviceID := range txn.SentToDeviceIDs {
		if deviceID != content.FromDevice {
			otherDeviceIDs = append(otherDeviceIDs, deviceID)
		}
	}
	txn.SentToDeviceIDs = nil
	if len(otherDeviceIDs) > 0 {
		cancelTxn := *txn
		cancelTxn.TheirDeviceID = ""
		cancelTxn.SentToDeviceIDs = otherDeviceIDs
		err := h.sendVerificationEvent(ctx, cancelTxn, event.ToDeviceVerificationCancel, &event.VerificationCancelEventContent{
			Code:   event.VerificationCancelCodeAccepted,
			Reason: "the request was accepted on another device",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to cancel request on other devices")
		}
	}

	if err := h.becomeReady(ctx, txn); err != nil {
		log.Err(err).Msg("Failed to finish ready transition")
		return
	}
	h.armTimer(txn.TransactionID, h.StepTimeout)
}

func (h *Helper) onStart(ctx context.Context, txn *Transaction, content *event.VerificationStartEventContent) {
	switch content.Method {
	case event.VerificationMethodSAS:
		h.onStartSAS(ctx, txn, content)
	case event.VerificationMethodReciprocate:
		h.onStartReciprocate(ctx, txn, content)
	default:
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnknownMethod,
			fmt.Sprintf("unknown verification method %s", content.Method))
	}
}

func (h *Helper) onDone(ctx context.Context, txn *Transaction) {
	if txn.Phase != PhaseStarted {
		h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
			fmt.Sprintf("unexpected done event in phase %s", txn.Phase))
		return
	}
	log := h.getLog(ctx)
	txn.ReceivedTheirDone = true
	switch txn.ChosenMethod {
	case event.VerificationMethodSAS:
		if txn.SAS == nil || txn.SAS.Step != SASStepMACExchanged {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
				"done event received before the handshake finished")
			return
		}
	case event.VerificationMethodReciprocate:
		if txn.QR == nil {
			h.cancelTransaction(ctx, txn, event.VerificationCancelCodeUnexpectedMessage,
				"done event received before the handshake started")
			return
		}
		if txn.QR.ReceivedDoneConfirmsScan && !txn.QR.TheirQRScanned {
			txn.QR.TheirQRScanned = true
		}
	}
	if txn.SentOurDone {
		if err := h.markDone(ctx, txn); err != nil {
			log.Err(err).Msg("Failed to finish transaction")
		}
		return
	}
	if err := h.store.SaveTransaction(ctx, *txn); err != nil {
		log.Err(err).Msg("Failed to save transaction")
	}
}

func (h *Helper) onCancel(ctx context.Context, txn *Transaction, content *event.VerificationCancelEventContent) {
	h.getLog(ctx).Info().
		Str("cancel_code", string(content.Code)).
		Str("reason", content.Reason).
		Msg("Verification cancelled by the other side")
	txn.Phase = PhaseCancelled
	txn.CancelCode = content.Code
	txn.CancelReason = content.Reason
	txn.scrub()
	h.stopTimer(txn.TransactionID)
	if err := h.store.SaveTransaction(ctx, *txn); err != nil {
		h.getLog(ctx).Err(err).Msg("Failed to save cancelled transaction")
	}
	h.notifyPhase(txn)
	h.callbacks.VerificationCancelled(ctx, txn.TransactionID, content.Code, content.Reason)
	h.getCompletion(txn.TransactionID).resolve(&CancelledError{Code: content.Code, Reason: content.Reason})
	h.scheduleCleanup(txn.TransactionID)
}
