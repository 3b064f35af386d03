// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify_test

import (
	"context"
	"sync"

	"go.mau.fi/keyverify"
	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

type baseVerificationCallbacks struct {
	lock sync.Mutex

	verificationsRequested   map[id.UserID][]id.VerificationTransactionID
	scanQRCodeTransactions   []id.VerificationTransactionID
	verificationsReady       []id.VerificationTransactionID
	qrCodesShown             map[id.VerificationTransactionID]*keyverify.QRCode
	qrCodesScanned           map[id.VerificationTransactionID]struct{}
	doneTransactions         map[id.VerificationTransactionID]event.VerificationMethod
	verificationCancellation map[id.VerificationTransactionID]*event.VerificationCancelEventContent
	emojisShown              map[id.VerificationTransactionID][]rune
	emojiDescriptionsShown   map[id.VerificationTransactionID][]string
	decimalsShown            map[id.VerificationTransactionID][]int
}

var _ keyverify.RequiredCallbacks = (*baseVerificationCallbacks)(nil)

func newBaseVerificationCallbacks() *baseVerificationCallbacks {
	return &baseVerificationCallbacks{
		verificationsRequested:   map[id.UserID][]id.VerificationTransactionID{},
		qrCodesShown:             map[id.VerificationTransactionID]*keyverify.QRCode{},
		qrCodesScanned:           map[id.VerificationTransactionID]struct{}{},
		doneTransactions:         map[id.VerificationTransactionID]event.VerificationMethod{},
		verificationCancellation: map[id.VerificationTransactionID]*event.VerificationCancelEventContent{},
		emojisShown:              map[id.VerificationTransactionID][]rune{},
		emojiDescriptionsShown:   map[id.VerificationTransactionID][]string{},
		decimalsShown:            map[id.VerificationTransactionID][]int{},
	}
}

func (c *baseVerificationCallbacks) GetRequestedVerifications() map[id.UserID][]id.VerificationTransactionID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.verificationsRequested
}

func (c *baseVerificationCallbacks) GetScanQRCodeTransactions() []id.VerificationTransactionID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.scanQRCodeTransactions
}

func (c *baseVerificationCallbacks) GetVerificationsReadyTransactions() []id.VerificationTransactionID {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.verificationsReady
}

func (c *baseVerificationCallbacks) GetQRCodeShown(txnID id.VerificationTransactionID) *keyverify.QRCode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.qrCodesShown[txnID]
}

func (c *baseVerificationCallbacks) WasOurQRCodeScanned(txnID id.VerificationTransactionID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.qrCodesScanned[txnID]
	return ok
}

func (c *baseVerificationCallbacks) IsVerificationDone(txnID id.VerificationTransactionID) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	_, ok := c.doneTransactions[txnID]
	return ok
}

func (c *baseVerificationCallbacks) GetDoneMethod(txnID id.VerificationTransactionID) event.VerificationMethod {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.doneTransactions[txnID]
}

func (c *baseVerificationCallbacks) GetVerificationCancellation(txnID id.VerificationTransactionID) *event.VerificationCancelEventContent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.verificationCancellation[txnID]
}

func (c *baseVerificationCallbacks) GetEmojisAndDescriptionsShown(txnID id.VerificationTransactionID) ([]rune, []string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.emojisShown[txnID], c.emojiDescriptionsShown[txnID]
}

func (c *baseVerificationCallbacks) GetDecimalsShown(txnID id.VerificationTransactionID) []int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.decimalsShown[txnID]
}

func (c *baseVerificationCallbacks) VerificationRequested(ctx context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.verificationsRequested[from] = append(c.verificationsRequested[from], txnID)
}

func (c *baseVerificationCallbacks) VerificationReady(ctx context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID, supportsSAS, supportsScanQRCode bool, qrCode *keyverify.QRCode) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.verificationsReady = append(c.verificationsReady, txnID)
	if supportsScanQRCode {
		c.scanQRCodeTransactions = append(c.scanQRCodeTransactions, txnID)
	}
	if qrCode != nil {
		c.qrCodesShown[txnID] = qrCode
	}
}

func (c *baseVerificationCallbacks) VerificationCancelled(ctx context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.verificationCancellation[txnID] = &event.VerificationCancelEventContent{
		Code:   code,
		Reason: reason,
	}
}

func (c *baseVerificationCallbacks) VerificationDone(ctx context.Context, txnID id.VerificationTransactionID, method event.VerificationMethod) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.doneTransactions[txnID] = method
}

type sasVerificationCallbacks struct {
	*baseVerificationCallbacks
}

var _ keyverify.ShowSASCallbacks = (*sasVerificationCallbacks)(nil)

func newSASVerificationCallbacks() *sasVerificationCallbacks {
	return &sasVerificationCallbacks{newBaseVerificationCallbacks()}
}

func newSASVerificationCallbacksWithBase(base *baseVerificationCallbacks) *sasVerificationCallbacks {
	return &sasVerificationCallbacks{base}
}

func (c *sasVerificationCallbacks) ShowSAS(ctx context.Context, txnID id.VerificationTransactionID, emojis []rune, emojiDescriptions []string, decimals []int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.emojisShown[txnID] = emojis
	c.emojiDescriptionsShown[txnID] = emojiDescriptions
	c.decimalsShown[txnID] = decimals
}

type showQRCodeVerificationCallbacks struct {
	*baseVerificationCallbacks
}

var _ keyverify.ShowQRCodeCallbacks = (*showQRCodeVerificationCallbacks)(nil)

func newShowQRCodeVerificationCallbacks() *showQRCodeVerificationCallbacks {
	return &showQRCodeVerificationCallbacks{newBaseVerificationCallbacks()}
}

func newShowQRCodeVerificationCallbacksWithBase(base *baseVerificationCallbacks) *showQRCodeVerificationCallbacks {
	return &showQRCodeVerificationCallbacks{base}
}

func (c *showQRCodeVerificationCallbacks) QRCodeScanned(ctx context.Context, txnID id.VerificationTransactionID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.qrCodesScanned[txnID] = struct{}{}
}

type allVerificationCallbacks struct {
	*baseVerificationCallbacks
	*sasVerificationCallbacks
	*showQRCodeVerificationCallbacks
}

func newAllVerificationCallbacks() *allVerificationCallbacks {
	base := newBaseVerificationCallbacks()
	return &allVerificationCallbacks{
		base,
		newSASVerificationCallbacksWithBase(base),
		newShowQRCodeVerificationCallbacksWithBase(base),
	}
}
