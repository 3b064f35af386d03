// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyverify_test

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"go.mau.fi/keyverify"
	"go.mau.fi/keyverify/event"
	"go.mau.fi/keyverify/id"
)

var aliceUserID = id.UserID("@alice:example.org")
var bobUserID = id.UserID("@bob:example.org")
var sendingDeviceID = id.DeviceID("sending")
var receivingDeviceID = id.DeviceID("receiving")

var testLog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger().Level(zerolog.WarnLevel)

type queuedEvent struct {
	target *keyverify.Helper
	evt    *event.Event
}

type sentEvent struct {
	sender        id.UserID
	senderDevice  id.DeviceID
	targetUser    id.UserID
	targetDevices []id.DeviceID
	evtType       event.Type
	content       json.RawMessage
}

// testNetwork connects helpers with a queue instead of delivering events
// synchronously: a synchronous delivery would re-enter the sending helper's
// transaction lock when the receiving side answers. Tests call pump after
// every action to drain the queue in order.
type testNetwork struct {
	lock        sync.Mutex
	queue       []queuedEvent
	sent        []sentEvent
	helpers     map[id.UserID]map[id.DeviceID]*keyverify.Helper
	nextEventID int
	// tamper, when set, rewrites outgoing to-device event content before
	// delivery to simulate an attacker on the wire.
	tamper func(senderDevice id.DeviceID, evtType event.Type, content json.RawMessage) json.RawMessage
}

func newTestNetwork() *testNetwork {
	return &testNetwork{helpers: map[id.UserID]map[id.DeviceID]*keyverify.Helper{}}
}

func (net *testNetwork) register(userID id.UserID, deviceID id.DeviceID, helper *keyverify.Helper) {
	net.lock.Lock()
	defer net.lock.Unlock()
	if net.helpers[userID] == nil {
		net.helpers[userID] = map[id.DeviceID]*keyverify.Helper{}
	}
	net.helpers[userID][deviceID] = helper
}

func (net *testNetwork) pump(ctx context.Context) {
	for {
		net.lock.Lock()
		if len(net.queue) == 0 {
			net.lock.Unlock()
			return
		}
		next := net.queue[0]
		net.queue = net.queue[1:]
		net.lock.Unlock()
		next.target.HandleEvent(ctx, next.evt)
	}
}

func (net *testNetwork) sentEvents() []sentEvent {
	net.lock.Lock()
	defer net.lock.Unlock()
	return append([]sentEvent(nil), net.sent...)
}

type testTransport struct {
	net      *testNetwork
	userID   id.UserID
	deviceID id.DeviceID
}

var _ keyverify.Transport = (*testTransport)(nil)

func (tp *testTransport) SendToDevices(_ context.Context, userID id.UserID, deviceIDs []id.DeviceID, evtType event.Type, content json.RawMessage) error {
	tp.net.lock.Lock()
	defer tp.net.lock.Unlock()
	if tp.net.tamper != nil {
		content = tp.net.tamper(tp.deviceID, evtType, content)
	}
	tp.net.sent = append(tp.net.sent, sentEvent{
		sender:        tp.userID,
		senderDevice:  tp.deviceID,
		targetUser:    userID,
		targetDevices: deviceIDs,
		evtType:       evtType,
		content:       content,
	})
	for _, deviceID := range deviceIDs {
		target := tp.net.helpers[userID][deviceID]
		if target == nil {
			continue
		}
		tp.net.queue = append(tp.net.queue, queuedEvent{target, &event.Event{
			Type:    evtType,
			Sender:  tp.userID,
			Content: event.Content{VeryRaw: content},
		}})
	}
	return nil
}

func (tp *testTransport) SendInRoom(_ context.Context, roomID id.RoomID, evtType event.Type, content json.RawMessage) (id.EventID, error) {
	tp.net.lock.Lock()
	defer tp.net.lock.Unlock()
	tp.net.nextEventID++
	eventID := id.EventID(fmt.Sprintf("$event-%d", tp.net.nextEventID))
	tp.net.sent = append(tp.net.sent, sentEvent{
		sender:       tp.userID,
		senderDevice: tp.deviceID,
		evtType:      evtType,
		content:      content,
	})
	// A real sync loop hands the device's own room events back to it, so
	// in-room events are delivered to the sender as well.
	for _, devices := range tp.net.helpers {
		for _, target := range devices {
			tp.net.queue = append(tp.net.queue, queuedEvent{target, &event.Event{
				Type:    evtType,
				ID:      eventID,
				Sender:  tp.userID,
				RoomID:  roomID,
				Content: event.Content{VeryRaw: content},
			}})
		}
	}
	return eventID, nil
}

func makeSigningKey(t *testing.T) id.Ed25519 {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return id.Ed25519FromBytes(pub)
}

func makeDevice(t *testing.T, userID id.UserID, deviceID id.DeviceID) *keyverify.Device {
	t.Helper()
	return &keyverify.Device{UserID: userID, DeviceID: deviceID, SigningKey: makeSigningKey(t)}
}

func copyDevice(device *keyverify.Device) *keyverify.Device {
	clone := *device
	return &clone
}

type testEndpoint struct {
	helper   *keyverify.Helper
	keyStore *keyverify.InMemoryKeyStore
	store    *keyverify.InMemoryStore
}

func newTestEndpoint(t *testing.T, net *testNetwork, device *keyverify.Device, keyStore *keyverify.InMemoryKeyStore, callbacks any, supportsScan bool) *testEndpoint {
	t.Helper()
	store := keyverify.NewInMemoryStore()
	transport := &testTransport{net: net, userID: device.UserID, deviceID: device.DeviceID}
	helper, err := keyverify.NewHelper(testLog, device.UserID, device.DeviceID, transport, keyStore, store, callbacks, supportsScan)
	require.NoError(t, err)
	net.register(device.UserID, device.DeviceID, helper)
	return &testEndpoint{helper: helper, keyStore: keyStore, store: store}
}

// initTwoAliceDevices sets up two devices of the same user that know each
// other's keys and share a cross-signing master key.
func initTwoAliceDevices(t *testing.T, net *testNetwork, sendingCallbacks, receivingCallbacks any, sendingScan, receivingScan bool) (sending, receiving *testEndpoint) {
	t.Helper()
	masterKey := makeSigningKey(t)
	crossSigningKeys := &keyverify.CrossSigningKeys{MasterKey: masterKey}
	sendingDevice := makeDevice(t, aliceUserID, sendingDeviceID)
	receivingDevice := makeDevice(t, aliceUserID, receivingDeviceID)

	sendingKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(sendingDevice))
	sendingKeyStore.AddDevice(copyDevice(receivingDevice))
	sendingKeyStore.SetCrossSigningKeys(aliceUserID, crossSigningKeys)
	receivingKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(receivingDevice))
	receivingKeyStore.AddDevice(copyDevice(sendingDevice))
	receivingKeyStore.SetCrossSigningKeys(aliceUserID, crossSigningKeys)

	sending = newTestEndpoint(t, net, sendingDevice, sendingKeyStore, sendingCallbacks, sendingScan)
	receiving = newTestEndpoint(t, net, receivingDevice, receivingKeyStore, receivingCallbacks, receivingScan)
	return
}

// initAliceAndBob sets up devices of two different users that know each
// other's device and cross-signing keys.
func initAliceAndBob(t *testing.T, net *testNetwork, aliceCallbacks, bobCallbacks any) (alice, bob *testEndpoint) {
	t.Helper()
	aliceDevice := makeDevice(t, aliceUserID, sendingDeviceID)
	bobDevice := makeDevice(t, bobUserID, receivingDeviceID)
	aliceCrossSigning := &keyverify.CrossSigningKeys{MasterKey: makeSigningKey(t)}
	bobCrossSigning := &keyverify.CrossSigningKeys{MasterKey: makeSigningKey(t)}

	aliceKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(aliceDevice))
	aliceKeyStore.AddDevice(copyDevice(bobDevice))
	aliceKeyStore.SetCrossSigningKeys(aliceUserID, aliceCrossSigning)
	aliceKeyStore.SetCrossSigningKeys(bobUserID, bobCrossSigning)
	bobKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(bobDevice))
	bobKeyStore.AddDevice(copyDevice(aliceDevice))
	bobKeyStore.SetCrossSigningKeys(bobUserID, bobCrossSigning)
	bobKeyStore.SetCrossSigningKeys(aliceUserID, aliceCrossSigning)

	alice = newTestEndpoint(t, net, aliceDevice, aliceKeyStore, aliceCallbacks, false)
	bob = newTestEndpoint(t, net, bobDevice, bobKeyStore, bobCallbacks, false)
	return
}

func waitForCompletion(t *testing.T, ctx context.Context, endpoint *testEndpoint, txnID id.VerificationTransactionID) error {
	t.Helper()
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return endpoint.helper.WaitForCompletion(waitCtx, txnID)
}

func TestVerification_SASFlow(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.Equal(t, []id.VerificationTransactionID{txnID}, receivingCallbacks.GetRequestedVerifications()[aliceUserID])

	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	assert.Equal(t, []id.VerificationTransactionID{txnID}, sendingCallbacks.GetVerificationsReadyTransactions())
	assert.Equal(t, []id.VerificationTransactionID{txnID}, receivingCallbacks.GetVerificationsReadyTransactions())

	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	sendingEmojis, sendingDescriptions := sendingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	receivingEmojis, receivingDescriptions := receivingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	require.Len(t, sendingEmojis, 7)
	assert.Equal(t, sendingEmojis, receivingEmojis)
	assert.Equal(t, sendingDescriptions, receivingDescriptions)
	sendingDecimals := sendingCallbacks.GetDecimalsShown(txnID)
	require.Len(t, sendingDecimals, 3)
	assert.Equal(t, sendingDecimals, receivingCallbacks.GetDecimalsShown(txnID))

	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, waitForCompletion(t, ctx, sending, txnID))
	require.NoError(t, waitForCompletion(t, ctx, receiving, txnID))
	assert.Equal(t, event.VerificationMethodSAS, sendingCallbacks.GetDoneMethod(txnID))
	assert.Equal(t, event.VerificationMethodSAS, receivingCallbacks.GetDoneMethod(txnID))

	// Verifying between two devices of the same user records device trust.
	device, err := sending.keyStore.GetDevice(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	assert.True(t, device.Trusted)
	device, err = receiving.keyStore.GetDevice(ctx, aliceUserID, sendingDeviceID)
	require.NoError(t, err)
	assert.True(t, device.Trusted)

	// Completed transactions are removed from the store.
	_, err = sending.store.GetTransaction(ctx, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUnknownVerificationTransaction)
	_, err = receiving.store.GetTransaction(ctx, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUnknownVerificationTransaction)
}

func TestVerification_SASFlowInRoom(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	aliceCallbacks := newSASVerificationCallbacks()
	bobCallbacks := newSASVerificationCallbacks()
	alice, bob := initAliceAndBob(t, net, aliceCallbacks, bobCallbacks)
	roomID := id.RoomID("!room:example.org")

	txnID, err := alice.helper.RequestInRoom(ctx, roomID, bobUserID)
	require.NoError(t, err)
	net.pump(ctx)
	require.Equal(t, []id.VerificationTransactionID{txnID}, bobCallbacks.GetRequestedVerifications()[aliceUserID])

	require.NoError(t, bob.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, alice.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	aliceEmojis, _ := aliceCallbacks.GetEmojisAndDescriptionsShown(txnID)
	bobEmojis, _ := bobCallbacks.GetEmojisAndDescriptionsShown(txnID)
	require.Len(t, aliceEmojis, 7)
	assert.Equal(t, aliceEmojis, bobEmojis)

	require.NoError(t, bob.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, alice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, waitForCompletion(t, ctx, alice, txnID))
	require.NoError(t, waitForCompletion(t, ctx, bob, txnID))

	// Verifying another user records trust in their master key.
	trusted, err := alice.keyStore.IsMasterKeyTrusted(ctx, bobUserID)
	require.NoError(t, err)
	assert.True(t, trusted)
	trusted, err = bob.keyStore.IsMasterKeyTrusted(ctx, aliceUserID)
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestVerification_SimultaneousStart(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	// Both sides send a start event before seeing the other's. The handshake
	// continues with the start event from the lexicographically smaller
	// device and the other one is dropped.
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	require.NoError(t, receiving.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	sendingEmojis, _ := sendingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	receivingEmojis, _ := receivingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	require.Len(t, sendingEmojis, 7)
	assert.Equal(t, sendingEmojis, receivingEmojis)

	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, waitForCompletion(t, ctx, sending, txnID))
	require.NoError(t, waitForCompletion(t, ctx, receiving, txnID))
}

func TestVerification_QRScan(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newAllVerificationCallbacks()
	receivingCallbacks := newAllVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, true, false)
	// The receiving device already trusts the master key, so its QR code
	// transfers that trust to the scanning device.
	require.NoError(t, receiving.keyStore.TrustMasterKey(ctx, aliceUserID))

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	assert.Equal(t, []id.VerificationTransactionID{txnID}, sendingCallbacks.GetScanQRCodeTransactions())
	qrCode := receivingCallbacks.GetQRCodeShown(txnID)
	require.NotNil(t, qrCode)
	assert.Equal(t, keyverify.QRCodeModeSelfVerifyingMasterKeyTrusted, qrCode.Mode)
	assert.Nil(t, sendingCallbacks.GetQRCodeShown(txnID))

	require.NoError(t, sending.helper.HandleScannedQRData(ctx, qrCode.Bytes()))
	net.pump(ctx)

	// Scanning a trusted-master QR code trusts the master key immediately.
	trusted, err := sending.keyStore.IsMasterKeyTrusted(ctx, aliceUserID)
	require.NoError(t, err)
	assert.True(t, trusted)

	require.True(t, receivingCallbacks.WasOurQRCodeScanned(txnID))
	require.NoError(t, receiving.helper.ConfirmQRCodeScanned(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, waitForCompletion(t, ctx, sending, txnID))
	require.NoError(t, waitForCompletion(t, ctx, receiving, txnID))
	assert.Equal(t, event.VerificationMethodReciprocate, sendingCallbacks.GetDoneMethod(txnID))
	assert.Equal(t, event.VerificationMethodReciprocate, receivingCallbacks.GetDoneMethod(txnID))

	device, err := receiving.keyStore.GetDevice(ctx, aliceUserID, sendingDeviceID)
	require.NoError(t, err)
	assert.True(t, device.Trusted)
}

func TestVerification_Cancel(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, receiving.helper.Cancel(ctx, txnID, "changed my mind"))
	net.pump(ctx)

	cancellation := sendingCallbacks.GetVerificationCancellation(txnID)
	require.NotNil(t, cancellation)
	assert.Equal(t, event.VerificationCancelCodeUser, cancellation.Code)
	assert.Equal(t, "changed my mind", cancellation.Reason)

	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)
	err = waitForCompletion(t, ctx, receiving, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)

	// Cancelling an already-terminal transaction is rejected.
	err = sending.helper.Cancel(ctx, txnID, "again")
	assert.ErrorIs(t, err, keyverify.ErrInvalidState)
}

func TestVerification_UnknownTransaction(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	_, receiving := initTwoAliceDevices(t, net, newSASVerificationCallbacks(), newSASVerificationCallbacks(), false, false)

	receiving.helper.HandleEvent(ctx, &event.Event{
		Type:   event.ToDeviceVerificationStart,
		Sender: aliceUserID,
		Content: event.Content{Parsed: &event.VerificationStartEventContent{
			ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "unknown-txn"},
			FromDevice:                sendingDeviceID,
			Method:                    event.VerificationMethodSAS,
		}},
	})

	sent := net.sentEvents()
	require.Len(t, sent, 1)
	assert.Equal(t, event.ToDeviceVerificationCancel, sent[0].evtType)
	assert.Equal(t, aliceUserID, sent[0].targetUser)
	assert.Equal(t, []id.DeviceID{sendingDeviceID}, sent[0].targetDevices)
	var cancelContent event.VerificationCancelEventContent
	require.NoError(t, json.Unmarshal(sent[0].content, &cancelContent))
	assert.Equal(t, event.VerificationCancelCodeUnknownTransaction, cancelContent.Code)
	assert.Equal(t, id.VerificationTransactionID("unknown-txn"), cancelContent.TransactionID)
}

func TestVerification_IncomingCancelForUnknownTransaction(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	_, receiving := initTwoAliceDevices(t, net, newSASVerificationCallbacks(), newSASVerificationCallbacks(), false, false)

	// A cancellation for an unknown transaction must not be answered with
	// another cancellation, otherwise two devices would loop forever.
	receiving.helper.HandleEvent(ctx, &event.Event{
		Type:   event.ToDeviceVerificationCancel,
		Sender: aliceUserID,
		Content: event.Content{Parsed: &event.VerificationCancelEventContent{
			ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "unknown-txn"},
			Code:                      event.VerificationCancelCodeUser,
			Reason:                    "no",
		}},
	})
	assert.Empty(t, net.sentEvents())
}

func TestVerification_RequestTimeout(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	sending, _ := initTwoAliceDevices(t, net, sendingCallbacks, newSASVerificationCallbacks(), false, false)
	sending.helper.RequestTimeout = 20 * time.Millisecond

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)

	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrTimeout)
	cancellation := sendingCallbacks.GetVerificationCancellation(txnID)
	require.NotNil(t, cancellation)
	assert.Equal(t, event.VerificationCancelCodeTimeout, cancellation.Code)
}

func TestVerification_AcceptedOnOtherDevice(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	receivingDeviceID2 := id.DeviceID("receiving2")

	masterKey := makeSigningKey(t)
	crossSigningKeys := &keyverify.CrossSigningKeys{MasterKey: masterKey}
	sendingDevice := makeDevice(t, aliceUserID, sendingDeviceID)
	receivingDevice := makeDevice(t, aliceUserID, receivingDeviceID)
	receivingDevice2 := makeDevice(t, aliceUserID, receivingDeviceID2)
	devices := []*keyverify.Device{sendingDevice, receivingDevice, receivingDevice2}

	endpoints := make([]*testEndpoint, len(devices))
	callbacks := make([]*sasVerificationCallbacks, len(devices))
	for i, device := range devices {
		keyStore := keyverify.NewInMemoryKeyStore(copyDevice(device))
		for _, other := range devices {
			if other != device {
				keyStore.AddDevice(copyDevice(other))
			}
		}
		keyStore.SetCrossSigningKeys(aliceUserID, crossSigningKeys)
		callbacks[i] = newSASVerificationCallbacks()
		endpoints[i] = newTestEndpoint(t, net, device, keyStore, callbacks[i], false)
	}
	sending, receiving, receiving2 := endpoints[0], endpoints[1], endpoints[2]

	// Broadcast the request to all of the user's other devices.
	txnID, err := sending.helper.Request(ctx, aliceUserID, "")
	require.NoError(t, err)
	net.pump(ctx)
	require.Equal(t, []id.VerificationTransactionID{txnID}, callbacks[1].GetRequestedVerifications()[aliceUserID])
	require.Equal(t, []id.VerificationTransactionID{txnID}, callbacks[2].GetRequestedVerifications()[aliceUserID])

	// The first device to answer wins, the rest get cancelled.
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	cancellation := callbacks[2].GetVerificationCancellation(txnID)
	require.NotNil(t, cancellation)
	assert.Equal(t, event.VerificationCancelCodeAccepted, cancellation.Code)
	err = waitForCompletion(t, ctx, receiving2, txnID)
	var cancelledErr *keyverify.CancelledError
	require.ErrorAs(t, err, &cancelledErr)
	assert.Equal(t, event.VerificationCancelCodeAccepted, cancelledErr.Code)

	// The winning pair can still finish the handshake.
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, waitForCompletion(t, ctx, sending, txnID))
	require.NoError(t, waitForCompletion(t, ctx, receiving, txnID))
}

func TestVerification_DuplicateRequest(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sending, _ := initTwoAliceDevices(t, net, newSASVerificationCallbacks(), newSASVerificationCallbacks(), false, false)

	_, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)

	// A second request for the same device is rejected while the first one is
	// still in flight.
	_, err = sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	assert.ErrorIs(t, err, keyverify.ErrInvalidState)
}

func TestVerification_StartMethodNegotiation(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	// The receiving device can only show QR codes, so there is no method that
	// the sending device can start directly.
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, newShowQRCodeVerificationCallbacks(), true, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	err = sending.helper.Start(ctx, txnID)
	assert.ErrorIs(t, err, keyverify.ErrMethodUnsupported)
	err = sending.helper.StartSAS(ctx, txnID)
	assert.ErrorIs(t, err, keyverify.ErrMethodUnsupported)
}

func TestVerification_StartPrefersSAS(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, sending.helper.Start(ctx, txnID))
	net.pump(ctx)
	emojis, _ := receivingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	assert.Len(t, emojis, 7)
}

func TestVerification_OwnEventEchoes(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	aliceCallbacks := newSASVerificationCallbacks()
	bobCallbacks := newSASVerificationCallbacks()
	alice, bob := initAliceAndBob(t, net, aliceCallbacks, bobCallbacks)
	roomID := id.RoomID("!echo:example.org")

	// The test network echoes every in-room event back to its sender, so the
	// whole flow runs with each helper seeing its own events again.
	txnID, err := alice.helper.RequestInRoom(ctx, roomID, bobUserID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, bob.helper.Accept(ctx, txnID))
	net.pump(ctx)

	// A replayed delivery of Bob's own ready event must be dropped silently
	// instead of cancelling the transaction.
	bob.helper.HandleEvent(ctx, &event.Event{
		Type:   event.InRoomVerificationReady,
		ID:     "$replayed-ready",
		Sender: bobUserID,
		RoomID: roomID,
		Content: event.Content{Parsed: &event.VerificationReadyEventContent{
			InRoomVerificationEvent: event.InRoomVerificationEvent{RelatesTo: &event.RelatesTo{
				Type:    event.RelReference,
				EventID: id.EventID(txnID),
			}},
			FromDevice: receivingDeviceID,
			Methods:    []event.VerificationMethod{event.VerificationMethodSAS},
		}},
	})
	require.Nil(t, bobCallbacks.GetVerificationCancellation(txnID))

	require.NoError(t, alice.helper.StartSAS(ctx, txnID))
	net.pump(ctx)
	aliceEmojis, _ := aliceCallbacks.GetEmojisAndDescriptionsShown(txnID)
	bobEmojis, _ := bobCallbacks.GetEmojisAndDescriptionsShown(txnID)
	require.Len(t, aliceEmojis, 7)
	assert.Equal(t, aliceEmojis, bobEmojis)

	require.NoError(t, alice.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, bob.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	require.NoError(t, waitForCompletion(t, ctx, alice, txnID))
	require.NoError(t, waitForCompletion(t, ctx, bob, txnID))
	assert.Nil(t, aliceCallbacks.GetVerificationCancellation(txnID))
	assert.Nil(t, bobCallbacks.GetVerificationCancellation(txnID))
}

func TestVerification_SASKeyMismatch(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()

	masterKey := makeSigningKey(t)
	crossSigningKeys := &keyverify.CrossSigningKeys{MasterKey: masterKey}
	sendingDevice := makeDevice(t, aliceUserID, sendingDeviceID)
	receivingDevice := makeDevice(t, aliceUserID, receivingDeviceID)

	sendingKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(sendingDevice))
	sendingKeyStore.AddDevice(copyDevice(receivingDevice))
	sendingKeyStore.SetCrossSigningKeys(aliceUserID, crossSigningKeys)
	// The receiving device holds a wrong copy of the sending device's signing
	// key, so the MAC of that key can never match.
	receivingKeyStore := keyverify.NewInMemoryKeyStore(copyDevice(receivingDevice))
	wrongSendingDevice := copyDevice(sendingDevice)
	wrongSendingDevice.SigningKey = makeSigningKey(t)
	receivingKeyStore.AddDevice(wrongSendingDevice)
	receivingKeyStore.SetCrossSigningKeys(aliceUserID, crossSigningKeys)

	sending := newTestEndpoint(t, net, sendingDevice, sendingKeyStore, sendingCallbacks, false)
	receiving := newTestEndpoint(t, net, receivingDevice, receivingKeyStore, receivingCallbacks, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)

	err = waitForCompletion(t, ctx, receiving, txnID)
	assert.ErrorIs(t, err, keyverify.ErrKeyMismatch)
	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrKeyMismatch)
	cancellation := receivingCallbacks.GetVerificationCancellation(txnID)
	require.NotNil(t, cancellation)
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, cancellation.Code)

	// A failed MAC check must never record trust on either side.
	device, err := receiving.keyStore.GetDevice(ctx, aliceUserID, sendingDeviceID)
	require.NoError(t, err)
	assert.False(t, device.Trusted)
	device, err = sending.keyStore.GetDevice(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	assert.False(t, device.Trusted)
}

func TestVerification_SASCommitmentMismatch(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	// Replace the ephemeral key the accepting side reveals. The commitment
	// from its accept event no longer covers the key, which the starting side
	// must detect.
	net.tamper = func(senderDevice id.DeviceID, evtType event.Type, content json.RawMessage) json.RawMessage {
		if senderDevice != receivingDeviceID || evtType != event.ToDeviceVerificationKey {
			return content
		}
		fakeKey, err := ecdh.X25519().GenerateKey(rand.Reader)
		require.NoError(t, err)
		tampered, err := sjson.SetBytes(content, "key", base64.RawStdEncoding.EncodeToString(fakeKey.PublicKey().Bytes()))
		require.NoError(t, err)
		return tampered
	}

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrKeyMismatch)
	var cancelledErr *keyverify.CancelledError
	require.ErrorAs(t, err, &cancelledErr)
	assert.Equal(t, event.VerificationCancelCodeMismatchedCommitment, cancelledErr.Code)
	err = waitForCompletion(t, ctx, receiving, txnID)
	assert.ErrorIs(t, err, keyverify.ErrKeyMismatch)

	// The starting side never shows a short authentication string for the
	// forged key.
	emojis, _ := sendingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	assert.Empty(t, emojis)
}

func TestVerification_CancelMidHandshake(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)

	emojis, _ := sendingCallbacks.GetEmojisAndDescriptionsShown(txnID)
	require.Len(t, emojis, 7)

	// One user confirmed, the other backs out before sending their MAC.
	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.Cancel(ctx, txnID, "the emoji did not match"))
	net.pump(ctx)

	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)
	err = waitForCompletion(t, ctx, receiving, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)

	err = receiving.helper.ConfirmSAS(ctx, txnID)
	assert.ErrorIs(t, err, keyverify.ErrInvalidState)
	device, err := sending.keyStore.GetDevice(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	assert.False(t, device.Trusted)
}

func TestVerification_WaitForCompletionUnknownTransaction(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sending, _ := initTwoAliceDevices(t, net, newSASVerificationCallbacks(), newSASVerificationCallbacks(), false, false)

	// Waiting on an unknown transaction fails up front instead of blocking
	// forever on a completion that can never resolve.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := sending.helper.WaitForCompletion(waitCtx, "never-existed")
	assert.ErrorIs(t, err, keyverify.ErrUnknownVerificationTransaction)
}

func TestVerification_LateWaiterAfterCancel(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, newSASVerificationCallbacks(), false, false)
	sending.helper.CompletionRetention = 10 * time.Millisecond
	receiving.helper.CompletionRetention = 10 * time.Millisecond

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.Cancel(ctx, txnID, "changed my mind"))
	net.pump(ctx)

	// After the in-memory bookkeeping is pruned, late waiters get the outcome
	// from the stored transaction.
	time.Sleep(50 * time.Millisecond)
	err = waitForCompletion(t, ctx, sending, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)
	err = waitForCompletion(t, ctx, receiving, txnID)
	assert.ErrorIs(t, err, keyverify.ErrUserCancelled)
}

func TestVerification_PhaseChangeSubscription(t *testing.T) {
	ctx := testLog.WithContext(context.Background())
	net := newTestNetwork()
	sendingCallbacks := newSASVerificationCallbacks()
	receivingCallbacks := newSASVerificationCallbacks()
	sending, receiving := initTwoAliceDevices(t, net, sendingCallbacks, receivingCallbacks, false, false)

	var phasesLock sync.Mutex
	var phases []keyverify.Phase
	token := receiving.helper.SubscribePhaseChanges(func(change keyverify.PhaseChange) {
		phasesLock.Lock()
		defer phasesLock.Unlock()
		phases = append(phases, change.Phase)
	})

	txnID, err := sending.helper.Request(ctx, aliceUserID, receivingDeviceID)
	require.NoError(t, err)
	net.pump(ctx)
	require.NoError(t, receiving.helper.Accept(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.StartSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, sending.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, receiving.helper.ConfirmSAS(ctx, txnID))
	net.pump(ctx)
	require.NoError(t, waitForCompletion(t, ctx, receiving, txnID))

	phasesLock.Lock()
	assert.Equal(t, []keyverify.Phase{
		keyverify.PhaseRequested,
		keyverify.PhaseReady,
		keyverify.PhaseStarted,
		keyverify.PhaseDone,
	}, phases)
	phasesLock.Unlock()

	receiving.helper.UnsubscribePhaseChanges(token)
}
