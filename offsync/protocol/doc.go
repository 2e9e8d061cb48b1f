// Package protocol defines the values exchanged between the sync engine and
// its external collaborators: write intents and operations sent by the push
// lane, per-operation results and their classification, pull batches, realtime
// notifications, and the Transport and Applier contracts.
//
// Wire encoding is the transport's concern. The types here carry JSON tags so
// they can be persisted in the outbox and logged, nothing more.
package protocol
