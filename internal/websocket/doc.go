// XamOps - Cloud Cost, Security and Operations Dashboard
// Copyright 2026 Xammer Cloud
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xammer/xamops

/*
Package websocket provides real-time delivery of report updates to
connected dashboard clients.

It uses the gorilla/websocket library with a hub-client architecture.
Clients subscribe to topics of the form "dashboard/<accountID>/<report>"
and receive the refreshed payload whenever the orchestrator publishes
one to the update bus.

Key Components:

  - Hub: routes messages to the clients subscribed to each topic
  - Client: a single WebSocket connection with read/write goroutines
  - BusBridge: opens an update-bus subscription per active topic and
    pumps payloads into the hub

Each client has two goroutines:
  - readPump: reads subscribe/unsubscribe/ping frames
  - writePump: writes hub messages and keepalive pings

Message Types:

  - subscribe / unsubscribe: client-sent topic management
  - update: refreshed report payload for a subscribed topic
  - scan_status: deep security scan lifecycle notifications
  - ping / pong: application-level keepalive

Usage:

	hub := websocket.NewHub()
	bridge := websocket.NewBusBridge(hub, updateBus)
	go hub.RunWithContext(ctx)
	go bridge.Serve(ctx)

The HTTP upgrade endpoint lives in internal/api; after upgrading it
creates a Client, registers it with the hub, and calls Start.

Slow clients are disconnected rather than allowed to block broadcasts:
each client has a buffered send channel, and a full buffer marks the
client for removal.
*/
package websocket
