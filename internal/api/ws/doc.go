// Package ws streams session events over WebSocket.
//
// A connection is bound to one session. The server subscribes to the
// session's event bus before sending "subscribed", so every event of a
// command submitted afterwards reaches the client.
//
// Message Types (Client → Server):
//   - run: {"command"}
//   - cancel: {"execution_id"}
//   - secret_key: {"key"}, one character of a pending password
//   - secret_backspace, secret_submit, secret_cancel
//   - ping
//
// Message Types (Server → Client):
//   - subscribed: connection ready
//   - command_output, command_error: one line of stdout or stderr
//   - command_end: the execution finished; carries "status"
//   - accepted: a command was accepted; carries "execution_id"
//   - secret_mask: masked echo of the pending password
//   - cancel_requested, secret_cancelled, pong
//   - error: {"message"}
//
// Replies and events are written by one goroutine but not ordered against
// each other: an "accepted" frame may follow early output of the same
// execution.
//
// Example Usage:
//
//	handler := ws.NewHandler(store, metrics, cfg.Server.AllowOrigins, logger)
//	router.GET("/sessions/:id/stream", handler.HandleConnection)
package ws
