// Package transport exposes the event router to other processes.
//
// Two transports are provided. The unix-socket server speaks one JSON
// object per line ({"event": ..., "data": ..., "correlation_id": ...}) and
// supports per-connection subscriptions that are removed automatically on
// disconnect. The Redis bridge mirrors router traffic onto Redis pub/sub
// channels so several processes can share one event space.
package transport
