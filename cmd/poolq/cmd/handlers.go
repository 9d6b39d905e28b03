package cmd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/poolq/poolq/errors"
	"github.com/poolq/poolq/net2"
	"github.com/poolq/poolq/queue"
	"github.com/poolq/poolq/worker"
)

type sleepPayload struct {
	Duration string `json:"duration"`
}

type failPayload struct {
	Message string `json:"message"`
}

// Registers the handlers shipped with the binary.  redis.ping borrows from
// pool, so its concurrency is bounded by the pool's limits.
func registerBuiltinHandlers(registry *worker.Registry, pool *net2.ConnectionPool) {
	// Returns its payload as result.
	registry.MustRegister("echo", worker.HandlerFunc(func(
		ctx context.Context,
		entry *queue.Entry) (json.RawMessage, error) {

		return entry.Payload, nil
	}))

	// Sleeps for payload.duration (a Go duration string).
	registry.MustRegister("sleep", worker.HandlerFunc(func(
		ctx context.Context,
		entry *queue.Entry) (json.RawMessage, error) {

		payload := sleepPayload{}
		if err := json.Unmarshal(entry.Payload, &payload); err != nil {
			return nil, errors.Wrap(err, "Invalid sleep payload")
		}
		d, err := time.ParseDuration(payload.Duration)
		if err != nil {
			return nil, errors.Wrap(err, "Invalid sleep duration")
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	// Always fails with payload.message.
	registry.MustRegister("fail", worker.HandlerFunc(func(
		ctx context.Context,
		entry *queue.Entry) (json.RawMessage, error) {

		payload := failPayload{Message: "failed on purpose"}
		if len(entry.Payload) > 0 {
			_ = json.Unmarshal(entry.Payload, &payload)
		}
		return nil, errors.New(payload.Message)
	}))

	// PINGs redis over a pooled raw connection and returns the round trip.
	registry.MustRegister("redis.ping", worker.HandlerFunc(func(
		ctx context.Context,
		entry *queue.Entry) (json.RawMessage, error) {

		rtt, err := ping(ctx, pool)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"rtt": rtt.String()})
	}))
}

func ping(ctx context.Context, pool *net2.ConnectionPool) (time.Duration, error) {
	conn, err := pool.Get(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	reply, err := net2.Call(conn, "PING")
	if err != nil {
		_ = conn.DiscardConnection()
		return 0, err
	}
	rtt := time.Since(start)
	if err := conn.ReleaseConnection(); err != nil {
		return 0, err
	}
	if reply != "PONG" {
		return 0, errors.Newf("Unexpected PING reply %q", reply)
	}
	return rtt, nil
}
