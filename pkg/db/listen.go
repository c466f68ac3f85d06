package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/LumiGuide/hydra/pkg/types"
)

// notifyChannel is the builds_updated channel referenced in §4.3/§6.
const notifyChannel = "builds_updated"

// notifyPayload is the JSON shape a trigger publishes on
// builds_updated: {"kind": "cancel"|"bump", "id": 123, "local": 0, "global": 100}.
type notifyPayload struct {
	Kind   string        `json:"kind"`
	ID     types.BuildID `json:"id"`
	Local  int           `json:"local"`
	Global int           `json:"global"`
}

// Listen subscribes to builds_updated and streams decoded QueueChange
// values on the returned channel until ctx is cancelled. DB
// disconnects are transient infrastructural errors per §7: the
// subscription reconnects with exponential backoff rather than
// surfacing an error to the caller, and simply stops delivering
// changes (the queue monitor falls back to its own poll interval in
// the meantime).
func (p *Pool) Listen(ctx context.Context, retryInterval time.Duration) <-chan QueueChange {
	out := make(chan QueueChange, 64)

	go func() {
		defer close(out)

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = retryInterval

		for {
			if ctx.Err() != nil {
				return
			}
			if err := p.listenOnce(ctx, out); err != nil {
				p.l.Warn("builds_updated listener disconnected, retrying", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(bo.NextBackOff()):
				}
				continue
			}
			return
		}
	}()

	return out
}

func (p *Pool) listenOnce(ctx context.Context, out chan<- QueueChange) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("db: listen %s: %w", notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("db: wait for notification: %w", err)
		}

		var payload notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
			p.l.Warn("malformed builds_updated payload", "payload", n.Payload, "error", err)
			continue
		}

		change := QueueChange{BuildID: payload.ID, LocalPriority: payload.Local, GlobalPriority: payload.Global}
		switch payload.Kind {
		case "bump":
			change.Kind = QueueChangeBump
		default:
			change.Kind = QueueChangeCancel
		}

		select {
		case out <- change:
		case <-ctx.Done():
			return nil
		}
	}
}
