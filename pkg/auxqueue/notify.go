package auxqueue

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/LumiGuide/hydra/pkg/types"
)

// NotifyItem carries everything the external notifier (out of scope
// per §1) needs about a finalized build.
type NotifyItem struct {
	BuildID types.BuildID
	Project string
	Jobset  string
	Job     string
	Status  types.BuildStatus
}

// Notifier is the out-of-scope external collaborator invoked for a
// finalized build (§4.9).
type Notifier interface {
	Notify(ctx context.Context, item NotifyItem) error
}

// NewNotifyQueue returns the notification-sender queue, logging (and
// dropping) a notifier error rather than retrying - best-effort
// delivery is the documented limitation in §9.
func NewNotifyQueue(l hclog.Logger, capacity int, notifier Notifier) *Queue[NotifyItem] {
	named := l.Named("notify")
	return New(named, "notify", capacity, func(ctx context.Context, item NotifyItem) {
		if err := notifier.Notify(ctx, item); err != nil {
			named.Warn("notification delivery failed, dropping", "build", item.BuildID, "error", err)
		}
	})
}
