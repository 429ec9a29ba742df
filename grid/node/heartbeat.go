package node

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wanmail/selenium-grid"
)

// RegisterPath is the distributor endpoint nodes post their status to.
const RegisterPath = "/se/grid/distributor/node"

// Heartbeat posts the status of n to the distributor at hubURL right away
// and then every period, until ctx is done. Failed beats are logged and
// retried on the next tick.
func Heartbeat(ctx context.Context, n Node, hubURL string, period time.Duration, client *http.Client, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var opts []selenium.ExecutorOption
	if client != nil {
		opts = append(opts, selenium.WithHTTPClient(client))
	}
	e := selenium.NewCommandExecutor(hubURL, opts...)
	logger = logger.With(zap.String("node", string(n.ID())), zap.String("hub", hubURL))

	beat := func() {
		status, err := n.Status(ctx)
		if err != nil {
			logger.Warn("reading node status", zap.Error(err))
			return
		}
		if _, err := e.Execute(ctx, http.MethodPost, RegisterPath, status); err != nil && ctx.Err() == nil {
			logger.Warn("heartbeat failed", zap.Error(err))
			return
		}
		logger.Debug("heartbeat sent")
	}

	beat()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			beat()
		}
	}
}
