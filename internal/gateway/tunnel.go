package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/dat-gateway/internal/archive"
	"github.com/JakeFAU/dat-gateway/internal/metrics"
	"github.com/JakeFAU/dat-gateway/internal/router"
)

// tunnel upgrades r to a WebSocket and splices it with the replication
// stream of the archive named by the request. Errors before the upgrade are
// plain HTTP responses; afterwards they close the socket.
func (g *Gateway) tunnel(w http.ResponseWriter, r *http.Request) string {
	if !g.enterTunnel() {
		writeStatus(w, http.StatusServiceUnavailable)
		return metrics.DecisionError
	}
	// Runs after the lease is released.
	defer g.tunnels.Done()

	ctx, span := tracer.Start(r.Context(), "gateway.tunnel")
	defer span.End()

	key, err := g.router.ResolveTarget(ctx, router.FromHTTP(r))
	if err != nil {
		return g.fail(w, r, err)
	}
	lease, err := g.cache.Acquire(ctx, key)
	if err != nil {
		return g.fail(w, r, err)
	}
	defer lease.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Replication peers are not browsers; any origin may connect.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", zap.Stringer("key", key), zap.Error(err))
		return metrics.DecisionError
	}
	logger := g.logger.With(zap.Stringer("key", key))

	rep, ok := lease.Handle().(archive.Replicator)
	if !ok {
		logger.Warn("replication requested for backend without replication support")
		_ = conn.Close(websocket.StatusInternalError, archive.ErrReplicationUnsupported.Error())
		return metrics.DecisionTunnel
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := rep.OpenReplication(ctx)
	if err != nil {
		logger.Warn("open replication stream failed", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "replication unavailable")
		return metrics.DecisionTunnel
	}
	stopped := context.AfterFunc(g.stop, func() {
		cancel()
		_ = stream.Close()
	})
	defer stopped()

	metrics.IncTunnels()
	defer metrics.DecTunnels()
	logger.Debug("replication tunnel opened")

	sock := websocket.NetConn(ctx, conn, websocket.MessageBinary)
	err = splice(sock, stream)
	switch {
	case g.stop.Err() != nil:
		_ = conn.Close(websocket.StatusGoingAway, "gateway shutting down")
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		// Peer closed the socket.
	default:
		logger.Debug("replication tunnel ended with error", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "replication error")
	}
	logger.Debug("replication tunnel closed")
	return metrics.DecisionTunnel
}

// splice copies in both directions until either side stops, then closes both
// and waits for the other copy to finish. It returns the first error seen.
func splice(sock, stream io.ReadWriteCloser) error {
	var (
		once     sync.Once
		firstErr error
		wg       sync.WaitGroup
	)
	closeBoth := func(err error) {
		once.Do(func() {
			firstErr = err
			_ = sock.Close()
			_ = stream.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(stream, sock)
		metrics.AddTunnelBytes("in", n)
		closeBoth(err)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(sock, stream)
		metrics.AddTunnelBytes("out", n)
		closeBoth(err)
	}()
	wg.Wait()
	return firstErr
}
