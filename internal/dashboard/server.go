// Package dashboard serves the operator HTTP API: bot snapshots, lifecycle
// commands, persisted history and live snapshot streams.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/botfleet/internal/broadcast"
	"github.com/zulandar/botfleet/internal/models"
	"github.com/zulandar/botfleet/internal/session"
)

// shutdownTimeout bounds how long in-flight requests get after ctx ends.
const shutdownTimeout = 5 * time.Second

// Fleet is the subset of the session controller the API drives.
type Fleet interface {
	Start(ctx context.Context, id string) error
	Stop(id string) error
	SetAutoReconnect(id string, enabled bool) error
	SendMessage(id, text string) error
	Snapshot(id string) (session.Snapshot, error)
	Snapshots() []session.Snapshot
}

// Feed hands out live snapshot subscriptions.
type Feed interface {
	Subscribe() *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
}

// History serves persisted session logs.
type History interface {
	Recent(ctx context.Context, account string, limit int) ([]models.SessionEvent, error)
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Fleet   Fleet
	Feed    Feed    // optional; streams answer 503 without it
	History History // optional; history answers 503 without it
	Port    int
	Version string
	Out     io.Writer
}

// NewRouter builds the gin engine with every API route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Fleet == nil {
		return nil, fmt.Errorf("dashboard: fleet is required")
	}
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &handlers{
		fleet:   opts.Fleet,
		feed:    opts.Feed,
		history: opts.History,
		version: opts.Version,
	})
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
		// Streams end with ctx so Shutdown does not wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
