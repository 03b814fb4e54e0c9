// Package bootstrap wires the subsystems of each binary together and runs
// them until the context ends or one of them fails.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"
)

// group runs named subsystems and reports the first failure.
type group struct {
	wg    sync.WaitGroup
	errCh chan error
}

func newGroup() *group { return &group{errCh: make(chan error, 16)} }

func (g *group) Go(ctx context.Context, name string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := fn(ctx); err != nil {
			select {
			case g.errCh <- fmt.Errorf("%s: %w", name, err):
			default:
			}
			return
		}
		log.Printf("[bootstrap] %s stopped", name)
	}()
}

// Wait blocks until ctx is done or a subsystem fails, then cancels the rest
// through stop and waits for them.
func (g *group) Wait(ctx context.Context, stop context.CancelFunc) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-g.errCh:
	}
	stop()
	g.wg.Wait()
	return err
}

// serveHTTP serves h on addr until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	log.Printf("[bootstrap] http listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
