package sgx_ra

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kwonalbert/sgx_ra/framing"
)

// ExpiryInterval is how often a running server drops idle sessions.
const ExpiryInterval = time.Minute

// Server accepts framed connections and runs the responder on each.
type Server struct {
	sm      *SessionManager
	limiter *rate.Limiter
}

// NewServer returns a server for sm. New handshakes are limited to the
// configured rate, with bursts of the same size.
func NewServer(sm *SessionManager) *Server {
	limit := rate.Inf
	burst := 1
	if sm.cfg.handshakeRate > 0 {
		limit = rate.Limit(sm.cfg.handshakeRate)
		burst = max(1, int(sm.cfg.handshakeRate))
	}
	return &Server{
		sm:      sm,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Serve accepts connections on lis until ctx is canceled or accepting
// fails, then waits for the open connections to end. lis is closed on
// return.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})
	g.Go(func() error {
		s.sm.RunExpiry(ctx, ExpiryInterval)
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := s.Admit(ctx); err != nil {
				conn.Close()
				return nil
			}

			g.Go(func() error {
				s.ServeConn(ctx, framing.NewConn(conn, s.sm.cfg.maxFrameSize), conn.RemoteAddr())
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Admit waits until the handshake rate allows a new connection.
func (s *Server) Admit(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// ServeConn runs one responder connection to completion.
func (s *Server) ServeConn(ctx context.Context, conn framing.Conn, addr net.Addr) {
	connID := uuid.NewString()
	r := s.sm.NewConn(connID)

	log := s.sm.log.With().Str("conn", connID).Logger()
	if addr != nil {
		log = log.With().Stringer("remote", addr).Logger()
	}
	log.Debug().Msg("Accepted connection")

	if err := Serve(ctx, conn, r, s.sm.cfg.handshakeTimeout); err != nil && ctx.Err() == nil {
		log.Info().Err(err).Stringer("phase", r.Phase()).Msg("Connection ended with an error")
		return
	}
	log.Debug().Stringer("phase", r.Phase()).Msg("Connection closed")
}
