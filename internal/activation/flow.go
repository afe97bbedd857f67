// Package activation drives the device pairing flow: show a short code, poll
// the device token endpoint until the user enters it on another screen, then
// hand the resulting token to the session manager.
package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/streamhaus/crunchyd/internal/api"
)

const (
	// Fallbacks when the pairing ticket omits its timing fields. The
	// service normally sends interval=500ms and expires_in=300s.
	defaultPollInterval = 500 * time.Millisecond
	defaultTicketTTL    = 300 * time.Second

	// A ticket the user never entered is renewed this many times before
	// the flow gives up.
	maxTicketRenewals = 3

	// Floor on poll spacing, whatever interval the ticket asks for.
	minPollSpacing = 400 * time.Millisecond
)

// Authenticator is the slice of the session manager the flow needs.
type Authenticator interface {
	RequestDeviceTicket(ctx context.Context) (*api.DeviceCodeResponse, error)
	PollDeviceToken(ctx context.Context, deviceCode string) (*api.TokenResponse, error)
	EstablishFromToken(ctx context.Context, tok *api.TokenResponse) error
}

// Code is what a frontend needs to display for one pairing ticket.
type Code struct {
	UserCode    string
	ActivateURL string
	ExpiresAt   time.Time
}

// Surface receives flow progress. Callbacks run on the flow goroutine and
// must not block.
type Surface interface {
	CodeReady(code Code)
	CodeExpired(renewal int)
	Activated()
}

// NopSurface discards all callbacks.
type NopSurface struct{}

func (NopSurface) CodeReady(Code)  {}
func (NopSurface) CodeExpired(int) {}
func (NopSurface) Activated()      {}

// Flow runs one activation attempt. It is single-use; build a new Flow per
// attempt.
type Flow struct {
	auth    Authenticator
	surface Surface
	clock   clockwork.Clock
	limiter *rate.Limiter
}

// New builds a Flow reporting to surface. A nil surface gets NopSurface.
func New(auth Authenticator, surface Surface) *Flow {
	if surface == nil {
		surface = NopSurface{}
	}
	return &Flow{
		auth:    auth,
		surface: surface,
		clock:   clockwork.NewRealClock(),
		limiter: rate.NewLimiter(rate.Every(minPollSpacing), 1),
	}
}

// Run blocks until activation succeeds, the context is cancelled, or the
// renewal budget is spent. Cancellation wins over ticket expiry: a cancelled
// context always returns ctx.Err, never an expiry result.
func (f *Flow) Run(ctx context.Context) error {
	for renewal := 0; renewal < maxTicketRenewals; renewal++ {
		ticket, err := f.auth.RequestDeviceTicket(ctx)
		if err != nil {
			return fmt.Errorf("requesting pairing code: %w", err)
		}

		interval := time.Duration(ticket.Interval) * time.Millisecond
		if interval <= 0 {
			interval = defaultPollInterval
		}
		ttl := time.Duration(ticket.ExpiresIn) * time.Second
		if ttl <= 0 {
			ttl = defaultTicketTTL
		}
		deadline := f.clock.Now().Add(ttl)

		log.Info().
			Str("user_code", ticket.UserCode).
			Dur("ttl", ttl).
			Int("renewal", renewal).
			Msg("pairing code ready")
		f.surface.CodeReady(Code{
			UserCode:    ticket.UserCode,
			ActivateURL: api.ActivationURL + "?code=" + ticket.UserCode + "&device=Android%20TV",
			ExpiresAt:   deadline,
		})

		done, err := f.pollTicket(ctx, ticket.DeviceCode, interval, deadline)
		if err != nil {
			return err
		}
		if done {
			f.surface.Activated()
			return nil
		}
		f.surface.CodeExpired(renewal + 1)
	}
	return api.NewAuthError(api.AuthExhausted, "pairing code expired repeatedly without activation")
}

// pollTicket polls one ticket until activation, expiry or cancellation. It
// returns (true, nil) on a finalized session and (false, nil) on expiry.
func (f *Flow) pollTicket(ctx context.Context, deviceCode string, interval time.Duration, deadline time.Time) (bool, error) {
	for f.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return false, err
		}

		tok, err := f.auth.PollDeviceToken(ctx, deviceCode)
		switch {
		case err != nil:
			// Transient network trouble; the ticket may still get
			// activated, keep polling until it expires.
			var te *api.TransportError
			if !errors.As(err, &te) && ctx.Err() == nil {
				return false, err
			}
			log.Debug().Err(err).Msg("device token poll failed, retrying")
		case tok != nil:
			if err := f.auth.EstablishFromToken(ctx, tok); err != nil {
				return false, fmt.Errorf("finalizing activated session: %w", err)
			}
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-f.clock.After(interval):
		}
	}
	return false, nil
}
