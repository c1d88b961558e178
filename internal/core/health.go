package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"seatsync/internal/types"
)

// healthCheckTimeout bounds the whole probe fan-out.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one dependency check reported by GET /health.
type HealthProbe interface {
	Name() string
	// Check returns nil when the dependency is usable. It must respect the
	// context deadline.
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every registered probe concurrently under a 2-second
// deadline. Any failing or unfinished probe yields 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	results := make([]error, len(probes))
	var g errgroup.Group
	for i, probe := range probes {
		i, probe := i, probe
		g.Go(func() error {
			results[i] = runProbe(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	resp.Components = make(map[string]componentStatus, len(probes))
	status := http.StatusOK
	for i, probe := range probes {
		err := results[i]
		if err == nil {
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
			continue
		}
		status = http.StatusServiceUnavailable
		resp.Status = "unhealthy"
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "health check timed out"
		}
		resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: msg}
	}

	JSON(w, r, status, resp)
}

// runProbe executes p, converting a panic into an error and abandoning the
// probe when ctx expires first.
func runProbe(ctx context.Context, p HealthProbe) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rvr := recover(); rvr != nil {
				done <- fmt.Errorf("probe panicked: %v", rvr)
			}
		}()
		done <- p.Check(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe checks connectivity to Postgres.
type DatabaseProbe struct {
	DB Pinger
}

func (DatabaseProbe) Name() string { return "database" }

func (p DatabaseProbe) Check(ctx context.Context) error {
	if err := p.DB.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

// ProviderProbe reports whether billing provider credentials are configured.
type ProviderProbe struct {
	Configured bool
}

func (ProviderProbe) Name() string { return "billing_provider" }

func (p ProviderProbe) Check(context.Context) error {
	if !p.Configured {
		return errors.New("billing provider is not configured")
	}
	return nil
}

// ApplierRunSource reports when the pending-change applier last finished.
// Implemented by db.ApplierRunRepository.
type ApplierRunSource interface {
	LastFinishedAt(ctx context.Context) (*time.Time, error)
}

// ApplierProbe flags a pending-change applier that has missed two
// consecutive scheduled runs. A deployment with no recorded run is healthy.
type ApplierProbe struct {
	Runs     ApplierRunSource
	Schedule cron.Schedule
	Clock    types.Clock
}

func (ApplierProbe) Name() string { return "pending_applier" }

func (p ApplierProbe) Check(ctx context.Context) error {
	last, err := p.Runs.LastFinishedAt(ctx)
	if err != nil {
		return fmt.Errorf("loading last applier run: %w", err)
	}
	if last == nil {
		return nil
	}

	clock := p.Clock
	if clock == nil {
		clock = types.RealClock{}
	}
	deadline := p.Schedule.Next(p.Schedule.Next(*last))
	if now := clock.Now(); now.After(deadline) {
		return fmt.Errorf("applier last finished at %s, expected a run by %s",
			last.UTC().Format(time.RFC3339), deadline.UTC().Format(time.RFC3339))
	}
	return nil
}
