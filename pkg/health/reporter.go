// Package health publishes health facts with the readiness guard the
// platform requires: facts reported against a service that does not exist
// yet fail permanently, so every publish first waits for the service.
package health

import (
	"context"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/platform"

	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
)

const (
	// initialBackoff is the first wait between service-existence probes; the
	// wait grows linearly with each attempt.
	initialBackoff = 5 * time.Second

	cacheSize = 1000
)

type timeoutError struct{ service string }

func (e *timeoutError) Error() string {
	return "timed out waiting for service " + e.service + " to exist"
}

// IsTimeout reports whether err is a readiness-deadline expiry; callers map
// it to the TimeoutException wire code.
func IsTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// Reporter publishes health facts, deduplicating repeats and guarding each
// publish behind a service-existence check.
type Reporter struct {
	log  logging.Logger
	bus  platform.HealthBus
	last *ccache.Cache

	sleep func(context.Context, time.Duration) error
}

func NewReporter(log logging.Logger, bus platform.HealthBus) *Reporter {
	return &Reporter{
		log:   log,
		bus:   bus,
		last:  ccache.New(ccache.Configure().MaxSize(cacheSize).ItemsToPrune(100)),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type lastReport struct {
	State       platform.HealthState
	Description string
}

func cacheKey(report platform.HealthReport) string {
	return report.Service + "|" + report.Property
}

// Report publishes the fact once the target service exists, probing with
// linearly increasing backoff until deadline elapses. Identical repeats
// within half the fact's TTL are suppressed.
func (r *Reporter) Report(ctx context.Context, report platform.HealthReport, deadline time.Duration) error {
	if r.fresh(report) {
		if logging.Debuggable {
			r.log.WithField("property", report.Property).Debug("suppressing duplicate health report")
		}
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for attempt := 1; ; attempt++ {
		exists, err := r.bus.ServiceExists(waitCtx, report.Service)
		if err != nil {
			r.log.WithError(err).WithField("service", report.Service).Warn("service existence check failed")
		} else if exists {
			break
		}
		if err := r.sleep(waitCtx, time.Duration(attempt)*initialBackoff); err != nil {
			return &timeoutError{service: report.Service}
		}
	}

	if err := r.bus.Report(ctx, report); err != nil {
		return errors.WithMessagef(err, "could not publish %s on %s", report.Property, report.Service)
	}
	r.record(report)
	return nil
}

// fresh reports whether the identical fact was recently published and its
// suppression window has not expired.
func (r *Reporter) fresh(report platform.HealthReport) bool {
	item := r.last.Get(cacheKey(report))
	if item == nil || item.Expired() {
		return false
	}
	prev, ok := item.Value().(lastReport)
	return ok && prev.State == report.State && prev.Description == report.Description
}

func (r *Reporter) record(report platform.HealthReport) {
	window := report.TTL / 2
	if window <= 0 {
		return
	}
	r.last.Set(cacheKey(report), lastReport{State: report.State, Description: report.Description}, window)
}

// ListProperties passes through to the bus.
func (r *Reporter) ListProperties(ctx context.Context, service, prefix string) ([]string, error) {
	return r.bus.ListProperties(ctx, service, prefix)
}

// Clear retires a fact and forgets its dedup entry.
func (r *Reporter) Clear(ctx context.Context, service, property string) error {
	r.last.Delete(service + "|" + property)
	return r.bus.Clear(ctx, service, property)
}
