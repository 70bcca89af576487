// Package hostctl manipulates the node host around a reboot: stopping the
// platform's service units before the restart is requested, and scheduling
// the restart itself, both over systemd's private socket.
package hostctl

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

var systemdSocket = "/run/systemd/private"

// HostController performs the disruptive host actions of the update flow.
type HostController interface {
	// StopUnits stops the given service units, waiting for each to finish.
	StopUnits(ctx context.Context, units ...string) error
	// Reboot restarts the host after the given delay.
	Reboot(ctx context.Context, delay time.Duration) error
	// TearDownService removes this agent's own unit from the host; used
	// when the deployed application disappears.
	TearDownService(ctx context.Context, unit string) error
}

var _ HostController = (*Systemd)(nil)

// Systemd is the production HostController.
type Systemd struct {
	log logging.Logger
}

func NewSystemd(log logging.Logger) *Systemd {
	return &Systemd{log: log}
}

func (s *Systemd) connect(ctx context.Context) (*systemd.Conn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + systemdSocket)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	conn, err := systemd.NewConnection(dialer)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	default:
	}
	return conn, nil
}

func (s *Systemd) StopUnits(ctx context.Context, units ...string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, unit := range units {
		done := make(chan string, 1)
		if _, err := conn.StopUnitContext(ctx, unit, "replace", done); err != nil {
			return errors.Wrapf(err, "unable to stop unit %s", unit)
		}
		select {
		case result := <-done:
			if result != "done" {
				return errors.Errorf("stopping unit %s finished as %q", unit, result)
			}
			s.log.WithField("unit", unit).Info("stopped unit")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Systemd) Reboot(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// reboot.target pulls the host down the same way shutdown -r does.
	if _, err := conn.StartUnitContext(ctx, "reboot.target", "replace-irreversibly", nil); err != nil {
		return errors.Wrap(err, "unable to request reboot")
	}
	s.log.Warn("host reboot requested")
	return nil
}

func (s *Systemd) TearDownService(ctx context.Context, unit string) error {
	conn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.DisableUnitFilesContext(ctx, []string{unit}, false); err != nil {
		return errors.Wrapf(err, "unable to disable unit %s", unit)
	}
	if _, err := conn.StopUnitContext(ctx, unit, "replace", nil); err != nil {
		return errors.Wrapf(err, "unable to stop unit %s", unit)
	}
	s.log.WithField("unit", unit).Warn("tore down service unit")
	return nil
}
