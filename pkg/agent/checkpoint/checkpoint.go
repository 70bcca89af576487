// Package checkpoint persists the agent's scheduling state as a single-line
// file that survives process restarts and reboots.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// FileName is the checkpoint under the agent's data directory.
const FileName = "TimerCheckPoint.txt"

const stampLayout = "20060102150405"

// Data is the checkpointed scheduling state. A zero SchedulingDateTime means
// no window is scheduled.
type Data struct {
	SchedulingDateTime time.Time
	RescheduleCount    int
	RescheduleNeeded   bool
	LastAttempted      time.Time
}

// File reads and writes a checkpoint at a fixed path, always through a
// temporary file renamed into place.
type File struct {
	dir string
}

func NewFile(dataDir string) *File {
	return &File{dir: dataDir}
}

func (f *File) path() string { return filepath.Join(f.dir, FileName) }

// Read loads the checkpoint. A missing file yields the zero Data; a corrupt
// file is deleted and likewise treated as fresh so the agent re-derives its
// schedule instead of wedging.
func (f *File) Read() (Data, error) {
	raw, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return Data{}, nil
		}
		return Data{}, errors.WithMessage(err, "could not read checkpoint")
	}
	data, err := Parse(strings.TrimSpace(string(raw)))
	if err != nil {
		os.Remove(f.path())
		return Data{}, nil
	}
	return data, nil
}

// Write atomically replaces the checkpoint and removes any stragglers from
// interrupted writes.
func (f *File) Write(data Data) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return errors.WithMessage(err, "could not create checkpoint directory")
	}
	tmp, err := os.CreateTemp(f.dir, FileName+".*")
	if err != nil {
		return errors.WithMessage(err, "could not stage checkpoint")
	}
	name := tmp.Name()
	_, werr := tmp.WriteString(data.String())
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		return errors.New("could not write checkpoint")
	}
	if err := os.Rename(name, f.path()); err != nil {
		os.Remove(name)
		return errors.WithMessage(err, "could not commit checkpoint")
	}
	f.removeStragglers()
	return nil
}

func (f *File) removeStragglers() {
	matches, err := filepath.Glob(filepath.Join(f.dir, FileName+".*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		os.Remove(m)
	}
}

// String renders the single-line wire form:
// "<schedule> <rescheduleCount> <rescheduleNeeded> [<lastAttempted>]".
func (d Data) String() string {
	line := fmt.Sprintf("%s %d %t", d.SchedulingDateTime.UTC().Format(stampLayout), d.RescheduleCount, d.RescheduleNeeded)
	if !d.LastAttempted.IsZero() {
		line += " " + d.LastAttempted.UTC().Format(stampLayout)
	}
	return line
}

// Parse is the inverse of String.
func Parse(line string) (Data, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 && len(fields) != 4 {
		return Data{}, errors.Errorf("checkpoint has %d fields, want 3 or 4", len(fields))
	}
	var data Data
	var err error
	if data.SchedulingDateTime, err = time.ParseInLocation(stampLayout, fields[0], time.UTC); err != nil {
		return Data{}, errors.WithMessage(err, "bad scheduling time")
	}
	if data.RescheduleCount, err = strconv.Atoi(fields[1]); err != nil || data.RescheduleCount < 0 {
		return Data{}, errors.Errorf("bad reschedule count %q", fields[1])
	}
	if data.RescheduleNeeded, err = strconv.ParseBool(fields[2]); err != nil {
		return Data{}, errors.Errorf("bad reschedule flag %q", fields[2])
	}
	if len(fields) == 4 {
		if data.LastAttempted, err = time.ParseInLocation(stampLayout, fields[3], time.UTC); err != nil {
			return Data{}, errors.WithMessage(err, "bad last-attempted time")
		}
	}
	return data, nil
}
