package updater

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// wuBin is the host utility that fronts the OS update machinery.
var wuBin = filepath.Join("/usr/bin", "wuctl")

// noUpdatesResultCode is the utility's "nothing applicable" result, treated
// as a success.
const noUpdatesResultCode = "WU_E_NO_UPDATES"

var _ Engine = (*CommandEngine)(nil)

// CommandEngine drives the host update utility as a subprocess, exchanging
// JSON on stdout. Each invocation is bounded by the caller's context.
type CommandEngine struct {
	log logging.Logger
	bin string

	aborted atomic.Bool
}

func NewCommandEngine(log logging.Logger) *CommandEngine {
	return &CommandEngine{log: log, bin: wuBin}
}

// wireUpdate is the utility's JSON shape for one update.
type wireUpdate struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Categories   []wireCategory `json:"categories"`
	EulaAccepted bool           `json:"eulaAccepted"`
	Downloaded   bool           `json:"downloaded"`
}

type wireCategory struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Parent *wireCategory `json:"parent,omitempty"`
}

type wirePass struct {
	ResultCode     string              `json:"resultCode"`
	RebootRequired bool                `json:"rebootRequired"`
	Updates        []wirePassPerUpdate `json:"updates"`
}

type wirePassPerUpdate struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	ResultCode  string `json:"resultCode"`
	HResult     int64  `json:"hresult"`
}

func (e *CommandEngine) run(ctx context.Context, out interface{}, args ...string) error {
	cmd := exec.CommandContext(ctx, e.bin, args...)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = e.log.WriterLevel(logrus.WarnLevel)

	if logging.Debuggable {
		e.log.WithField("cmd", cmd.String()).Debug("executing update utility")
	}
	if err := cmd.Run(); err != nil {
		return errors.WithMessagef(err, "update utility %q failed", args[0])
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return errors.WithMessagef(err, "update utility %q produced unparseable output", args[0])
	}
	return nil
}

func (e *CommandEngine) Search(ctx context.Context, query string) ([]Update, error) {
	var wire []wireUpdate
	if err := e.run(ctx, &wire, "search", "--query", query); err != nil {
		return nil, err
	}
	updates := make([]Update, 0, len(wire))
	for _, w := range wire {
		updates = append(updates, Update{
			ID:           w.ID,
			Title:        w.Title,
			Description:  w.Description,
			Categories:   fromWireCategories(w.Categories),
			EulaAccepted: w.EulaAccepted,
			Downloaded:   w.Downloaded,
		})
	}
	return updates, nil
}

func fromWireCategories(wire []wireCategory) []Category {
	cats := make([]Category, 0, len(wire))
	for _, w := range wire {
		cats = append(cats, fromWireCategory(w))
	}
	return cats
}

func fromWireCategory(w wireCategory) Category {
	c := Category{ID: w.ID, Name: w.Name}
	if w.Parent != nil {
		parent := fromWireCategory(*w.Parent)
		c.Parent = &parent
	}
	return c
}

func (e *CommandEngine) AcceptEula(ctx context.Context, update *Update) error {
	if err := e.run(ctx, nil, "accept-eula", "--id", update.ID); err != nil {
		return err
	}
	update.EulaAccepted = true
	return nil
}

func (e *CommandEngine) Download(ctx context.Context, updates []Update) (*PassResult, error) {
	return e.pass(ctx, "download", updates)
}

func (e *CommandEngine) Install(ctx context.Context, updates []Update) (*PassResult, error) {
	return e.pass(ctx, "install", updates)
}

func (e *CommandEngine) pass(ctx context.Context, verb string, updates []Update) (*PassResult, error) {
	args := []string{verb}
	for _, u := range updates {
		args = append(args, "--id", u.ID)
	}
	var wire wirePass
	if err := e.run(ctx, &wire, args...); err != nil {
		if e.aborted.Swap(false) || ctx.Err() != nil {
			return &PassResult{Outcome: abortOutcome(ctx)}, nil
		}
		return nil, err
	}

	result := &PassResult{
		Outcome:        outcomeFromResultCode(wire.ResultCode),
		RebootRequired: wire.RebootRequired,
	}
	for _, u := range wire.Updates {
		result.Details = append(result.Details, repair.UpdateDetail{
			UpdateID:    u.ID,
			Title:       u.Title,
			Description: u.Description,
			ResultCode:  u.ResultCode,
			HResult:     u.HResult,
		})
	}
	return result, nil
}

func abortOutcome(ctx context.Context) repair.OperationOutcome {
	if ctx.Err() == context.DeadlineExceeded {
		return repair.OutcomeAbortedWithTimeout
	}
	return repair.OutcomeAborted
}

func outcomeFromResultCode(code string) repair.OperationOutcome {
	switch code {
	case "Succeeded", noUpdatesResultCode:
		return repair.OutcomeSucceeded
	case "SucceededWithErrors":
		return repair.OutcomeSucceededWithErrors
	case "Aborted":
		return repair.OutcomeAborted
	}
	return repair.OutcomeFailed
}

// RequestAbort marks the in-flight pass aborted; the subprocess is torn down
// by its context.
func (e *CommandEngine) RequestAbort() {
	e.aborted.Store(true)
}

func (e *CommandEngine) SetNotifyBeforeDownload(ctx context.Context) error {
	return e.run(ctx, nil, "set-policy", "--notify-before-download")
}
