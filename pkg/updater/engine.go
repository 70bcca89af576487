// Package updater abstracts the host's OS-update surface: searching,
// downloading, and installing updates, plus the automatic-update policy
// toggle. The production implementation shells out to the host's update
// utility; tests substitute a scripted engine.
package updater

import (
	"context"

	"github.com/microsoft/Service-Fabric-POA/pkg/repair"
)

// Category labels an update; categories form a tree walked through Parent.
type Category struct {
	ID     string
	Name   string
	Parent *Category
}

// Update is one applicable update offered by the host.
type Update struct {
	ID           string
	Title        string
	Description  string
	Categories   []Category
	EulaAccepted bool
	Downloaded   bool
}

// PassResult is the outcome of one download or install pass.
type PassResult struct {
	Outcome        repair.OperationOutcome
	RebootRequired bool
	Details        []repair.UpdateDetail
}

// Engine is the imperative update surface of the host.
type Engine interface {
	// Search lists the updates matching the query.
	Search(ctx context.Context, query string) ([]Update, error)
	// AcceptEula accepts an update's license so it may be downloaded.
	AcceptEula(ctx context.Context, update *Update) error
	// Download fetches the update payloads.
	Download(ctx context.Context, updates []Update) (*PassResult, error)
	// Install applies previously downloaded updates. The result reports
	// whether a reboot is required to finish.
	Install(ctx context.Context, updates []Update) (*PassResult, error)
	// RequestAbort cooperatively cancels the in-flight operation; the
	// operation's result is then recorded as aborted.
	RequestAbort()
	// SetNotifyBeforeDownload applies the host's "notify before download"
	// automatic-update policy so the host does not race this system.
	SetNotifyBeforeDownload(ctx context.Context) error
}
