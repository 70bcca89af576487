package updater

import "context"

// osUpdatesCategoryID is the fixed category identifying operating-system
// updates; InstallWindowsOSOnlyUpdates implicitly whitelists it.
const osUpdatesCategoryID = "6964aab4-c5b5-43bd-a17d-ffb4346a8e1d"

// Filter narrows a search result to the updates the node's settings allow.
type Filter struct {
	// CategoryIDs is the whitelist; empty admits everything.
	CategoryIDs []string
	// OSOnly implicitly appends the OS-updates category.
	OSOnly bool
	// AcceptEula accepts pending licenses instead of skipping the update.
	AcceptEula bool
}

// Apply selects eligible updates, accepting EULAs through the engine where
// configured. Updates whose license remains unaccepted are dropped.
func (f Filter) Apply(ctx context.Context, engine Engine, updates []Update) ([]Update, error) {
	whitelist := f.whitelist()
	eligible := make([]Update, 0, len(updates))
	for _, update := range updates {
		if len(whitelist) > 0 && !categoryMatch(update.Categories, whitelist) {
			continue
		}
		if !update.EulaAccepted {
			if !f.AcceptEula {
				continue
			}
			if err := engine.AcceptEula(ctx, &update); err != nil {
				return nil, err
			}
		}
		eligible = append(eligible, update)
	}
	return eligible, nil
}

func (f Filter) whitelist() map[string]bool {
	ids := map[string]bool{}
	for _, id := range f.CategoryIDs {
		if id != "" {
			ids[id] = true
		}
	}
	if f.OSOnly {
		ids[osUpdatesCategoryID] = true
	}
	return ids
}

// categoryMatch walks each category's Parent chain to the root looking for a
// whitelisted id.
func categoryMatch(categories []Category, whitelist map[string]bool) bool {
	for i := range categories {
		for c := &categories[i]; c != nil; c = c.Parent {
			if whitelist[c.ID] {
				return true
			}
		}
	}
	return false
}
