package reconcile

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"golang.org/x/text/cases"
)

// SortKey selects the display order.
type SortKey string

const (
	SortNewest SortKey = "newest"
	SortOldest SortKey = "oldest"
	SortTitle  SortKey = "title"
)

// ParseSortKey accepts the names of the supported sort keys.
func ParseSortKey(value string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(value))) {
	case SortNewest, "":
		return SortNewest, nil
	case SortOldest:
		return SortOldest, nil
	case SortTitle:
		return SortTitle, nil
	default:
		return "", fmt.Errorf("reconcile: unknown sort key %q", value)
	}
}

// View holds the user controlled projection parameters.
type View struct {
	Sort   SortKey
	Search string
}

// Project maps store contents and view parameters to the ordered display sequence.
// It never mutates records and always yields the same order for the same inputs.
func Project(records []bookmarks.Record, view View) []bookmarks.Record {
	folder := cases.Fold()
	term := folder.String(view.Search)

	type entry struct {
		record    bookmarks.Record
		foldTitle string
	}
	entries := make([]entry, 0, len(records))
	for _, record := range records {
		foldTitle := folder.String(record.Title)
		if term != "" && !strings.Contains(foldTitle, term) && !strings.Contains(folder.String(record.URL), term) {
			continue
		}
		entries = append(entries, entry{record: record, foldTitle: foldTitle})
	}

	var compare func(a, b entry) int
	switch view.Sort {
	case SortOldest:
		compare = func(a, b entry) int {
			return cmp.Or(a.record.CreatedAt.Compare(b.record.CreatedAt), cmp.Compare(a.record.ID, b.record.ID))
		}
	case SortTitle:
		compare = func(a, b entry) int {
			return cmp.Or(cmp.Compare(a.foldTitle, b.foldTitle), cmp.Compare(a.record.ID, b.record.ID))
		}
	default:
		compare = func(a, b entry) int {
			return cmp.Or(b.record.CreatedAt.Compare(a.record.CreatedAt), cmp.Compare(a.record.ID, b.record.ID))
		}
	}
	slices.SortFunc(entries, compare)

	projected := make([]bookmarks.Record, 0, len(entries))
	for _, item := range entries {
		projected = append(projected, item.record)
	}
	return projected
}

// IDs returns the ids of records in order.
func IDs(records []bookmarks.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}
