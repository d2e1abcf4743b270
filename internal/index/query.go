package index

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bennoloeffler/bassi-sub003/pkg/types"
)

// SortKey selects the field a listing is ordered by.
type SortKey string

const (
	SortCreatedAt    SortKey = "created_at"
	SortLastActivity SortKey = "last_activity"
	SortDisplayName  SortKey = "display_name"
	SortBytes        SortKey = "bytes"
)

// SortDir is the listing direction.
type SortDir string

const (
	Asc  SortDir = "asc"
	Desc SortDir = "desc"
)

// DefaultPageSize is used when a query names no page size.
const DefaultPageSize = 50

// MaxPageSize caps the page size of a query.
const MaxPageSize = 500

// Query selects, orders and pages index records.
type Query struct {
	// State keeps only sessions in this state when set.
	State types.SessionState
	// Name filters on the display name, case-insensitively. A value with
	// glob metacharacters is matched as a doublestar pattern, anything else
	// as a substring.
	Name     string
	Sort     SortKey
	Dir      SortDir
	Page     int // 1-based
	PageSize int
}

// Page is one page of a listing.
type Page struct {
	Items    []types.SessionSummary `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"pageSize"`
}

// ParseSortKey validates a sort key. The empty key means last_activity.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(s); k {
	case "":
		return SortLastActivity, nil
	case SortCreatedAt, SortLastActivity, SortDisplayName, SortBytes:
		return k, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// ParseSortDir validates a direction. The empty direction means desc.
func ParseSortDir(s string) (SortDir, error) {
	switch d := SortDir(strings.ToLower(s)); d {
	case "":
		return Desc, nil
	case Asc, Desc:
		return d, nil
	}
	return "", fmt.Errorf("unknown sort direction %q", s)
}

// List returns the page of records matching q, with the total number of
// matches before paging.
func (idx *Index) List(q Query) Page {
	if q.Sort == "" {
		q.Sort = SortLastActivity
	}
	if q.Dir == "" {
		q.Dir = Desc
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	q.PageSize = min(q.PageSize, MaxPageSize)

	match := nameMatcher(q.Name)
	items := slices.DeleteFunc(idx.all(), func(s types.SessionSummary) bool {
		if q.State != "" && s.State != q.State {
			return true
		}
		return !match(s.DisplayName)
	})
	items = sortSummaries(items, q.Sort, q.Dir)

	page := Page{Total: len(items), Page: q.Page, PageSize: q.PageSize}
	start := (q.Page - 1) * q.PageSize
	if start >= len(items) {
		page.Items = []types.SessionSummary{}
		return page
	}
	page.Items = items[start:min(start+q.PageSize, len(items))]
	return page
}

func nameMatcher(name string) func(string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return func(string) bool { return true }
	}
	if strings.ContainsAny(name, "*?[{") && doublestar.ValidatePattern(name) {
		return func(s string) bool {
			ok, _ := doublestar.Match(name, strings.ToLower(s))
			return ok
		}
	}
	return func(s string) bool {
		return strings.Contains(strings.ToLower(s), name)
	}
}

// sortSummaries orders items in place by key and direction, breaking ties
// on id so that equal keys list in a stable order.
func sortSummaries(items []types.SessionSummary, key SortKey, dir SortDir) []types.SessionSummary {
	compare := func(a, b types.SessionSummary) int {
		switch key {
		case SortCreatedAt:
			return cmp.Compare(a.Time.Created, b.Time.Created)
		case SortDisplayName:
			return cmp.Compare(strings.ToLower(a.DisplayName), strings.ToLower(b.DisplayName))
		case SortBytes:
			return cmp.Compare(a.ByteTotal, b.ByteTotal)
		default:
			return cmp.Compare(a.Time.LastActivity, b.Time.LastActivity)
		}
	}
	slices.SortFunc(items, func(a, b types.SessionSummary) int {
		c := compare(a, b)
		if dir == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return items
}
