package reconcile

import (
	"slices"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
)

func TestProjectionScenario(t *testing.T) {
	store := NewStore(testOwner)
	store.Seed([]bookmarks.Record{googleRecord()})

	store.ApplyInsert(bingRecord())
	if got := IDs(Project(store.Snapshot(), View{Sort: SortNewest})); !slices.Equal(got, []string{"2", "1"}) {
		t.Fatalf("expected [2 1] after insert, got %v", got)
	}

	store.ApplyDelete("1")
	if got := IDs(Project(store.Snapshot(), View{Sort: SortNewest})); !slices.Equal(got, []string{"2"}) {
		t.Fatalf("expected [2] after delete, got %v", got)
	}

	store.ApplyInsert(bingRecord())
	if got := IDs(Project(store.Snapshot(), View{Sort: SortNewest})); !slices.Equal(got, []string{"2"}) {
		t.Fatalf("expected duplicate insert to keep [2], got %v", got)
	}

	if got := IDs(Project(store.Snapshot(), View{Search: "bing"})); !slices.Equal(got, []string{"2"}) {
		t.Fatalf("expected search to match, got %v", got)
	}
	if got := Project(store.Snapshot(), View{Search: "xyz"}); len(got) != 0 {
		t.Fatalf("expected empty result for unmatched search, got %v", IDs(got))
	}
}

func TestProjectSortKeys(t *testing.T) {
	records := []bookmarks.Record{
		newRecord("a", "zebra", "https://zoo.example.com", baseTime.Add(2*time.Minute)),
		newRecord("b", "Apple", "https://fruit.example.com", baseTime),
		newRecord("c", "mango", "https://fruit.example.com/mango", baseTime.Add(time.Minute)),
	}

	testCases := []struct {
		name     string
		view     View
		expected []string
	}{
		{name: "newest", view: View{Sort: SortNewest}, expected: []string{"a", "c", "b"}},
		{name: "default-is-newest", view: View{}, expected: []string{"a", "c", "b"}},
		{name: "oldest", view: View{Sort: SortOldest}, expected: []string{"b", "c", "a"}},
		{name: "title-ignores-case", view: View{Sort: SortTitle}, expected: []string{"b", "c", "a"}},
		{name: "search-by-url", view: View{Search: "FRUIT"}, expected: []string{"c", "b"}},
		{name: "search-by-title", view: View{Search: "  Zeb "}, expected: []string{"a"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := IDs(Project(records, testCase.view))
			if !slices.Equal(got, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestProjectIsDeterministicForTies(t *testing.T) {
	records := []bookmarks.Record{
		newRecord("c", "Same", "https://c.example.com", baseTime),
		newRecord("a", "same", "https://a.example.com", baseTime),
		newRecord("b", "SAME", "https://b.example.com", baseTime),
	}
	reversed := slices.Clone(records)
	slices.Reverse(reversed)

	for _, sortKey := range []SortKey{SortNewest, SortOldest, SortTitle} {
		first := IDs(Project(records, View{Sort: sortKey}))
		second := IDs(Project(reversed, View{Sort: sortKey}))
		if !slices.Equal(first, []string{"a", "b", "c"}) {
			t.Fatalf("%s: expected ties broken by id, got %v", sortKey, first)
		}
		if !slices.Equal(first, second) {
			t.Fatalf("%s: expected input order not to matter, got %v and %v", sortKey, first, second)
		}
	}
}

func TestProjectDoesNotMutateInput(t *testing.T) {
	records := []bookmarks.Record{googleRecord(), bingRecord()}
	original := slices.Clone(records)

	Project(records, View{Sort: SortNewest, Search: "g"})

	if !slices.Equal(records, original) {
		t.Fatalf("expected input to remain unchanged")
	}
}

func TestParseSortKey(t *testing.T) {
	testCases := []struct {
		input    string
		expected SortKey
		wantErr  bool
	}{
		{input: "", expected: SortNewest},
		{input: "Newest", expected: SortNewest},
		{input: "oldest", expected: SortOldest},
		{input: " title ", expected: SortTitle},
		{input: "random", wantErr: true},
	}
	for _, testCase := range testCases {
		key, err := ParseSortKey(testCase.input)
		if testCase.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", testCase.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", testCase.input, err)
		}
		if key != testCase.expected {
			t.Fatalf("expected %q for %q, got %q", testCase.expected, testCase.input, key)
		}
	}
}

func TestProjectSearchIsCaseInsensitiveSubstring(t *testing.T) {
	records := []bookmarks.Record{
		newRecord("a", "Go Blog", "https://go.dev/blog", baseTime),
		newRecord("b", "Golang", "https://golang.org", baseTime.Add(time.Minute)),
		newRecord("c", "Rust", "https://rust-lang.org", baseTime.Add(2*time.Minute)),
	}

	testCases := []struct {
		name   string
		search string
		want   []string
	}{
		{name: "empty", search: "", want: []string{"c", "b", "a"}},
		{name: "upper-case", search: "GO", want: []string{"b", "a"}},
		{name: "url-only", search: "rust-lang", want: []string{"c"}},
		{name: "inner-space", search: "go blog", want: []string{"a"}},
		{name: "trailing-space", search: "go ", want: []string{"a"}},
		{name: "whitespace-only", search: " ", want: []string{"a"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := IDs(Project(records, View{Search: testCase.search})); !slices.Equal(got, testCase.want) {
				t.Fatalf("search %q: expected %v, got %v", testCase.search, testCase.want, got)
			}
		})
	}
}
