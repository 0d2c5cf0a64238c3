package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterHTML(handles ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="ratingsDatatable"><table>`)
	for _, h := range handles {
		fmt.Fprintf(&b, `<tr><td><a href="/profile/%s" class="rated-user user-blue">%s</a></td></tr>`, h, h)
	}
	b.WriteString(`</table></div></body></html>`)
	return b.String()
}

func TestRosterPage_ParsesHandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ratings/organization/1/page/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rosterHTML("alice", "Bob_99"))
	})
	c := newTestClient(t, mux, fastRetry())

	handles, err := c.RosterPage(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "Bob_99"}, handles)
}

func TestRosterPage_MissingContainerIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ratings/organization/1/page/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>maintenance</p></body></html>`)
	})
	c := newTestClient(t, mux, fastRetry())

	_, err := c.RosterPage(context.Background(), 1)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRosterPage_EmptyTable(t *testing.T) {
	handles, err := parseRosterPage([]byte(rosterHTML()))
	require.NoError(t, err)
	assert.Empty(t, handles)
}

// fakePager serves fixed pages; pages past the end repeat the last one.
type fakePager struct {
	pages [][]string
	calls int
	err   error
}

func (f *fakePager) RosterPage(_ context.Context, page int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if page-1 < len(f.pages) {
		return f.pages[page-1], nil
	}
	return f.pages[len(f.pages)-1], nil
}

func TestDirectory_StopsOnEmptyPage(t *testing.T) {
	pager := &fakePager{pages: [][]string{{"a", "b"}, {"c"}, {}}}
	d := NewDirectory(pager, zerolog.Nop())

	handles, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, handles)
	assert.Equal(t, 3, pager.calls)
}

func TestDirectory_StopsOnRepeatedPage(t *testing.T) {
	pager := &fakePager{pages: [][]string{{"a", "b"}, {"a", "b"}}}
	d := NewDirectory(pager, zerolog.Nop())

	handles, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, handles)
	assert.Equal(t, 2, pager.calls)
}

func TestDirectory_KeepsCrossPageDuplicates(t *testing.T) {
	pager := &fakePager{pages: [][]string{{"a", "b"}, {"c", "b"}, {}}}
	d := NewDirectory(pager, zerolog.Nop())

	handles, err := d.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "b"}, handles)
}

func TestDirectory_PageErrorIsFatal(t *testing.T) {
	pager := &fakePager{err: ErrMalformed}
	d := NewDirectory(pager, zerolog.Nop())

	_, err := d.Resolve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}
