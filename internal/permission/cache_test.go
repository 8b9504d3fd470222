package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeFetcher struct {
	byURI map[string][]PermRecord
}

func (f *fakeFetcher) Fetch(_ context.Context, uri string) ([]PermRecord, error) {
	return f.byURI[uri], nil
}

func TestCacheRefreshBuildsPermAndRole(t *testing.T) {
	assert := assert.New(t)

	fetcher := &fakeFetcher{byURI: map[string][]PermRecord{
		"uri-1": {
			{RoleName: "misc::GET::/events", UserID: []string{"tok-1", "tok-2"}},
			{RoleName: "misc::roles::admin", UserID: []string{"tok-1"}},
			{RoleName: "misc::roles::viewer", UserID: []string{"tok-1", "tok-2"}},
		},
	}}
	cache := NewCache(fetcher, []string{"uri-1"})

	assert.Nil(cache.Refresh(context.Background()))

	assert.True(cache.HasPerm("misc::GET::/events", "tok-1"))
	assert.True(cache.HasPerm("misc::GET::/events", "tok-2"))
	assert.False(cache.HasPerm("misc::GET::/events", "tok-3"))

	assert.Equal("admin,viewer", cache.RolesFor("tok-1", "misc"))
	assert.Equal("viewer", cache.RolesFor("tok-2", "misc"))
	assert.Equal("", cache.RolesFor("tok-3", "misc"))
}

func TestCacheRefreshIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	fetcher := &fakeFetcher{byURI: map[string][]PermRecord{
		"uri-1": {
			{RoleName: "app::roles::a", UserID: []string{"u1"}},
			{RoleName: "app::roles::b", UserID: []string{"u1"}},
		},
	}}
	cache := NewCache(fetcher, []string{"uri-1"})

	assert.Nil(cache.Refresh(context.Background()))
	first := cache.RolesFor("u1", "app")
	assert.Nil(cache.Refresh(context.Background()))
	second := cache.RolesFor("u1", "app")

	assert.Equal(first, second)
	assert.Equal("a,b", first)
}

func TestCacheRefreshEvictsRemovedPermission(t *testing.T) {
	assert := assert.New(t)

	fetcher := &fakeFetcher{byURI: map[string][]PermRecord{
		"uri-1": {{RoleName: "p", UserID: []string{"u"}}},
	}}
	cache := NewCache(fetcher, []string{"uri-1"})
	assert.Nil(cache.Refresh(context.Background()))
	assert.True(cache.HasPerm("p", "u"))

	fetcher.byURI["uri-1"] = []PermRecord{{RoleName: "p", UserID: []string{}}}
	assert.Nil(cache.Refresh(context.Background()))
	assert.False(cache.HasPerm("p", "u"))
}

type erroringFetcher struct{}

func (erroringFetcher) Fetch(_ context.Context, _ string) ([]PermRecord, error) {
	return nil, assertErr
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestCacheRefreshPropagatesFetchError(t *testing.T) {
	assert := assert.New(t)
	cache := NewCache(erroringFetcher{}, []string{"uri-1"})
	assert.NotNil(cache.Refresh(context.Background()))
}
