// Package permission implements the shared permission/role cache and its
// background refresher, grounded on original_source/src/permission.rs.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/gateway/internal/logging"
	"github.com/apex/log"
)

// PermRecord is one element of a permission URI's JSON array response.
type PermRecord struct {
	RoleName string   `json:"role_name"`
	UserID   []string `json:"user_id"`
}

// Fetcher abstracts "GET and decode the JSON permission array for one URI",
// keeping internal/permission free of any opinion about the HTTP client used.
type Fetcher interface {
	Fetch(ctxt context.Context, uri string) ([]PermRecord, error)
}

// HTTPFetcher is the default Fetcher, backed by a shared *http.Client.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctxt context.Context, uri string) ([]PermRecord, error) {
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s returned %d", uri, resp.StatusCode)
	}
	var records []PermRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}

// Cache is the shared permission/role store. perm maps permission string to
// the set of token IDs holding it; role maps token ID to app name (no
// leading `/`) to comma-joined role names.
type Cache struct {
	logging.Component

	fetcher  Fetcher
	permURIs []string

	lock sync.RWMutex
	perm map[string]map[string]struct{}
	role map[string]map[string]string
}

/*
NewCache builds an (empty) Cache. Callers must call Refresh at least once
before serving requests, per spec.md's startup-abort-on-initial-fetch-
failure design note.
*/
func NewCache(fetcher Fetcher, permURIs []string) *Cache {
	return &Cache{
		Component: logging.Component{LogTags: log.Fields{"module": "permission", "component": "cache"}},
		fetcher:   fetcher,
		permURIs:  permURIs,
		perm:      map[string]map[string]struct{}{},
		role:      map[string]map[string]string{},
	}
}

// isRolePerm recognizes a role_name of the form "<app>::roles::<role>".
func isRolePerm(roleName string) (app string, role string, ok bool) {
	parts := strings.SplitN(roleName, "::roles::", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

/*
Refresh fetches every configured permission URI and rebuilds perm/role
entirely from scratch in local variables, then swaps both maps in under the
write lock held only for the assignment. Returns an error if any URI fetch
fails — the caller decides whether that's fatal (first fetch) or merely
incremented against max_fetch_error_count (background loop).
*/
func (c *Cache) Refresh(ctxt context.Context) error {
	logTags := c.GetLogTagsForContext(ctxt)

	perm := map[string]map[string]struct{}{}
	// userRoles accumulates each user's roles per app in the order the
	// permission records were encountered, matching permission.rs's
	// already-deterministic fold (see DESIGN.md).
	type userApp struct {
		user string
		app  string
	}
	rolesByUserApp := map[userApp][]string{}
	var order []userApp

	for _, uri := range c.permURIs {
		records, err := c.fetcher.Fetch(ctxt, uri)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to fetch permissions from %s", uri)
			return fmt.Errorf("fetch permissions from %s: %w", uri, err)
		}
		for _, record := range records {
			if app, role, ok := isRolePerm(record.RoleName); ok {
				for _, user := range record.UserID {
					key := userApp{user: user, app: app}
					if _, seen := rolesByUserApp[key]; !seen {
						order = append(order, key)
					}
					rolesByUserApp[key] = append(rolesByUserApp[key], role)
				}
			}

			if existing, ok := perm[record.RoleName]; ok {
				for _, user := range record.UserID {
					existing[user] = struct{}{}
				}
			} else {
				set := make(map[string]struct{}, len(record.UserID))
				for _, user := range record.UserID {
					set[user] = struct{}{}
				}
				perm[record.RoleName] = set
			}
		}
	}

	role := map[string]map[string]string{}
	for _, key := range order {
		if _, ok := role[key.user]; !ok {
			role[key.user] = map[string]string{}
		}
		role[key.user][key.app] = strings.Join(rolesByUserApp[key], ",")
	}

	c.lock.Lock()
	c.perm = perm
	c.role = role
	c.lock.Unlock()

	log.WithFields(logTags).Debug("perm updated")
	return nil
}

// HasPerm reports whether tokenID holds perm, per the current snapshot.
func (c *Cache) HasPerm(perm string, tokenID string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	users, ok := c.perm[perm]
	if !ok {
		return false
	}
	_, ok = users[tokenID]
	return ok
}

// RolesFor returns the comma-joined role list held by tokenID for app (no
// leading `/`), or "" if none.
func (c *Cache) RolesFor(tokenID string, app string) string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	apps, ok := c.role[tokenID]
	if !ok {
		return ""
	}
	return apps[app]
}

/*
Start runs the background refresh loop: sleep perm_update_delay seconds,
refresh, and on repeated failure reaching maxFetchErrorCount, exit the
process — matching the original gateway's fatal-abort design note.
*/
func (c *Cache) Start(ctxt context.Context, updateDelay time.Duration, maxFetchErrorCount int) {
	logTags := c.GetLogTagsForContext(ctxt)
	errorCount := 0
	for {
		select {
		case <-ctxt.Done():
			return
		case <-time.After(updateDelay):
		}
		if err := c.Refresh(ctxt); err != nil {
			errorCount++
			log.WithError(err).WithFields(logTags).
				Errorf("Failed to fetch/update permissions for the %d time(s)", errorCount)
			if errorCount >= maxFetchErrorCount {
				log.WithFields(logTags).Fatal("Failed to fetch/update permissions")
				os.Exit(1)
			}
			continue
		}
		errorCount = 0
	}
}
