// Package gateway implements the per-request dispatcher: credential
// extraction, route matching, permission checking, and HTTP/WebSocket
// forwarding. Grounded on original_source/src/main.rs's response/call pair.
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/alwitt/gateway/internal/apidef"
	"github.com/alwitt/gateway/internal/logging"
	"github.com/alwitt/gateway/internal/metrics"
	"github.com/alwitt/gateway/internal/permission"
	"github.com/alwitt/gateway/internal/route"
	"github.com/alwitt/gateway/internal/token"
	"github.com/alwitt/gateway/internal/tunnel"
	"github.com/apex/log"
)

// apiEntry is one live (ApiDefinition, trie) pairing held in the Registry's
// api_map, matching the original's Arc<RwLock<HashMap<String, (ApiDefinition, Node)>>>.
type apiEntry struct {
	def  apidef.ApiDefinition
	trie *route.Node
}

// Registry is the dispatcher: it owns the live API-definition map and wires
// together the token validator, permission cache, metric registry, and
// websocket tunnel to serve every incoming request.
type Registry struct {
	logging.Component

	validator  *token.Validator
	perm       *permission.Cache
	metrics    *metrics.Registry
	tunnel     *tunnel.Tunnel
	httpClient *http.Client

	lock   sync.RWMutex
	apiMap map[string]*apiEntry
}

/*
NewRegistry builds an empty Registry. Ingest must be called (directly or via
a Source consumer goroutine) to populate the live API map before any
meaningful traffic can be served.
*/
func NewRegistry(
	validator *token.Validator,
	perm *permission.Cache,
	reg *metrics.Registry,
	tun *tunnel.Tunnel,
	httpClient *http.Client,
) *Registry {
	return &Registry{
		Component:  logging.Component{LogTags: log.Fields{"module": "gateway", "component": "dispatcher"}},
		validator:  validator,
		perm:       perm,
		metrics:    reg,
		tunnel:     tun,
		httpClient: httpClient,
		apiMap:     map[string]*apiEntry{},
	}
}

/*
Ingest validates def with CheckFields (the sources have normally run it, and
BuildURIs, already; running it again is harmless) and inserts/replaces it in
the live map under the write lock, building its trie once up front. A
definition that fails validation is logged and not inserted.

 @param ctxt context.Context - the operating context, for log enrichment
 @param def apidef.ApiDefinition - the definition to ingest
*/
func (reg *Registry) Ingest(ctxt context.Context, def apidef.ApiDefinition) {
	logTags := reg.GetLogTagsForContext(ctxt)

	if err := def.CheckFields(); err != nil {
		log.WithError(err).WithFields(logTags).WithField("app_name", def.AppName).
			Error("Rejecting invalid API definition")
		return
	}

	entry := &apiEntry{def: def}
	if def.Mode.Kind == apidef.ForwardStrict {
		entry.trie = route.Build(&def)
	}

	reg.lock.Lock()
	reg.apiMap[def.AppName] = entry
	reg.lock.Unlock()

	log.WithFields(logTags).WithField("app_name", def.AppName).Info("API definition updated")
}

func (reg *Registry) lookup(app string) (*apiEntry, bool) {
	reg.lock.RLock()
	defer reg.lock.RUnlock()
	entry, ok := reg.apiMap[app]
	return entry, ok
}
