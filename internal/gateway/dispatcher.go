package gateway

import (
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alwitt/gateway/internal/apidef"
	"github.com/alwitt/gateway/internal/logging"
	"github.com/alwitt/gateway/internal/token"
	"github.com/apex/log"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":      "*",
	"Access-Control-Allow-Headers":     "*",
	"Access-Control-Allow-Methods":     "*",
	"Access-Control-Allow-Credentials": "true",
	"Access-Control-Max-Age":           "86400",
}

func writeCORSPreamble(w http.ResponseWriter) {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
}

func writeTerminal(w http.ResponseWriter, status int, body []byte) {
	writeCORSPreamble(w)
	w.WriteHeader(status)
	if len(body) > 0 {
		_, _ = w.Write(body)
	}
}

// ServeHTTP implements the full dispatcher pipeline of spec.md §4.4.
func (reg *Registry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Step 1: reserved top-level routes short-circuit everything else.
	switch r.URL.Path {
	case "/metrics":
		reg.metrics.Handler().ServeHTTP(w, r)
		return
	case "/health":
		writeCORSPreamble(w)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Ok"))
		return
	}

	start := time.Now()
	method := r.Method
	path := r.URL.Path

	// Step 2: CORS preflight short-circuit.
	if method == http.MethodOptions {
		reg.commitAndLog(start, "", method, path, http.StatusNoContent, "", "", "")
		writeTerminal(w, http.StatusNoContent, nil)
		return
	}

	// Step 3: app-prefix split. The path must contain a `/` after the first
	// character, e.g. "/misc/events" splits into app="/misc".
	slashIdx := strings.Index(path[1:], "/")
	if slashIdx < 0 {
		reg.commitAndLog(start, "", method, path, http.StatusNotFound, "", "", "no / found")
		writeTerminal(w, http.StatusNotFound, []byte("Not Found"))
		return
	}
	app := path[:slashIdx+1]

	// Step 4: credential extraction — Authorization header, else ?_auth_token=.
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		authorization = authFromQuery(r.URL)
	}
	if authorization == "" {
		reg.commitAndLog(start, app, method, path, http.StatusForbidden, "", "", "no authorization header")
		writeTerminal(w, http.StatusForbidden, []byte("Forbidden"))
		return
	}

	// Step 5: token validation.
	claims, tokenType, ok := reg.validator.Validate(r.Context(), authorization)
	if !ok {
		reg.commitAndLog(start, app, method, path, http.StatusForbidden, "", "", "invalid or no claim")
		writeTerminal(w, http.StatusForbidden, []byte("Forbidden"))
		return
	}

	// Step 6: app lookup.
	entry, ok := reg.lookup(app)
	if !ok {
		reg.commitAndLog(start, app, method, path, http.StatusNotFound, claims.Sub, claims.TokenID, "forward api not found")
		writeTerminal(w, http.StatusNotFound, []byte("Not Found"))
		return
	}

	forwardedPath := path[len(app):]

	// Step 7: route match (ForwardAll synthesizes a bare endpoint).
	var endpoint apidef.Endpoint
	if entry.def.Mode.Kind == apidef.ForwardAll {
		endpoint = apidef.FromForwardAll(forwardedPath, method, app)
	} else {
		matched, found := entry.trie.Match(forwardedPath, method)
		if !found {
			reg.commitAndLog(start, app, method, path, http.StatusNotFound, claims.Sub, claims.TokenID, "endpoint not found in service")
			writeTerminal(w, http.StatusNotFound, []byte("Not Found"))
			return
		}
		endpoint = matched
	}

	logTags := reg.GetLogTagsForContext(logging.WithRequestParam(r.Context(), logging.RequestParam{
		App: app, Method: method, Path: path, UserSub: claims.Sub, TokenID: claims.TokenID, Permission: endpoint.Permission,
	}))

	// Step 8: permission check.
	if endpoint.CheckPermission && !reg.perm.HasPerm(endpoint.Permission, claims.TokenID) {
		log.WithFields(logTags).Info("Does not have the permission")
		reg.commitAndLog(start, app, method, path, http.StatusForbidden, claims.Sub, claims.TokenID, "does not have the permission")
		writeTerminal(w, http.StatusForbidden, []byte("Forbidden"))
		return
	}

	forwardedURIAndQuery := forwardedPath
	if r.URL.RawQuery != "" {
		forwardedURIAndQuery += "?" + r.URL.RawQuery
	}
	httpURI := entry.def.URIHTTP + forwardedURIAndQuery
	wsURI := entry.def.URIWS + forwardedURIAndQuery

	// Step 9/10: websocket upgrade or plain HTTP forward.
	if endpoint.IsWebsocket {
		if isUpgradeRequest(r) {
			if err := reg.tunnel.Upgrade(r.Context(), w, r, wsURI, entry.def.AppNameTrimmed()); err != nil {
				log.WithError(err).WithFields(logTags).Error("Websocket tunnel setup failed")
				reg.commitAndLog(start, app, method, path, http.StatusBadGateway, claims.Sub, claims.TokenID, err.Error())
				writeTerminal(w, http.StatusBadGateway, []byte("Bad Gateway"))
				return
			}
			reg.commitAndLog(start, app, method, path, http.StatusSwitchingProtocols, claims.Sub, claims.TokenID, "")
			return
		}
		reg.commitAndLog(start, app, method, path, http.StatusUpgradeRequired, claims.Sub, claims.TokenID, "websocket requires upgrade")
		writeTerminal(w, http.StatusUpgradeRequired, nil)
		return
	}

	roles := reg.perm.RolesFor(claims.TokenID, entry.def.AppNameTrimmed())
	reg.forwardHTTP(w, r, httpURI, claims, roles, tokenType, start, app, method, path, endpoint)
}

func authFromQuery(u *url.URL) string {
	token := u.Query().Get("_auth_token")
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// forwardHTTP builds the outbound request, injects the X-Forwarded-User-*
// headers, proxies it to the backend, and streams the response back.
func (reg *Registry) forwardHTTP(
	w http.ResponseWriter, r *http.Request, targetURI string,
	claims *token.Claims, roles string, tokenType string,
	start time.Time, app string, method string, path string, endpoint apidef.Endpoint,
) {
	logTags := reg.GetLogTagsForContext(logging.WithRequestParam(r.Context(), logging.RequestParam{
		App: app, Method: method, Path: path, UserSub: claims.Sub, TokenID: claims.TokenID, Permission: endpoint.Permission,
	}))

	outbound, err := http.NewRequestWithContext(r.Context(), method, targetURI, r.Body)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Uri parsing error")
		reg.commitAndLog(start, app, method, path, http.StatusNotFound, claims.Sub, claims.TokenID, "uri parsing error")
		writeTerminal(w, http.StatusNotFound, []byte("Not Found"))
		return
	}
	outbound.Header = r.Header.Clone()
	injectForwardedHeaders(outbound.Header, claims, roles, tokenType)

	resp, err := reg.httpClient.Do(outbound)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Backend request failed")
		reg.commitAndLog(start, app, method, path, http.StatusBadGateway, claims.Sub, claims.TokenID, err.Error())
		writeTerminal(w, http.StatusBadGateway, []byte("Bad Gateway"))
		return
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	log.WithFields(logTags).WithField("response_code", resp.StatusCode).Info("Request forwarded")
	reg.commitHTTPMetrics(app, method, strconv.Itoa(resp.StatusCode), time.Since(start), r.ContentLength, written)
}

// injectForwardedHeaders sets the X-Forwarded-User-* headers, matching
// main.rs's inject_headers. Empty values are set like any other (an empty
// string is a valid header value). A value containing a control character
// other than horizontal tab is not a valid header field value, so that header
// is skipped rather than sent.
func injectForwardedHeaders(headers http.Header, claims *token.Claims, roles string, tokenType string) {
	for _, h := range [][2]string{
		{"X-Forwarded-User", claims.TokenID},
		{"X-Forwarded-User-Username", claims.PreferredUsername},
		{"X-Forwarded-User-First-Name", claims.GivenName},
		{"X-Forwarded-User-Last-Name", claims.FamilyName},
		{"X-Forwarded-User-Email", claims.Email},
		{"X-Forwarded-User-Roles", roles},
		{"X-Forwarded-User-Type", tokenType},
	} {
		if strings.IndexFunc(h[1], func(c rune) bool { return (c < ' ' && c != '\t') || c == 0x7f }) < 0 {
			headers.Set(h[0], h[1])
		}
	}
}

func (reg *Registry) commitAndLog(start time.Time, app string, method string, path string, status int, userSub string, tokenID string, errMsg string) {
	logTags := log.Fields{"app": app, "method": method, "path": path, "status_code": status}
	if userSub != "" {
		logTags["user_sub"] = userSub
	}
	if tokenID != "" {
		logTags["token_id"] = tokenID
	}
	if errMsg != "" {
		logTags["error"] = errMsg
		log.WithFields(logTags).Warn("Request terminated")
	} else {
		log.WithFields(logTags).Info("Request terminated")
	}
	reg.commitHTTPMetrics(app, method, strconv.Itoa(status), time.Since(start), 0, 0)
}

func (reg *Registry) commitHTTPMetrics(app string, method string, statusCode string, duration time.Duration, reqSize int64, resSize int64) {
	var reqHigh *float64
	if reqSize >= 0 {
		v := float64(reqSize)
		reqHigh = &v
	}
	resHigh := new(float64)
	*resHigh = float64(resSize)
	reg.metrics.CommitHTTP(app, method, statusCode, duration.Seconds(), float64(reqSize), reqHigh, float64(resSize), resHigh)
}
