// Package route implements the per-API route table: a trie keyed by path
// segment, mapping (path, method) to the Endpoint that handles it.
package route

import (
	"regexp"
	"strings"

	"github.com/alwitt/gateway/internal/apidef"
)

var isParam = regexp.MustCompile(`\{[^/]*\}`)

// Node is one segment of the route trie. endpoints holds terminal
// method-keyed endpoints at this node; fixed holds literal-segment
// children; param holds the single parameter-segment child, if any.
// Literal children are always tried before the parameter child, giving
// literal segments priority over parameters at the same depth.
type Node struct {
	endpoints map[string]apidef.Endpoint
	fixed     map[string]*Node
	param     *Node
}

func newNode() *Node {
	return &Node{endpoints: map[string]apidef.Endpoint{}, fixed: map[string]*Node{}}
}

// stripPath removes a single leading `/`, and a single trailing `/` if
// present, before the path is split on `/` for trie traversal.
func stripPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "/") {
		path = path[1:]
	}
	if strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

func (n *Node) insert(segments []string, endpoint apidef.Endpoint) {
	if len(segments) == 0 {
		n.endpoints[endpoint.Method] = endpoint
		return
	}
	current, rest := segments[0], segments[1:]
	if isParam.MatchString(current) {
		if n.param == nil {
			n.param = newNode()
		}
		n.param.insert(rest, endpoint)
		return
	}
	next, ok := n.fixed[current]
	if !ok {
		next = newNode()
		n.fixed[current] = next
	}
	next.insert(rest, endpoint)
}

/*
Build constructs the route trie for a ForwardStrict ApiDefinition. Each
endpoint's Permission is derived (BuildPermission) before insertion.
ForwardAll APIs have no trie; callers should not call Build for them.

 @param api *apidef.ApiDefinition - the owning API definition
 @return the root Node of the trie
*/
func Build(api *apidef.ApiDefinition) *Node {
	root := newNode()
	if api.Mode.Kind != apidef.ForwardStrict {
		return root
	}
	for _, endpoint := range api.Mode.Endpoints {
		built := endpoint
		built.BuildPermission(api.AppNameTrimmed())
		root.insert(strings.Split(stripPath(built.Path), "/"), built)
	}
	return root
}

/*
Match looks up the endpoint registered for path and method, descending
literal segments first and falling back to the parameter child when no
literal child matches.

 @param path string - the forwarded sub-path (already stripped of the app prefix)
 @param method string - the HTTP method
 @return the matched endpoint and whether a match was found
*/
func (n *Node) Match(path string, method string) (apidef.Endpoint, bool) {
	segments := strings.Split(stripPath(path), "/")
	return n.matchSegments(segments, method)
}

func (n *Node) matchSegments(segments []string, method string) (apidef.Endpoint, bool) {
	node := n
	for len(segments) > 0 {
		seg := segments[0]
		segments = segments[1:]
		if next, ok := node.fixed[seg]; ok {
			node = next
			continue
		}
		if node.param != nil {
			node = node.param
			continue
		}
		return apidef.Endpoint{}, false
	}
	endpoint, ok := node.endpoints[method]
	return endpoint, ok
}
