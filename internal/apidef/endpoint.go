package apidef

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var paramToken = regexp.MustCompile(`\{[^/]*\}`)
var paramCapture = regexp.MustCompile(`(.?)\{([^/]+)\}(.?)`)

// Endpoint describes one method+path pair of a ForwardStrict ApiDefinition.
type Endpoint struct {
	Path            string `json:"path" yaml:"path" validate:"required"`
	Method          string `json:"method" yaml:"method" validate:"required"`
	IsWebsocket     bool   `json:"is_websocket" yaml:"is_websocket"`
	CheckPermission bool   `json:"check_permission" yaml:"check_permission"`
	// Permission is derived, never read from the wire.
	Permission string `json:"-" yaml:"-"`
}

/*
BuildPermission derives this endpoint's permission string as
"<app>::<method>::<path-with-params-collapsed-to-{}>", matching the original
gateway's permission naming scheme. app must already have its leading `/`
stripped.

 @param app string - the owning API's app name, without the leading `/`
*/
func (e *Endpoint) BuildPermission(app string) {
	e.Permission = fmt.Sprintf("%s::%s::%s", app, e.Method, paramToken.ReplaceAllString(e.Path, "{}"))
}

// CheckFields validates this endpoint's own shape invariants.
func (e *Endpoint) CheckFields() error {
	if err := e.checkPath(); err != nil {
		return err
	}
	if err := e.checkParameters(); err != nil {
		return err
	}
	return e.checkMethod()
}

func (e *Endpoint) checkPath() error {
	if len(e.Path) == 0 {
		return fmt.Errorf("path: %s must be at least 1 character", e.Path)
	}
	if !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("path: %s should start with `/`", e.Path)
	}
	return nil
}

func (e *Endpoint) checkParameters() error {
	mutPath := e.Path
	for paramCapture.MatchString(mutPath) {
		captures := paramCapture.FindStringSubmatch(mutPath)
		content := captures[2]
		if strings.ContainsAny(content, "{}") {
			return fmt.Errorf("param: `%s` contains `{` or `}` in path `%s`", content, e.Path)
		}
		preceded := captures[1]
		if preceded != "/" {
			return fmt.Errorf(
				"param: `%s` must be preceded by `/` not `%s` in path `%s`", content, preceded, e.Path,
			)
		}
		mutPath = strings.Replace(mutPath, "{"+content+"}", "", 1)
	}
	if strings.ContainsAny(mutPath, "{}") {
		return fmt.Errorf("path: `%s` contains/is missing `{` or `}`", e.Path)
	}
	return nil
}

var validMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

func (e *Endpoint) checkMethod() error {
	if !validMethods[strings.ToUpper(e.Method)] {
		return fmt.Errorf("couldn't parse method: %s", e.Method)
	}
	return nil
}

// FromForwardAll builds the synthetic endpoint used by ForwardAll mode APIs,
// whose permission is always the fixed "<app>::<method>::FULL_ACCESS" literal
// regardless of sub-path.
func FromForwardAll(path string, method string, app string) Endpoint {
	e := Endpoint{Path: path, Method: method, CheckPermission: true}
	e.Permission = fmt.Sprintf("%s::%s::FULL_ACCESS", strings.TrimPrefix(app, "/"), method)
	return e
}
