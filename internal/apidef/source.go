package apidef

import (
	"context"
	"os"

	"gopkg.in/yaml.v3"
)

// Source streams validated ApiDefinition updates. Implementations close the
// definitions channel when no more updates will ever be produced (FileSource
// closes it immediately after its one-shot emission; OrchestratorSource
// never closes it while ctxt is alive).
type Source interface {
	Stream(ctxt context.Context) (<-chan ApiDefinition, <-chan error)
}

// FileSource reads a static YAML array of ApiDefinition from a local file,
// per spec.md §4.3's "File source" variant.
type FileSource struct {
	Path string
}

// Stream implements Source: decodes the file once and emits every entry,
// then closes both channels.
func (s *FileSource) Stream(ctxt context.Context) (<-chan ApiDefinition, <-chan error) {
	defs := make(chan ApiDefinition)
	errs := make(chan error, 1)

	go func() {
		defer close(defs)
		defer close(errs)

		raw, err := os.ReadFile(s.Path)
		if err != nil {
			errs <- err
			return
		}
		var parsed []ApiDefinition
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			errs <- err
			return
		}
		for i := range parsed {
			if err := parsed[i].CheckFields(); err != nil {
				errs <- err
				return
			}
			parsed[i].BuildURIs()
			select {
			case <-ctxt.Done():
				return
			case defs <- parsed[i]:
			}
		}
	}()

	return defs, errs
}
