package apidef

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const sampleDefinitions = `
- app_name: /misc
  host: backend.local:8080
  mode:
    kind: forward_all
- app_name: /orders
  host: orders.local:9000
  mode:
    kind: forward_strict
    endpoints:
      - path: /items/{id}
        method: GET
        check_permission: true
`

func TestFileSourceStreamsValidatedDefinitions(t *testing.T) {
	f, err := os.CreateTemp("", "apidefs-*.yaml")
	assert.Nil(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString(sampleDefinitions)
	assert.Nil(t, err)
	assert.Nil(t, f.Close())

	src := &FileSource{Path: f.Name()}
	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defs, errs := src.Stream(ctxt)

	var seen []ApiDefinition
	for d := range defs {
		seen = append(seen, d)
	}
	for e := range errs {
		assert.Nil(t, e)
	}

	assert.Len(t, seen, 2)
	assert.Equal(t, "/misc", seen[0].AppName)
	assert.Equal(t, "http://backend.local:8080", seen[0].URIHTTP)
	assert.Equal(t, ForwardStrict, seen[1].Mode.Kind)
}

func TestFileSourceReportsMissingFile(t *testing.T) {
	src := &FileSource{Path: "/tmp/does-not-exist-gateway-apis.yaml"}
	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defs, errs := src.Stream(ctxt)

	for range defs {
		t.Fatal("expected no definitions")
	}
	var gotErr bool
	for e := range errs {
		if e != nil {
			gotErr = true
		}
	}
	assert.True(t, gotErr)
}

func TestFileSourceRejectsInvalidDefinition(t *testing.T) {
	f, err := os.CreateTemp("", "apidefs-bad-*.yaml")
	assert.Nil(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString("- app_name: bad\n  host: backend.local\n  mode:\n    kind: forward_all\n")
	assert.Nil(t, err)
	assert.Nil(t, f.Close())

	src := &FileSource{Path: f.Name()}
	ctxt, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	defs, errs := src.Stream(ctxt)

	for range defs {
	}
	var gotErr bool
	for e := range errs {
		if e != nil {
			gotErr = true
		}
	}
	assert.True(t, gotErr)
}
