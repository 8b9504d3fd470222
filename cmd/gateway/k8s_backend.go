package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/gateway/internal/apidef"
	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
)

// apiDefinitionResource is the GroupVersionResource of the ApiDefinition CRD,
// grounded on fetch_crd.rs's kube::Api<ApiDefinition> usage.
var apiDefinitionResource = schema.GroupVersionResource{
	Group:    "gateway.alwitt.io",
	Version:  "v1",
	Resource: "apidefinitions",
}

// k8sWatchBackend implements apidef.WatchBackend against the Kubernetes API
// via a dynamic client, label- and namespace-filtered per the runtime config
// (fetch_crd.rs hardcodes both the label selector and all-namespaces scope;
// this port makes each configurable, per DESIGN.md Open Question 4).
type k8sWatchBackend struct {
	client     dynamic.Interface
	label      string
	namespaces []string
}

func newK8sWatchBackend(client dynamic.Interface, label string, namespaces []string) *k8sWatchBackend {
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	return &k8sWatchBackend{client: client, label: label, namespaces: namespaces}
}

// Watch opens one watch stream per configured namespace and fans every
// resulting event into a single channel, translating unstructured objects
// into apidef.WatchEvent by re-encoding them as YAML. The channel is closed
// once every namespace's stream has ended or ctxt is done.
func (b *k8sWatchBackend) Watch(ctxt context.Context) (<-chan apidef.WatchEvent, error) {
	opts := metav1.ListOptions{LabelSelector: b.label}

	watchers := make([]watch.Interface, 0, len(b.namespaces))
	for _, ns := range b.namespaces {
		w, err := b.client.Resource(apiDefinitionResource).Namespace(ns).Watch(ctxt, opts)
		if err != nil {
			for _, opened := range watchers {
				opened.Stop()
			}
			return nil, fmt.Errorf("watch apidefinitions in namespace %q: %w", ns, err)
		}
		watchers = append(watchers, w)
	}

	out := make(chan apidef.WatchEvent)

	go func() {
		defer close(out)
		defer func() {
			for _, w := range watchers {
				w.Stop()
			}
		}()

		merged := mergeWatchChannels(ctxt, watchers)
		for ev := range merged {
			translated, ok := translateEvent(ev)
			if !ok {
				continue
			}
			select {
			case <-ctxt.Done():
				return
			case out <- translated:
			}
		}
	}()

	return out, nil
}

func mergeWatchChannels(ctxt context.Context, watchers []watch.Interface) <-chan watch.Event {
	merged := make(chan watch.Event)
	done := make(chan struct{})
	var wg sync.WaitGroup

	for _, w := range watchers {
		wg.Add(1)
		go func(w watch.Interface) {
			defer wg.Done()
			for {
				select {
				case <-ctxt.Done():
					return
				case <-done:
					return
				case ev, ok := <-w.ResultChan():
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctxt.Done():
						return
					case <-done:
						return
					}
				}
			}
		}(w)
	}

	go func() {
		<-ctxt.Done()
		close(done)
	}()

	go func() {
		wg.Wait()
		close(merged)
	}()

	return merged
}

func translateEvent(ev watch.Event) (apidef.WatchEvent, bool) {
	obj, ok := ev.Object.(*unstructured.Unstructured)
	if !ok {
		return apidef.WatchEvent{}, false
	}

	spec, found, err := unstructured.NestedMap(obj.Object, "spec")
	if err != nil || !found {
		return apidef.WatchEvent{}, false
	}
	raw, err := yaml.Marshal(spec)
	if err != nil {
		return apidef.WatchEvent{}, false
	}

	var kind apidef.WatchEventType
	switch ev.Type {
	case watch.Added:
		kind = apidef.WatchAdded
	case watch.Modified:
		kind = apidef.WatchModified
	case watch.Deleted:
		kind = apidef.WatchDeleted
	default:
		return apidef.WatchEvent{}, false
	}

	return apidef.WatchEvent{Type: kind, Raw: raw}, true
}
