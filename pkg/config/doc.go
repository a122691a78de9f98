// Package config loads the node attributes a cinder-volume convergence pass
// is built from.
//
// Attribute files are CUE, YAML or JSON documents. They are merged in the
// order given, later files winning key by key, then unified with an embedded
// CUE schema that rejects unknown keys and fills in distribution defaults.
// An optional Starlark script may compute further overrides from the merged
// result. The final tree is decoded into Attributes and checked with
// validator struct tags.
//
//	loader, err := config.NewLoader(logger)
//	attrs, err := loader.Load(ctx, config.Sources{
//	    Files:  []string{"site.cue", "node.yaml"},
//	    Script: "overrides.star",
//	})
//
// Watcher re-runs a callback when any of those files change; the CLI uses
// it for converge --watch.
package config
