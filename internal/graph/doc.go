// Package graph rewrites node-graph workflows with validated task
// arguments before they are submitted to the media engine.
//
// Injection runs in a fixed order against a copy of the workflow: binding
// validation, file download, LoRA installation, prompt trigger injection,
// preprocessing and finally writing values into node fields. Any error
// aborts the whole injection and the original workflow is left untouched.
package graph
