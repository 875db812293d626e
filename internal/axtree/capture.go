package axtree

import (
	"context"
	"encoding/json"
	"fmt"
)

// TreeSource returns the current accessibility tree as marker-annotated text.
type TreeSource interface {
	FetchTree(ctx context.Context) (string, error)
}

// LocatorSource derives a locator for every leaf marker id present in tree.
type LocatorSource interface {
	FetchLocators(ctx context.Context, tree string) (map[string]string, error)
}

// CDPClient sends a raw DevTools Protocol command to the current page.
type CDPClient interface {
	Send(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
}

const (
	StageTree     = "tree"
	StageLocators = "locators"
)

// FetchError reports which collaborator failed during Capture.
type FetchError struct {
	Stage string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Capture fetches the tree and its locator map, then renumbers the tree.
// Neither fetch is retried.
func Capture(ctx context.Context, trees TreeSource, locs LocatorSource) (Result, error) {
	tree, err := trees.FetchTree(ctx)
	if err != nil {
		return Result{}, &FetchError{Stage: StageTree, Err: err}
	}
	locators, err := locs.FetchLocators(ctx, tree)
	if err != nil {
		return Result{}, &FetchError{Stage: StageLocators, Err: err}
	}
	return Renumber(tree, locators), nil
}
