package node

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browserflow/internal/axtree"
)

// AccessibilityTree returns the page's accessibility tree with markers
// renumbered to 0..N-1 and the matching element locators.
type AccessibilityTree struct {
	conn   Connector
	cdpURL string
	logger zerolog.Logger
}

func NewAccessibilityTree(conn Connector, cdpURL string, logger zerolog.Logger) *AccessibilityTree {
	return &AccessibilityTree{conn: conn, cdpURL: cdpURL, logger: logger.With().Str("node", "accessibilityTree").Logger()}
}

func (a *AccessibilityTree) Description() Description {
	return Description{
		Name:        "accessibilityTree",
		DisplayName: "Accessibility Tree",
		Description: "Capture the accessibility tree of the current page with element locators",
		Version:     1,
		Properties: []Property{
			cdpURLProperty,
			{
				Name: "url", DisplayName: "URL", Type: TypeString,
				Description: "Navigate here before capturing. Empty captures the current page",
			},
			waitUntilProperty,
			continueOnFailProperty,
		},
	}
}

// Execute captures the tree once per invocation. Parameters come from the
// node and the first input item.
func (a *AccessibilityTree) Execute(ctx context.Context, in Input) ([]Item, error) {
	once := Input{Params: in.Params}
	if len(in.Items) > 0 {
		once.Items = in.Items[:1]
	}
	return runItems(ctx, a.Description(), once, a.logger, a.capture)
}

func (a *AccessibilityTree) capture(ctx context.Context, p Params, _ Item) (Item, error) {
	ctrl, err := connect(ctx, a.conn, p, a.cdpURL)
	if err != nil {
		return Item{}, err
	}
	defer closeQuietly(ctx, ctrl, a.logger)

	if url := p.Str("url"); url != "" {
		if err := ctrl.Navigate(ctx, url, p.Str("waitUntil")); err != nil {
			return Item{}, fmt.Errorf("navigate: %w", err)
		}
	}

	res, err := axtree.Capture(ctx, axtree.CDPTreeSource{Client: ctrl}, axtree.CDPLocatorSource{Client: ctrl})
	if err != nil {
		return Item{}, err
	}
	a.logger.Debug().Int("markers", len(res.Locators)).Int("tree_size", len(res.Tree)).Msg("accessibility tree captured")
	return Item{JSON: map[string]any{"tree": res.Tree, "locators": res.Locators}}, nil
}
