package axtree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// rawAXValue is a lenient AXValue: plain strings instead of strict enums so
// unknown values from newer Chrome builds still decode.
type rawAXValue struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

type rawAXNode struct {
	NodeID           string      `json:"nodeId"`
	Ignored          bool        `json:"ignored"`
	Role             *rawAXValue `json:"role,omitempty"`
	Name             *rawAXValue `json:"name,omitempty"`
	ParentID         string      `json:"parentId,omitempty"`
	ChildIDs         []string    `json:"childIds,omitempty"`
	BackendDOMNodeID int64       `json:"backendDOMNodeId,omitempty"`
}

type rawAXTreeResult struct {
	Nodes []rawAXNode `json:"nodes"`
}

func (v *rawAXValue) String() string {
	if v == nil || v.Value == nil {
		return ""
	}
	switch val := v.Value.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// CDPTreeSource reads the full accessibility tree through
// Accessibility.getFullAXTree and renders it as marker-annotated text.
type CDPTreeSource struct {
	Client CDPClient
}

func (s CDPTreeSource) FetchTree(ctx context.Context) (string, error) {
	raw, err := s.Client.Send(ctx, "Accessibility.getFullAXTree", nil)
	if err != nil {
		return "", fmt.Errorf("get accessibility tree: %w", err)
	}
	var res rawAXTreeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode accessibility tree: %w", err)
	}
	return formatTree(res.Nodes), nil
}

// formatTree renders one line per kept node: "<indent>[id] role: name".
// Nodes backed by a DOM node get their backend node id; the rest get a
// grouping id "<leaf ancestor>-<n>".
func formatTree(nodes []rawAXNode) string {
	if len(nodes) == 0 {
		return ""
	}
	byID := make(map[string]*rawAXNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].NodeID] = &nodes[i]
	}

	children := make(map[string][]string, len(nodes))
	listedBy := make(map[string]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		for _, c := range n.ChildIDs {
			if _, ok := byID[c]; ok {
				children[n.NodeID] = append(children[n.NodeID], c)
				listedBy[c] = n.NodeID
			}
		}
	}
	var roots []string
	for i := range nodes {
		n := &nodes[i]
		parent, ok := byID[n.ParentID]
		switch {
		case n.ParentID == "" || !ok:
			roots = append(roots, n.NodeID)
		case listedBy[n.NodeID] != parent.NodeID:
			// Not in the parent's childIds; append in document order.
			children[parent.NodeID] = append(children[parent.NodeID], n.NodeID)
		}
	}

	var b strings.Builder
	visited := make(map[string]bool, len(nodes))
	groups := make(map[string]int)

	var walk func(id string, depth int, leaf string)
	walk = func(id string, depth int, leaf string) {
		if visited[id] {
			return
		}
		visited[id] = true
		n := byID[id]
		role := n.Role.String()
		name := escapeMarkers(strings.Join(strings.Fields(n.Name.String()), " "))

		if skipNode(n, role, name) {
			for _, c := range children[id] {
				walk(c, depth, leaf)
			}
			return
		}

		var marker string
		next := leaf
		if n.BackendDOMNodeID != 0 {
			marker = strconv.FormatInt(n.BackendDOMNodeID, 10)
			next = marker
		} else {
			anc := leaf
			if anc == "" {
				anc = "0"
			}
			groups[anc]++
			marker = anc + "-" + strconv.Itoa(groups[anc])
		}

		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString("[" + marker + "] " + role)
		if name != "" {
			b.WriteString(": " + name)
		}
		b.WriteByte('\n')

		for _, c := range children[id] {
			walk(c, depth+1, next)
		}
	}
	for _, r := range roots {
		walk(r, 0, "")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// escapeMarkers keeps page text from reading as a marker by replacing the
// space after "]" with a no-break space.
func escapeMarkers(s string) string {
	return strings.ReplaceAll(s, "] ", "]\u00a0")
}

func skipNode(n *rawAXNode, role, name string) bool {
	if n.Ignored || role == "InlineTextBox" {
		return true
	}
	switch role {
	case "", "none", "generic":
		return name == ""
	}
	return false
}

// xpathFunction runs with `this` bound to the resolved node and returns its
// absolute XPath. Text nodes resolve to their parent element.
const xpathFunction = `function() {
	let el = this;
	if (el && el.nodeType === Node.TEXT_NODE) el = el.parentElement;
	const parts = [];
	while (el && el.nodeType === Node.ELEMENT_NODE) {
		let idx = 1;
		for (let sib = el.previousElementSibling; sib; sib = sib.previousElementSibling) {
			if (sib.nodeName === el.nodeName) idx++;
		}
		parts.unshift(el.nodeName.toLowerCase() + "[" + idx + "]");
		el = el.parentElement;
	}
	return parts.length ? "/" + parts.join("/") : "";
}`

const objectGroup = "browserflow-locators"

// CDPLocatorSource maps every leaf marker id (a backend DOM node id) to the
// absolute XPath of its element.
type CDPLocatorSource struct {
	Client CDPClient
}

// FetchLocators omits nodes that left the document after the tree was read.
// Any other CDP failure aborts the lookup.
func (s CDPLocatorSource) FetchLocators(ctx context.Context, tree string) (map[string]string, error) {
	out := make(map[string]string)
	ids := MarkerIDs(tree)
	if len(ids) == 0 {
		return out, nil
	}
	if _, err := s.Client.Send(ctx, "DOM.getDocument", map[string]any{"depth": -1, "pierce": true}); err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	defer func() {
		_, _ = s.Client.Send(context.WithoutCancel(ctx), "Runtime.releaseObjectGroup", map[string]any{"objectGroup": objectGroup})
	}()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if IsGroupingID(id) {
			continue
		}
		if _, done := out[id]; done {
			continue
		}
		backendID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		xpath, err := s.xpathFor(ctx, backendID)
		if err != nil {
			if isStaleNode(err) {
				continue
			}
			return nil, fmt.Errorf("resolve node %d: %w", backendID, err)
		}
		if xpath != "" {
			out[id] = xpath
		}
	}
	return out, nil
}

func (s CDPLocatorSource) xpathFor(ctx context.Context, backendID int64) (string, error) {
	raw, err := s.Client.Send(ctx, "DOM.resolveNode", map[string]any{
		"backendNodeId": backendID,
		"objectGroup":   objectGroup,
	})
	if err != nil {
		return "", err
	}
	var resolved struct {
		Object struct {
			ObjectID string `json:"objectId"`
		} `json:"object"`
	}
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return "", err
	}
	if resolved.Object.ObjectID == "" {
		return "", fmt.Errorf("node %d: %w", backendID, errNoRemoteObject)
	}

	raw, err = s.Client.Send(ctx, "Runtime.callFunctionOn", map[string]any{
		"objectId":            resolved.Object.ObjectID,
		"functionDeclaration": xpathFunction,
		"returnByValue":       true,
	})
	if err != nil {
		return "", err
	}
	var called struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &called); err != nil {
		return "", err
	}
	return called.Result.Value, nil
}

var errNoRemoteObject = errors.New("no remote object")

// staleNodeMessages are the protocol errors CDP returns for a node or object
// that is no longer part of the document.
var staleNodeMessages = []string{
	"No node with given id found",
	"Could not find node with given id",
	"Could not find object with given id",
	"Node is detached from document",
	"Node with given id does not belong to the document",
}

func isStaleNode(err error) bool {
	if errors.Is(err, errNoRemoteObject) {
		return true
	}
	msg := err.Error()
	for _, m := range staleNodeMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
