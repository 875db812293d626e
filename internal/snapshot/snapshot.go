package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	collectLimit   = 300
	defaultKeep    = 150
	visibleTextCap = 1200
)

// Element describes minimal info about interactive node.
type Element struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Text  string `json:"text"`
	Attr  string `json:"attr,omitempty"`
	BBox  string `json:"bbox,omitempty"`
	Sel   string `json:"selector"`
}

// Summary is a compact view of current page.
type Summary struct {
	URL      string
	Title    string
	Visible  string
	Elements []Element
}

// Page is the slice of browser.Controller that Collect needs.
type Page interface {
	Evaluate(ctx context.Context, expression string, args ...any) (any, error)
	Title(ctx context.Context) (string, error)
	URL() string
}

// ToMap returns summary as a JSON-friendly map.
func (s Summary) ToMap() map[string]any {
	return map[string]any{
		"url":      s.URL,
		"title":    s.Title,
		"visible":  s.Visible,
		"elements": s.Elements,
	}
}

// Element returns the element with the given index.
func (s Summary) Element(index int) (Element, bool) {
	for _, el := range s.Elements {
		if el.Index == index {
			return el, true
		}
	}
	return Element{}, false
}

// Collect gathers page metadata and up to keep ranked interactive elements.
// keep <= 0 uses the default.
func Collect(ctx context.Context, page Page, keep int) (Summary, error) {
	if keep <= 0 {
		keep = defaultKeep
	}
	title, _ := page.Title(ctx)

	var text string
	if v, err := page.Evaluate(ctx, `() => document.body ? document.body.innerText : ""`); err == nil {
		text, _ = v.(string)
	}
	if len(text) > visibleTextCap {
		text = text[:visibleTextCap]
	}

	raw, err := page.Evaluate(ctx, collectScript, collectLimit)
	if err != nil {
		return Summary{}, fmt.Errorf("collect elements: %w", err)
	}
	elems, err := decodeElements(raw)
	if err != nil {
		return Summary{}, fmt.Errorf("decode elements: %w", err)
	}

	return Summary{
		URL:      page.URL(),
		Title:    title,
		Visible:  strings.TrimSpace(text),
		Elements: filterAndRankElements(elems, keep),
	}, nil
}

func decodeElements(val any) ([]Element, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var elems []Element
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\nELEMENTS:\n", s.URL, s.Title, s.Visible)
	for _, el := range s.Elements {
		fmt.Fprintf(&b, "[%d] role=%s text=%q selector=%s\n", el.Index, el.Role, el.Text, el.Sel)
	}
	return b.String()
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

// filterAndRankElements drops irrelevant elements, keeps the best maxCount
// and numbers the survivors in their original page order.
func filterAndRankElements(elems []Element, maxCount int) []Element {
	type scored struct {
		pos   int
		score int
	}
	ranked := make([]scored, 0, len(elems))
	for i, el := range elems {
		if s := scoreElement(el); s > 0 {
			ranked = append(ranked, scored{pos: i, score: s})
		}
	}
	if len(ranked) > maxCount {
		sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		ranked = ranked[:maxCount]
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].pos < ranked[j].pos })
	}

	out := make([]Element, 0, len(ranked))
	for i, r := range ranked {
		el := elems[r.pos]
		el.Index = i
		out = append(out, el)
	}
	return out
}

// scoreElement calculates relevance score for an element
func scoreElement(el Element) int {
	score := 0
	attrLower := strings.ToLower(el.Attr)

	if el.Role != "" && el.Role != "generic" && el.Role != "presentation" {
		score += 5
	}
	if len(el.Text) > 0 {
		score += 3
		if len(el.Text) > 10 && len(el.Text) < 200 {
			score += 2
		}
	}
	if strings.Contains(attrLower, "aria-label:") && !strings.Contains(attrLower, "aria-label:|") {
		score += 2
	}
	if strings.Contains(attrLower, "placeholder:") && !strings.Contains(attrLower, "placeholder:|") {
		score += 2
	}
	if el.Sel == "" {
		score -= 4
	}
	if len(el.Text) == 0 && el.Role == "" {
		score -= 5
	}
	if len(el.Text) > 500 {
		score -= 3
	}
	return score
}

const collectScript = `(limit) => {
	const pick = [];
	function cssEscape(v) {
		return (window.CSS && CSS.escape) ? CSS.escape(v) : v.replace(/[^a-zA-Z0-9_-]/g, "\\$&");
	}
	function selectorFor(el, role, text) {
		if (el.id) return "#" + cssEscape(el.id);
		const name = el.getAttribute("name");
		if (name) return el.tagName.toLowerCase() + "[name=\"" + name.replace(/"/g, "") + "\"]";
		const testId = el.getAttribute("data-testid");
		if (testId) return "[data-testid=\"" + testId.replace(/"/g, "") + "\"]";
		const label = (el.getAttribute("aria-label") || "").replace(/["\[\]\n\r]/g, " ").trim().slice(0, 40);
		if (label) return "[aria-label=\"" + label + "\"]";
		const parts = [];
		for (let n = el; n && n.nodeType === 1 && n !== document.documentElement; n = n.parentElement) {
			let idx = 1;
			for (let s = n.previousElementSibling; s; s = s.previousElementSibling) {
				if (s.tagName === n.tagName) idx++;
			}
			parts.unshift(n.tagName.toLowerCase() + ":nth-of-type(" + idx + ")");
		}
		return parts.length ? "html > " + parts.join(" > ") : "";
	}
	function collect(root) {
		if (!root || pick.length >= limit) return;
		let nodes = [];
		try {
			nodes = root.querySelectorAll("a,button,input,select,textarea,summary,[role],[tabindex],[contenteditable=true],[onclick]");
		} catch (e) {
			return;
		}
		for (const el of nodes) {
			if (pick.length >= limit) break;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) continue;
			const bbox = [Math.round(rect.x), Math.round(rect.y), Math.round(rect.width), Math.round(rect.height)].join(",");
			const role = el.getAttribute("role") || el.tagName.toLowerCase();
			const attr = ["name","aria-label","placeholder","type","value","title","href"]
				.map(a => a + ":" + (el.getAttribute(a) || "")).join("|");
			const text = (el.innerText || el.textContent || el.value || "").trim().replace(/\s+/g, " ").slice(0, 120);
			pick.push({role, text, attr, bbox, selector: selectorFor(el, role, text)});
			if (el.shadowRoot) collect(el.shadowRoot);
		}
	}
	collect(document);
	for (const iframe of document.querySelectorAll("iframe")) {
		if (pick.length >= limit) break;
		try {
			const doc = iframe.contentDocument || (iframe.contentWindow && iframe.contentWindow.document);
			if (doc) collect(doc);
		} catch (e) {
			// cross-origin frame
		}
	}
	return pick;
}`
