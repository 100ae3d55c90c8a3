// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package compositeui implements the composite UI generator (spec §4.9): a
// pure, deterministic function from collected per-tool UI resources and an
// orchestration config to a single self-contained HTML document with an
// embedded iframe event bus.
package compositeui

import (
	"encoding/json"
	"fmt"
	"html"
	"log"
	"strings"
)

// Resource is one tool's collected UI output, in the order it was produced
// during execution.
type Resource struct {
	ToolName    string
	ResourceURI string
	Context     map[string]any // absent keys are simply not present in the map
}

// SyncRule ties one tool's emitted action to another's input slot.
type SyncRule struct {
	From string
	To   string // "*" broadcasts to every slot except the sender
}

// Layout selects the composite document's CSS arrangement.
type Layout string

const (
	LayoutSplit Layout = "split"
	LayoutTabs  Layout = "tabs"
	LayoutGrid  Layout = "grid"
	LayoutStack Layout = "stack"
)

// Orchestration is the caller-supplied composition config.
type Orchestration struct {
	Layout        Layout
	Theme         string // "light" | "dark" | "" (auto via prefers-color-scheme)
	SharedContext []string
	SyncRules     []SyncRule
}

// Generate builds the composite HTML document for resources under
// orchestration. It is total: an empty resources slice or a sync rule that
// names an unknown tool still produces valid HTML, falling back to slot 0
// with a logged warning, and never panics.
func Generate(resources []Resource, orchestration Orchestration) string {
	slots := slotIndex(resources)
	resolvedRules := resolveSyncRules(orchestration.SyncRules, slots)
	shared := resolveSharedContext(resources, orchestration.SharedContext)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<style>\n")
	b.WriteString(themeCSS())
	b.WriteString(layoutCSS(orchestration.Layout, len(resources)))
	b.WriteString("</style>\n</head>\n<body>\n")
	b.WriteString("<div id=\"pml-composite\" class=\"pml-layout\">\n")
	for slot, r := range resources {
		fmt.Fprintf(&b, "<iframe sandbox=\"allow-scripts allow-same-origin\" data-slot=\"%d\" data-source=\"%s\" src=\"%s\"></iframe>\n",
			slot, html.EscapeString(r.ToolName), html.EscapeString(r.ResourceURI))
	}
	b.WriteString("</div>\n")

	b.WriteString(configScript(resolvedRules, shared, orchestration, len(resources)))
	b.WriteString(busScript())
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// slotIndex builds toolName -> slot, preserving execution order (spec §4.9).
func slotIndex(resources []Resource) map[string]int {
	slots := make(map[string]int, len(resources))
	for i, r := range resources {
		if _, exists := slots[r.ToolName]; !exists {
			slots[r.ToolName] = i
		}
	}
	return slots
}

// resolvedSyncRule is a sync rule with its tool names already resolved to
// slot indices (or -1 for the broadcast wildcard).
type resolvedSyncRule struct {
	FromSlot int
	ToSlot   int // -1 means broadcast to all except FromSlot
}

func resolveSyncRules(rules []SyncRule, slots map[string]int) []resolvedSyncRule {
	out := make([]resolvedSyncRule, 0, len(rules))
	for _, rule := range rules {
		fromSlot, ok := slots[rule.From]
		if !ok {
			log.Printf("[compositeui] sync rule references unknown tool %q, falling back to slot 0", rule.From)
			fromSlot = 0
		}
		toSlot := -1
		if rule.To != "*" {
			if s, ok := slots[rule.To]; ok {
				toSlot = s
			} else {
				log.Printf("[compositeui] sync rule references unknown tool %q, falling back to slot 0", rule.To)
				toSlot = 0
			}
		}
		out = append(out, resolvedSyncRule{FromSlot: fromSlot, ToSlot: toSlot})
	}
	return out
}

// resolveSharedContext walks resources in order and takes the first
// non-absent value for each requested key (spec §4.9 "Shared context").
func resolveSharedContext(resources []Resource, keys []string) map[string]any {
	shared := make(map[string]any, len(keys))
	for _, key := range keys {
		for _, r := range resources {
			if v, ok := r.Context[key]; ok {
				shared[key] = v
				break
			}
		}
	}
	return shared
}

func themeCSS() string {
	return `:root {
  --pml-bg: #ffffff;
  --pml-fg: #111111;
  --pml-border: #d0d0d0;
}
@media (prefers-color-scheme: dark) {
  :root {
    --pml-bg: #111111;
    --pml-fg: #eeeeee;
    --pml-border: #444444;
  }
}
body { margin: 0; background: var(--pml-bg); color: var(--pml-fg); }
iframe { border: 1px solid var(--pml-border); width: 100%; height: 100%; }
`
}

func layoutCSS(layout Layout, n int) string {
	switch layout {
	case LayoutTabs:
		return ".pml-layout { display: flex; flex-direction: column; height: 100vh; } .pml-layout iframe { flex: 1; }\n"
	case LayoutGrid:
		cols := n
		if cols < 1 {
			cols = 1
		}
		return fmt.Sprintf(".pml-layout { display: grid; grid-template-columns: repeat(%d, 1fr); height: 100vh; }\n", cols)
	case LayoutStack:
		return ".pml-layout { display: flex; flex-direction: column; height: 100vh; }\n"
	default: // split
		return ".pml-layout { display: flex; flex-direction: row; height: 100vh; }\n"
	}
}

// compositeConfig is the data handed to the embedded bus script. It is
// serialized into a JSON sidecar, never interpolated into JS source
// directly, so no value it carries (including resource URIs or shared
// context strings) can break out of a string literal.
type compositeConfig struct {
	SyncRules     []resolvedSyncRule `json:"syncRules"`
	SharedContext map[string]any     `json:"sharedContext"`
	Theme         string             `json:"theme"`
	SlotCount     int                `json:"slotCount"`
}

// configScript emits the composite's data as a JSON document inside a
// non-executing <script type="application/json"> element, read back via
// textContent by the bus script. This sidesteps the classic
// "</script>"-in-JSON injection hazard that string-interpolating JSON
// directly into a <script> block would create.
func configScript(rules []resolvedSyncRule, shared map[string]any, orchestration Orchestration, slotCount int) string {
	cfg := compositeConfig{
		SyncRules:     rules,
		SharedContext: shared,
		Theme:         orchestration.Theme,
		SlotCount:     slotCount,
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		// Generate must be total; fall back to an empty config rather than
		// ever failing to produce a document.
		data = []byte(`{"syncRules":[],"sharedContext":{},"theme":"","slotCount":0}`)
	}
	escaped := strings.ReplaceAll(string(data), "</script>", "<\\/script>")
	return fmt.Sprintf("<script type=\"application/json\" id=\"pml-config\">%s</script>\n", escaped)
}

// busScript is the static portion of the embedded event bus. It never
// contains caller data; all caller data flows through #pml-config.
func busScript() string {
	return `<script>
(function () {
  var cfg = JSON.parse(document.getElementById('pml-config').textContent);
  var frames = Array.prototype.slice.call(document.querySelectorAll('iframe[data-slot]'));

  function frameForSlot(slot) {
    return frames.filter(function (f) { return Number(f.dataset.slot) === slot; })[0];
  }

  function slotOfSource(win) {
    for (var i = 0; i < frames.length; i++) {
      if (frames[i].contentWindow === win) return Number(frames[i].dataset.slot);
    }
    return -1;
  }

  window.addEventListener('message', function (event) {
    var msg = event.data || {};
    if (msg.method === 'ui/initialize') {
      var src = event.source;
      src.postMessage({
        jsonrpc: '2.0',
        id: msg.id,
        result: {
          hostCapabilities: { notifications: true, sharedContext: true },
          hostContext: { theme: cfg.theme, sharedContext: cfg.sharedContext }
        }
      }, '*');
      return;
    }
    if (msg.method === 'ui/update-model-context') {
      var sourceSlot = slotOfSource(event.source);
      cfg.syncRules.forEach(function (rule) {
        if (rule.FromSlot !== sourceSlot) return;
        var payload = {
          jsonrpc: '2.0',
          method: 'ui/notifications/tool-result',
          params: {
            action: msg.params && msg.params.action,
            data: msg.params && msg.params.data,
            sourceSlot: sourceSlot,
            sharedContext: cfg.sharedContext
          }
        };
        if (rule.ToSlot === -1) {
          frames.forEach(function (f) {
            if (Number(f.dataset.slot) !== sourceSlot) f.contentWindow.postMessage(payload, '*');
          });
        } else {
          var target = frameForSlot(rule.ToSlot);
          if (target) target.contentWindow.postMessage(payload, '*');
        }
      });
      if (msg.id !== undefined) {
        event.source.postMessage({ jsonrpc: '2.0', id: msg.id, result: {} }, '*');
      }
    }
  });
})();
</script>
`
}
