package model

import (
	"fmt"
	"strings"
)

// Citation is one numbered entry in a step's reference ledger.
type Citation struct {
	Ref     int    `json:"ref_number"`
	Type    string `json:"type"` // producing tool: "rag", "web" or "code"
	Source  string `json:"source"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// CitationList is an append-only ledger. Refs are assigned in insertion order
// starting at 1 and are never renumbered or reused, so a [n] marker embedded
// in earlier text stays valid as later results are added. Adding the same
// source twice yields two distinct refs; the ledger never deduplicates.
type CitationList []Citation

// Add stamps c with the next ref, appends it and returns the stamped copy so
// the caller can inline its marker immediately.
func (l *CitationList) Add(c Citation) Citation {
	c.Ref = len(*l) + 1
	*l = append(*l, c)
	return c
}

// Render formats the ledger as a references block, one line per entry in ref
// order. An empty ledger renders as the empty string.
func (l CitationList) Render() string {
	if len(l) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("References:\n")
	for _, c := range l {
		b.WriteString(fmt.Sprintf("[%d] %s", c.Ref, c.Source))
		if c.URL != "" {
			b.WriteString(" (")
			b.WriteString(c.URL)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
