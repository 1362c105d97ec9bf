package healer

import (
	"fmt"
	"strings"
)

const repairSystemPrompt = `You repair CSS selectors for browser automation on job boards.
The selectors you receive no longer match anything on the page. Study the HTML and
propose replacement CSS selectors that target the same element.

Rules:
- Prefer stable attributes: id, name, aria-label, data-testid, data-qa, type.
- Avoid generated class names, nth-child chains and absolute paths.
- Each selector must be valid for document.querySelectorAll and at most 200 characters.
- Order selectors from most to least specific.

Answer with JSON only:
{"selectors": ["..."], "confidence": 0.0-1.0, "reasoning": "one sentence"}`

func buildRepairMessage(pageURL string, selectors []string, fieldName, dom string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", pageURL)
	if fieldName != "" {
		fmt.Fprintf(&b, "TARGET FIELD: %s\n", fieldName)
	}
	b.WriteString("BROKEN SELECTORS:\n")
	for i, sel := range selectors {
		fmt.Fprintf(&b, "%d) %s\n", i+1, sel)
	}
	b.WriteString("HTML:\n")
	b.WriteString(dom)
	return b.String()
}
