package intake

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// ParserRouter decides which extraction engine a document goes to. It is
// pure policy; extraction itself is the backend's problem.
type ParserRouter struct {
	pageThreshold int
	defaultParser Parser
	longDocParser Parser
}

// NewParserRouter builds a router. Threshold is the page count at or above
// which the long-document parser wins.
func NewParserRouter(pageThreshold int, defaultParser Parser) *ParserRouter {
	if defaultParser == "" {
		defaultParser = ParserMinerU
	}
	return &ParserRouter{
		pageThreshold: pageThreshold,
		defaultParser: defaultParser,
		longDocParser: ParserDocling,
	}
}

// ValidParser reports whether the value is a recognized parser override.
func ValidParser(p Parser) bool {
	switch p {
	case ParserMinerU, ParserDocling, ParserOCR:
		return true
	default:
		return false
	}
}

// Choose returns the parser for a document. An explicit override wins when
// recognized; otherwise the page count routes between the default and the
// long-document parser. Unknown page counts (< 0) fall back to the default.
func (r *ParserRouter) Choose(pageCount int, override Parser) (Parser, error) {
	if override != "" {
		if !ValidParser(override) {
			return "", fmt.Errorf("%w: %q", ErrUnknownParser, override)
		}
		return override, nil
	}
	if pageCount < 0 || pageCount < r.pageThreshold {
		return r.defaultParser, nil
	}
	return r.longDocParser, nil
}

// Matches the page-tree count entry and leaf page objects in a raw PDF.
var (
	pdfCountRe = regexp.MustCompile(`/Count\s+(\d+)`)
	pdfPageRe  = regexp.MustCompile(`/Type\s*/Page[^s]`)
)

// CountPDFPages scans the raw file for page-tree objects and returns the
// page count, or -1 when it cannot be determined. A wrong count only skews
// parser routing, so a byte scan is good enough here.
func CountPDFPages(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	best := -1
	for _, m := range pdfCountRe.FindAllSubmatch(data, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > best {
			best = n
		}
	}
	if best >= 0 {
		return best
	}
	if n := len(pdfPageRe.FindAll(data, -1)); n > 0 {
		return n
	}
	return -1
}
