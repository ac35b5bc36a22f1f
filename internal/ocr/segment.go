package ocr

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
)

var (
	metadataPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d+$`),
		regexp.MustCompile(`(?i)isbn`),
		regexp.MustCompile(`^\$\d+`),
		regexp.MustCompile(`(?i)^[a-z]{2,4}\d+`),
		regexp.MustCompile(`(?i)barcode`),
		regexp.MustCompile(`(?i)copyright`),
		regexp.MustCompile(`(?i)edition`),
		regexp.MustCompile(`(?i)published`),
		regexp.MustCompile(`(?i)\bpages?\b`),
	}
	ocrNoise   = regexp.MustCompile(`[^\p{L}\p{N}\s\-–:.,'"()|]`)
	longNumber = regexp.MustCompile(`\d{3,}`)
	separators = []string{" by ", " BY ", " By ", " - ", " – ", " | "}
)

// Segment turns OCR output into book candidates in reading order: blocks are
// sorted top-to-bottom then left-to-right, every line of a block is a
// candidate, and lines that look like shelf metadata are skipped. Duplicate
// titles keep their first occurrence.
func Segment(res *Result) []models.RecognizedBook {
	if res == nil {
		return nil
	}

	blocks := res.Blocks
	if len(blocks) == 0 {
		blocks = []Block{{Text: res.FullText}}
	}
	blocks = append([]Block(nil), blocks...)
	sort.SliceStable(blocks, func(i, j int) bool {
		a, b := blocks[i].Bounds, blocks[j].Bounds
		if a == nil || b == nil {
			return false
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	var books []models.RecognizedBook
	seen := make(map[string]bool)
	for _, block := range blocks {
		for _, line := range strings.Split(block.Text, "\n") {
			line = strings.TrimSpace(line)
			if len([]rune(line)) < 3 || isMetadata(line) {
				continue
			}
			cleaned := clean(line)
			key := strings.ToLower(cleaned)
			if cleaned == "" || seen[key] {
				continue
			}
			seen[key] = true

			title, author := splitTitleAuthor(cleaned)
			if title == "" {
				continue
			}
			book := models.RecognizedBook{
				Title:      title,
				Author:     author,
				Confidence: estimateConfidence(cleaned),
			}
			if block.Bounds != nil {
				book.Position = &models.ShelfPosition{
					Index:  len(books),
					X:      block.Bounds.X,
					Y:      block.Bounds.Y,
					Width:  block.Bounds.Width,
					Height: block.Bounds.Height,
				}
			}
			books = append(books, book)
		}
	}
	return books
}

func isMetadata(line string) bool {
	for _, p := range metadataPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

func clean(line string) string {
	return strings.Join(strings.Fields(ocrNoise.ReplaceAllString(line, " ")), " ")
}

func splitTitleAuthor(text string) (string, string) {
	for _, sep := range separators {
		if title, author, ok := strings.Cut(text, sep); ok {
			return strings.TrimSpace(title), strings.TrimSpace(author)
		}
	}
	return strings.TrimSpace(text), ""
}

// estimateConfidence scores how title-like a line is, in [0.1, 1].
func estimateConfidence(text string) float64 {
	confidence := 0.5
	words := strings.Fields(text)

	if len([]rune(text)) > 5 {
		confidence += 0.1
	}
	if len(words) > 1 {
		confidence += 0.1
	}
	if r := []rune(text); len(r) > 0 && unicode.IsUpper(r[0]) {
		confidence += 0.1
	}
	for _, w := range words[min(1, len(words)):] {
		if r := []rune(w); unicode.IsUpper(r[0]) {
			confidence += 0.1
			break
		}
	}
	if longNumber.MatchString(text) {
		confidence -= 0.2
	}
	if len([]rune(text)) > 100 {
		confidence -= 0.2
	}
	return max(0.1, min(1.0, confidence))
}
