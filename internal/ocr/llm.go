package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lehigh-university-libraries/shelfscanner/internal/providers"
)

// LLM performs OCR with a vision-capable language model. It returns plain
// text without positions.
type LLM struct {
	Provider providers.Provider
	Model    string
}

func NewLLM(p providers.Provider, model string) *LLM {
	return &LLM{Provider: p, Model: model}
}

func (l *LLM) DetectText(ctx context.Context, img providers.Image) (*Result, error) {
	text, err := l.Provider.ExtractText(ctx, providers.Config{
		Model:       l.Model,
		Temperature: 0,
		Prompt:      spineOCRPrompt,
		Images:      []providers.Image{img},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract text: %w", err)
	}

	text = strings.TrimSpace(text)
	slog.Debug("LLM OCR complete", "model", l.Model, "length", len(text))
	return &Result{FullText: text}, nil
}

const spineOCRPrompt = `You are performing OCR (Optical Character Recognition) on a photo of a bookshelf.

Your task is to transcribe the text printed on each visible book spine.

INSTRUCTIONS:
1. Read the spines from left to right
2. Write the text of each spine on its own line
3. Rotate sideways text mentally and transcribe it in reading order
4. Preserve capitalization and punctuation
5. Do not add any interpretation, commentary, or explanations
6. Do not guess at text you cannot see

OUTPUT FORMAT:
Provide ONLY the transcribed text, one spine per line.

Example output:
THE HOBBIT J.R.R. Tolkien
Dune Frank Herbert
Pride and Prejudice by Jane Austen`
