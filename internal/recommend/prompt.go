package recommend

import (
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
)

func buildPrompt(in *Input, count int) string {
	var sb strings.Builder
	sb.WriteString("You are an expert book recommender. Based on the reader's preferences")
	if in.IncludeSimilar && len(in.Shelf) > 0 {
		sb.WriteString(" and the books they found on a shelf")
	}
	fmt.Fprintf(&sb, ", recommend %d books they might enjoy.\n\n", count)

	sb.WriteString("READER PREFERENCES:\n")
	sb.WriteString(formatPreferences(in.Preferences))
	sb.WriteString("\n\n")

	if in.IncludeSimilar {
		sb.WriteString("BOOKS FOUND ON THE SHELF:\n")
		sb.WriteString(formatShelf(in.Shelf))
		sb.WriteString("\n\n")
	}

	if history := in.Preferences.ReadingHistory; len(history) > 0 {
		sb.WriteString("ALREADY READ (never recommend these):\n")
		for _, h := range history[:min(len(history), 30)] {
			if h.Author != "" {
				fmt.Fprintf(&sb, "- %s by %s\n", h.Title, h.Author)
			} else {
				fmt.Fprintf(&sb, "- %s\n", h.Title)
			}
		}
		sb.WriteString("\n")
	}

	openness := in.Preferences.Openness()
	sb.WriteString("GUIDELINES:\n")
	sb.WriteString("1. Align with the stated preferences and respect every dislike\n")
	switch {
	case !in.IncludeNew:
		sb.WriteString("2. Stay within the reader's favorite genres\n")
	case !in.IncludeSimilar:
		sb.WriteString("2. Only suggest books outside the reader's favorite genres\n")
	default:
		fmt.Fprintf(&sb, "2. Discovery openness is %.1f on a 0 to 1 scale: the higher it is, the more books should come from outside the favorite genres\n", openness)
	}
	sb.WriteString("3. Include a mix of popular and lesser-known titles\n")
	sb.WriteString("4. Only recommend real, published books\n\n")

	sb.WriteString(`Return ONLY a JSON array in this format:
[
  {
    "title": "Book Title",
    "author": "Author Name",
    "isbn": "ISBN-13 if known, otherwise null",
    "reason": "Why this book matches the reader",
    "similarity_to": "Title of a similar shelf book or null",
    "appeal_score": 0.85,
    "genre": "Primary genre",
    "publication_year": 2020
  }
]`)
	return sb.String()
}

func formatPreferences(p *models.Preferences) string {
	var lines []string
	if len(p.FavoriteGenres) > 0 {
		lines = append(lines, "Favorite genres: "+strings.Join(p.FavoriteGenres, ", "))
	}
	if len(p.DislikedGenres) > 0 {
		lines = append(lines, "Dislikes: "+strings.Join(p.DislikedGenres, ", "))
	}
	if len(p.FavoriteAuthors) > 0 {
		lines = append(lines, "Favorite authors: "+strings.Join(p.FavoriteAuthors, ", "))
	}
	if p.ReadingExperience != "" {
		lines = append(lines, "Reading level: "+p.ReadingExperience)
	}
	if p.PreferredLength != "" && p.PreferredLength != "any" {
		lines = append(lines, "Preferred book length: "+p.PreferredLength)
	}
	if p.PreferredPublicationEra != "" {
		lines = append(lines, "Preferred publication era: "+p.PreferredPublicationEra)
	}
	if p.PreferredFormat != "" && p.PreferredFormat != "any" {
		lines = append(lines, "Preferred format: "+p.PreferredFormat)
	}
	if len(p.LanguagePreferences) > 0 {
		lines = append(lines, "Languages: "+strings.Join(p.LanguagePreferences, ", "))
	}
	if p.RecommendationStyle != "" {
		lines = append(lines, "Recommendation style: "+p.RecommendationStyle)
	}
	if len(lines) == 0 {
		return "No specific preferences provided"
	}
	return strings.Join(lines, "\n")
}

func formatShelf(books []models.RecognizedBook) string {
	if len(books) == 0 {
		return "No books were clearly identified on the shelf"
	}
	lines := make([]string, 0, len(books))
	for _, b := range books {
		author := b.Author
		if author == "" {
			author = "unknown author"
		}
		lines = append(lines, fmt.Sprintf("- %s by %s (confidence: %.1f)", b.Title, author, b.Confidence))
	}
	return strings.Join(lines, "\n")
}
