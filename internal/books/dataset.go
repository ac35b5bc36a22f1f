package books

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lehigh-university-libraries/shelfscanner/internal/models"
	"github.com/lehigh-university-libraries/shelfscanner/internal/storage"
	"github.com/parquet-go/parquet-go"
	"gopkg.in/yaml.v3"
)

// Record is one row of a catalog seed file
type Record struct {
	ISBN          string   `json:"isbn" yaml:"isbn" parquet:"isbn"`
	Title         string   `json:"title" yaml:"title" parquet:"title"`
	Author        string   `json:"author" yaml:"author" parquet:"author"`
	Genre         string   `json:"genre" yaml:"genre" parquet:"genre"`
	Categories    []string `json:"categories" yaml:"categories" parquet:"categories,list"`
	Description   string   `json:"description" yaml:"description" parquet:"description"`
	Publisher     string   `json:"publisher" yaml:"publisher" parquet:"publisher"`
	PublishedYear int      `json:"published_year" yaml:"published_year" parquet:"published_year"`
	PageCount     int      `json:"page_count" yaml:"page_count" parquet:"page_count"`
	Language      string   `json:"language" yaml:"language" parquet:"language"`
	AverageRating float64  `json:"average_rating" yaml:"average_rating" parquet:"average_rating"`
	RatingsCount  int      `json:"ratings_count" yaml:"ratings_count" parquet:"ratings_count"`
	CoverURL      string   `json:"cover_url" yaml:"cover_url" parquet:"cover_url"`
}

// Book converts the record to an imported catalog row.
func (r Record) Book() *models.Book {
	b := &models.Book{
		Title:           strings.TrimSpace(r.Title),
		Author:          strings.TrimSpace(r.Author),
		Genre:           strings.TrimSpace(r.Genre),
		Categories:      r.Categories,
		Description:     r.Description,
		Publisher:       r.Publisher,
		PublishedYear:   r.PublishedYear,
		PageCount:       r.PageCount,
		Language:        r.Language,
		RatingsCount:    r.RatingsCount,
		CoverURL:        r.CoverURL,
		Provenance:      models.ProvenanceImported,
		ConfidenceScore: 1,
		Source:          "import",
	}
	if r.RatingsCount > 0 {
		rating := r.AverageRating
		b.AverageRating = &rating
	}
	if r.ISBN != "" {
		isbn := r.ISBN
		b.ISBN = &isbn
	}
	b.Canonicalize()
	return b
}

// LoadDataset reads catalog records from a .parquet, .jsonl or .yaml file
func LoadDataset(path string) ([]Record, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".parquet":
		return loadParquet(path)
	case ".jsonl", ".json":
		return loadJSONL(path)
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return nil, fmt.Errorf("unsupported file format: %s (supported: .parquet, .jsonl, .yaml)", ext)
	}
}

func loadJSONL(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer file.Close()

	var records []Record
	scanner := bufio.NewScanner(file)

	const maxCapacity = 1024 * 1024
	scanner.Buffer(make([]byte, maxCapacity), maxCapacity)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("failed to parse JSON at line %d: %w", lineNum, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading dataset: %w", err)
	}

	slog.Debug("Finished reading JSONL file", "total_records", len(records), "total_lines", lineNum)
	return records, nil
}

func loadYAML(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}

	var records []Record
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return records, nil
}

func loadParquet(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	slog.Debug("Parquet file opened successfully", "num_rows", pf.NumRows(), "num_row_groups", len(pf.RowGroups()))

	reader := parquet.NewGenericReader[Record](pf)
	defer reader.Close()

	var records []Record
	rows := make([]Record, 128)
	for {
		n, err := reader.Read(rows)
		records = append(records, rows[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read parquet rows: %w", err)
		}
	}

	slog.Debug("Finished reading Parquet file", "total_records", len(records))
	return records, nil
}

// ImportStats summarizes an import run.
type ImportStats struct {
	Created  int
	Existing int
	Skipped  int
}

// Import upserts every record into the catalog. Records without a title are
// skipped; rows already present are left untouched.
func Import(ctx context.Context, store storage.Store, records []Record) (ImportStats, error) {
	var stats ImportStats
	for i, r := range records {
		if strings.TrimSpace(r.Title) == "" {
			stats.Skipped++
			continue
		}
		_, created, err := store.UpsertBook(ctx, r.Book())
		if err != nil {
			return stats, fmt.Errorf("failed to import record %d (%q): %w", i, r.Title, err)
		}
		if created {
			stats.Created++
		} else {
			stats.Existing++
		}
		if (i+1)%1000 == 0 {
			slog.Info("Importing catalog", "processed", i+1, "created", stats.Created)
		}
	}
	return stats, nil
}
