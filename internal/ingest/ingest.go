// Package ingest implements the offline CSV → chunk → index pipeline that
// populates the document archive the search tool queries. It never runs
// concurrently with the serving path.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/newsrag-poc-v1/agent/internal/agent/model"
	"github.com/newsrag-poc-v1/agent/internal/index"
	logx "github.com/newsrag-poc-v1/agent/pkg/logger"
)

// Upserter is the write-side slice of the document index the pipeline needs.
type Upserter interface {
	Upsert(ctx context.Context, docs []index.Document) error
}

// Stats summarizes one ingestion run.
type Stats struct {
	Records int // records chunked and indexed
	Skipped int // records dropped: empty body text or failed split
	Chunks  int // total chunks written
}

// recordSplitter is the chunking seam; tests swap in failing fakes.
type recordSplitter interface {
	SplitText(text string) ([]string, error)
}

var newSplitter = func(cfg model.IngestConfig) recordSplitter {
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)
}

var requiredColumns = []string{"url", "title", "text", "topic", "tags", "date"}

// FormatHeader renders the fixed-layout metadata header prepended to every
// chunk of a record.
func FormatHeader(title, topic, tags, date, url string) string {
	return fmt.Sprintf("Title: %s | Topic: %s | Tags: %s | Date: %s | URL: %s | ",
		orNA(title), orNA(topic), orNA(tags), orNA(date), orNA(url))
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "n/a"
	}
	return s
}

// Run streams the configured CSV, drops records with empty body text,
// stops at the record limit, splits each record into overlapping chunks
// with the metadata header prepended, and upserts chunks in fixed-size
// batches.
func Run(ctx context.Context, cfg model.IngestConfig, up Upserter) (Stats, error) {
	var stats Stats

	f, err := os.Open(cfg.DataFile)
	if err != nil {
		return stats, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return stats, fmt.Errorf("read csv header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return stats, err
	}

	splitter := newSplitter(cfg)

	batch := make([]index.Document, 0, cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := up.Upsert(ctx, batch); err != nil {
			return err
		}
		stats.Chunks += len(batch)
		batch = batch[:0]
		return nil
	}

	for stats.Records < cfg.Limit {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read csv record: %w", err)
		}

		field := func(name string) string {
			i := cols[name]
			if i >= len(row) {
				return ""
			}
			return row[i]
		}

		body := strings.TrimSpace(field("text"))
		if body == "" {
			stats.Skipped++
			continue
		}

		head := FormatHeader(field("title"), field("topic"), field("tags"), field("date"), field("url"))
		chunks, err := splitter.SplitText(body)
		if err != nil {
			logx.Warn().Err(err).Str("url", field("url")).Msg("Failed to split record - skipping")
			stats.Skipped++
			continue
		}
		stats.Records++

		docID := strings.TrimSpace(field("url"))
		if docID == "" {
			docID = uuid.NewString()
		}

		for i, chunk := range chunks {
			batch = append(batch, index.Document{
				ID:      fmt.Sprintf("%s#%d", docID, i),
				Content: head + chunk,
				Title:   field("title"),
				Topic:   field("topic"),
				Date:    field("date"),
				URL:     field("url"),
			})
			if len(batch) >= cfg.BatchSize {
				if err := flush(); err != nil {
					return stats, err
				}
			}
		}
	}

	if err := flush(); err != nil {
		return stats, err
	}

	logx.Info().
		Int("records", stats.Records).
		Int("skipped", stats.Skipped).
		Int("chunks", stats.Chunks).
		Msg("Ingestion completed")
	return stats, nil
}

func columnIndex(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv is missing required column %q", name)
		}
	}
	return cols, nil
}
