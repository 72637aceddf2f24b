// Package importer loads bookmark lists from YAML and replays them through a
// validated create path.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/bookmarks/internal/bookmarks"
	"github.com/MarcoPoloResearchLab/bookmarks/internal/reconcile"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrEmptyDocument indicates that the import file lists no bookmarks.
var ErrEmptyDocument = errors.New("importer: no bookmarks in document")

// Entry is one bookmark of an import file.
type Entry struct {
	Title string `yaml:"title"`
	URL   string `yaml:"url"`
}

type document struct {
	Bookmarks []Entry `yaml:"bookmarks"`
}

// Creator creates one bookmark. reconcile.Session satisfies it.
type Creator interface {
	Create(ctx context.Context, title, url string) (bookmarks.Record, error)
}

// Failure records an entry that could not be created.
type Failure struct {
	Index int
	Entry Entry
	Err   error
}

// Result summarizes an import run.
type Result struct {
	Created []bookmarks.Record
	Failed  []Failure
}

// Parse decodes an import document. Unknown keys are rejected.
//
//	bookmarks:
//	  - title: Google
//	    url: https://google.com
func Parse(reader io.Reader) ([]Entry, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var parsed document
	if err := decoder.Decode(&parsed); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyDocument
		}
		return nil, fmt.Errorf("importer: decode: %w", err)
	}
	if len(parsed.Bookmarks) == 0 {
		return nil, ErrEmptyDocument
	}
	return parsed.Bookmarks, nil
}

// Run creates every entry in order. Invalid or rejected entries are collected and
// skipped; a lost identity aborts the run.
func Run(ctx context.Context, creator Creator, entries []Entry, logger *zap.Logger) (Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var result Result
	for index, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		record, err := creator.Create(ctx, strings.TrimSpace(entry.Title), strings.TrimSpace(entry.URL))
		if err != nil {
			if errors.Is(err, reconcile.ErrIdentityLost) {
				return result, err
			}
			logger.Warn("import entry rejected",
				zap.Int("index", index),
				zap.String("title", entry.Title),
				zap.Error(err))
			result.Failed = append(result.Failed, Failure{Index: index, Entry: entry, Err: err})
			continue
		}
		result.Created = append(result.Created, record)
	}
	logger.Info("import finished",
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}
