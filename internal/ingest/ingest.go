// Package ingest turns a directory of authored campaign files into a
// store.Campaign, lints it and seeds it into a new session.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"storywarden/internal/parser"
	"storywarden/internal/store"
)

type Result struct {
	Campaign     store.Campaign
	Files        int
	FilesSkipped int
	// Checksum covers every campaign file, in path order.
	Checksum string
	Errors   []error

	sources map[string]string
}

// Source returns the file a record came from, keyed like "location:tavern".
func (r *Result) Source(kind, id string) string {
	return r.sources[kind+":"+id]
}

// Load reads every markdown file under root. Files without frontmatter are
// skipped; files that fail to parse are collected in Result.Errors.
func Load(root string) (*Result, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening campaign: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("opening campaign: %s is not a directory", root)
	}

	files, err := walkMarkdownFiles(root)
	if err != nil {
		return nil, fmt.Errorf("walking campaign %s: %w", root, err)
	}

	abs, _ := filepath.Abs(root)
	b := newBuilder(parser.Slug(filepath.Base(abs)))
	result := &Result{}
	sum := sha256.New()

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("reading %s: %w", path, err))
			continue
		}
		rel, _ := filepath.Rel(root, path)
		sum.Write([]byte(filepath.ToSlash(rel)))
		sum.Write(data)

		doc, err := parser.Parse(data)
		if err != nil {
			if errors.Is(err, parser.ErrNoFrontmatter) {
				result.FilesSkipped++
				continue
			}
			result.Errors = append(result.Errors, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		doc.SourceFile = path

		if err := b.add(doc); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("loading %s: %w", path, err))
			continue
		}
		result.Files++
	}

	slices.SortStableFunc(b.camp.Beats, func(a, c store.Beat) int { return a.Seq - c.Seq })
	result.Campaign = b.camp
	result.sources = b.sources
	result.Checksum = hex.EncodeToString(sum.Sum(nil))
	return result, nil
}

// Seed creates session and loads the campaign into it. The campaign must
// lint clean of errors first.
func Seed(ctx context.Context, db store.Sessions, session string, camp store.Campaign, houseRules map[string]any) error {
	if report := Lint(camp, nil); report.HasErrors() {
		return fmt.Errorf("campaign %s has %d lint errors", camp.Key, len(report.Errors()))
	}
	if err := db.CreateSession(ctx, store.Session{ID: session, Campaign: camp.Key, HouseRules: houseRules}); err != nil {
		return fmt.Errorf("creating session %s: %w", session, err)
	}
	if err := db.SeedCampaign(ctx, session, camp); err != nil {
		return fmt.Errorf("seeding session %s: %w", session, err)
	}
	return nil
}

func walkMarkdownFiles(root string) ([]string, error) {
	root = filepath.Clean(root)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(strings.ToLower(name), ".md") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	return files, nil
}
