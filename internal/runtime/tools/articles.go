package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

const (
	defaultSearchResults = 3
	excerptLines         = 6
)

// FileSearch searches the help-center articles, a directory of markdown or
// text files. Articles are re-read on every call so edits show up without a
// restart.
type FileSearch struct {
	dir string
}

func NewFileSearch(dir string) *FileSearch { return &FileSearch{dir: dir} }

func (f *FileSearch) Name() string { return "file_search" }
func (f *FileSearch) Description() string {
	return "Search the help-center articles and return the best matching excerpts"
}
func (f *FileSearch) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What to look for"},
			"max_results": {"type": "integer", "description": "Number of articles (default: 3, max: 10)"}
		},
		"required": ["query"]
	}`)
}

type article struct {
	path  string
	title string
	lines []string
	score int
	best  int
}

func (f *FileSearch) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	terms := searchTerms(params.Query)
	if len(terms) == 0 {
		return "", fmt.Errorf("query is required")
	}
	if params.MaxResults <= 0 {
		params.MaxResults = defaultSearchResults
	}
	if params.MaxResults > 10 {
		params.MaxResults = 10
	}

	var matches []*article
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !isArticle(path) {
			return nil
		}
		a, err := scoreArticle(path, terms)
		if err != nil {
			return err
		}
		if a.score > 0 {
			rel, _ := filepath.Rel(f.dir, path)
			a.path = rel
			matches = append(matches, a)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return "No articles available.", nil
		}
		return "", fmt.Errorf("search articles: %w", err)
	}

	if len(matches) == 0 {
		return "No matching articles found.", nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].path < matches[j].path
	})
	if len(matches) > params.MaxResults {
		matches = matches[:params.MaxResults]
	}

	var sb strings.Builder
	for i, a := range matches {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, a.title, a.path)
		start := a.best
		end := min(start+excerptLines, len(a.lines))
		for _, line := range a.lines[start:end] {
			if strings.TrimSpace(line) == "" {
				continue
			}
			fmt.Fprintf(&sb, "   %s\n", line)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func isArticle(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// scoreArticle counts term hits; title hits weigh three times as much. best
// is the line with the most hits, where the excerpt starts.
func scoreArticle(path string, terms []string) (*article, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(data), "\n")
	a := &article{lines: lines, title: articleTitle(path, lines)}

	title := strings.ToLower(a.title)
	for _, t := range terms {
		a.score += 3 * strings.Count(title, t)
	}

	bestHits := 0
	for i, line := range lines {
		lower := strings.ToLower(line)
		hits := 0
		for _, t := range terms {
			hits += strings.Count(lower, t)
		}
		a.score += hits
		if hits > bestHits {
			bestHits, a.best = hits, i
		}
	}
	return a, nil
}

func articleTitle(path string, lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
		if line != "" {
			break
		}
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.ReplaceAll(base, "-", " ")
}

// searchTerms lowercases the query and drops words too short to be useful.
func searchTerms(query string) []string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}
