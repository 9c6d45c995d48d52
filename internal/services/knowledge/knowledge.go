package knowledge

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/models"
)

// Retriever returns the passages most relevant to a coaching query.
// Retrieval is advisory: callers treat an error as "no passages" and
// continue without grounding.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error)
}

// CorpusRetriever serves passages from a directory of markdown source
// texts. Layout is corpus/<tradition>/<work>.md; each header section
// becomes one citable chunk.
type CorpusRetriever struct {
	mu        sync.RWMutex
	chunks    []models.KnowledgeChunk
	vectors   map[string][]float32
	embedding *tfidfEmbedder
	corpusDir string
	logger    *logrus.Logger
}

// NewCorpusRetriever creates a retriever for the given corpus directory
func NewCorpusRetriever(logger *logrus.Logger) *CorpusRetriever {
	return &CorpusRetriever{
		vectors:   make(map[string][]float32),
		embedding: newTFIDFEmbedder(),
		logger:    logger,
	}
}

// Load reads every markdown file under dir, splits each into chunks,
// and builds the term vectors used for ranking.
func (r *CorpusRetriever) Load(ctx context.Context, dir string) error {
	r.corpusDir = dir
	r.logger.WithField("dir", dir).Info("Loading knowledge corpus")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create corpus directory: %w", err)
	}

	var chunks []models.KnowledgeChunk
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(path), ".md") {
			return nil
		}

		fileChunks, err := r.loadWork(path)
		if err != nil {
			r.logger.WithError(err).WithField("path", path).Warn("Failed to load work")
			return nil // continue with other files
		}
		chunks = append(chunks, fileChunks...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk corpus directory: %w", err)
	}

	r.embedding.buildVocabulary(chunks)

	vectors := make(map[string][]float32, len(chunks))
	for _, c := range chunks {
		vectors[c.ID] = r.embedding.embed(c.Content)
	}

	r.mu.Lock()
	r.chunks = chunks
	r.vectors = vectors
	r.mu.Unlock()

	r.logger.WithField("chunks", len(chunks)).Info("Knowledge corpus loaded")
	return nil
}

// Refresh reloads the corpus from disk
func (r *CorpusRetriever) Refresh(ctx context.Context) error {
	return r.Load(ctx, r.corpusDir)
}

// loadWork parses one markdown file into citable chunks. The first
// level-1 header names the work; "Author:" and "Tradition:" lines in
// the preamble override the path-derived defaults.
func (r *CorpusRetriever) loadWork(path string) ([]models.KnowledgeChunk, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	relPath, _ := filepath.Rel(r.corpusDir, path)
	workID := strings.TrimSuffix(relPath, filepath.Ext(relPath))
	workID = strings.ReplaceAll(workID, string(filepath.Separator), "-")

	tradition := ""
	if parts := strings.SplitN(relPath, string(filepath.Separator), 2); len(parts) == 2 {
		tradition = parts[0]
	}

	work, author, sections := parseWork(string(content))
	if work == "" {
		work = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		work = strings.ReplaceAll(work, "_", " ")
		work = strings.ReplaceAll(work, "-", " ")
	}

	chunks := make([]models.KnowledgeChunk, 0, len(sections))
	for i, sec := range sections {
		text := strings.TrimSpace(sec.content)
		if text == "" {
			continue
		}
		chunks = append(chunks, models.KnowledgeChunk{
			ID:        fmt.Sprintf("%s-%d", workID, i+1),
			Work:      work,
			Author:    author,
			Tradition: tradition,
			Section:   sec.title,
			Content:   text,
		})
	}
	return chunks, nil
}

type section struct {
	title   string
	content string
}

func parseWork(content string) (work, author string, sections []section) {
	var current *section

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' {
				level++
			}
			title := strings.TrimSpace(trimmed[level:])

			if level == 1 && work == "" {
				work = title
				continue
			}
			if current != nil {
				sections = append(sections, *current)
			}
			current = &section{title: title}
			continue
		}

		if current == nil {
			// Preamble between the title and the first section
			if v, ok := strings.CutPrefix(trimmed, "Author:"); ok {
				author = strings.TrimSpace(v)
			}
			continue
		}

		if current.content != "" {
			current.content += "\n"
		}
		current.content += line
	}

	if current != nil {
		sections = append(sections, *current)
	}
	return work, author, sections
}

// Retrieve ranks chunks by cosine similarity against the query and
// returns the top matches above a relevance floor.
func (r *CorpusRetriever) Retrieve(ctx context.Context, query string, limit int) ([]models.KnowledgeChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.chunks) == 0 {
		return nil, nil
	}

	queryVector := r.embedding.embed(query)

	scored := make([]models.KnowledgeChunk, 0, len(r.chunks))
	for _, c := range r.chunks {
		score := cosineSimilarity(queryVector, r.vectors[c.ID])
		if score > 0.1 {
			c.Score = float64(score)
			scored = append(scored, c)
		}
	}

	sortChunksByScore(scored)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
