package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/argus/telemetry"
)

// Loader reads policy documents from a file or directory tree.
type Loader struct {
	root   string
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewLoader creates a loader rooted at path.
func NewLoader(path string) *Loader {
	return &Loader{
		root:   path,
		logger: telemetry.NewLogger("policy-loader"),
		tracer: otel.Tracer("policy-loader"),
	}
}

// bundle is the multi-policy file layout.
type bundle struct {
	Policies []Document `yaml:"policies"`
}

// Load parses every .yaml, .yml and .json file under the root. Any invalid
// policy fails the whole load.
func (l *Loader) Load(ctx context.Context) ([]*Policy, error) {
	ctx, span := l.tracer.Start(ctx, "policy_loader.load",
		trace.WithAttributes(attribute.String("root", l.root)))
	defer span.End()

	info, err := os.Stat(l.root)
	if err != nil {
		return nil, fmt.Errorf("policy path %s: %w", l.root, err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(path) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk policy dir: %w", err)
		}
	} else {
		files = []string{l.root}
	}

	var (
		policies []*Policy
		seen     = map[string]string{}
	)
	for _, file := range files {
		if err := l.validateFilePath(file); err != nil {
			return nil, fmt.Errorf("invalid file path %s: %w", file, err)
		}
		loaded, err := l.loadFile(ctx, file)
		if err != nil {
			l.logger.WithContext(ctx).Error().
				Err(err).
				Str("file_path", file).
				Msg("failed to load policy file")
			return nil, err
		}
		for _, p := range loaded {
			if prev, dup := seen[p.ID]; dup {
				return nil, &ValidationError{
					PolicyID: p.ID,
					Source:   file,
					Problems: []string{fmt.Sprintf("duplicate policy id, first defined in %s", prev)},
				}
			}
			seen[p.ID] = file
			policies = append(policies, p)
		}
	}

	span.SetAttributes(attribute.Int("policies", len(policies)))
	l.logger.WithContext(ctx).Info().
		Str("root", l.root).
		Int("files", len(files)).
		Int("policies", len(policies)).
		Msg("policies loaded")
	return policies, nil
}

func (l *Loader) loadFile(ctx context.Context, path string) ([]*Policy, error) {
	l.logger.WithContext(ctx).Debug().Str("file_path", path).Msg("loading policy file")

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	policies, err := Parse(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Source = path
			return nil, verr
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return policies, nil
}

// Parse decodes one or more policy documents. A document is either a single
// policy or a bundle with a top-level "policies" list; YAML streams may hold
// several documents.
func Parse(data []byte) ([]*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Policy
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		docs, err := decodeNode(&node)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			p, err := Build(doc)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func decodeNode(node *yaml.Node) ([]Document, error) {
	root := node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "policies" {
			var b bundle
			if err := root.Decode(&b); err != nil {
				return nil, err
			}
			return b.Policies, nil
		}
	}
	var doc Document
	if err := root.Decode(&doc); err != nil {
		return nil, err
	}
	return []Document{doc}, nil
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (l *Loader) validateFilePath(filePath string) error {
	cleanPath := filepath.Clean(filePath)

	root := filepath.Clean(l.root)
	if cleanPath == root {
		return nil
	}
	relPath, err := filepath.Rel(root, cleanPath)
	if err != nil {
		return fmt.Errorf("failed to resolve relative path: %w", err)
	}

	if strings.HasPrefix(relPath, "..") || strings.Contains(relPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected")
	}
	return nil
}
