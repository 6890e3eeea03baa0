package resolver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/spellcast/pkg/schema"
)

// PathEvaluator extracts values from step output payloads using dot/bracket
// path expressions (e.g. "data.images[0].url"). Paths compile to jq programs;
// compiled *Code objects are cached and reused across goroutines.
type PathEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathEvaluator creates an evaluator with an empty program cache.
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{cache: make(map[string]*gojq.Code)}
}

// Extract evaluates a path expression against a JSON output payload.
// A path that does not resolve (missing field, index out of range, null
// leaf) is a VALIDATION_ERROR value, never a panic.
func (p *PathEvaluator) Extract(ctx context.Context, path string, payload json.RawMessage) (any, error) {
	code, err := p.getOrCompile(path)
	if err != nil {
		return nil, err
	}

	var doc any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"output payload is not valid JSON: %s", err.Error()).WithCause(err)
		}
	}

	iter := code.RunWithContext(ctx, doc)
	val, ok := iter.Next()
	if !ok {
		return nil, unresolvedPath(path)
	}
	if evalErr, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"path %q did not resolve: %s", path, evalErr.Error()).
			WithCause(evalErr).
			WithDetails(map[string]any{"path": path})
	}
	if val == nil {
		return nil, unresolvedPath(path)
	}
	return val, nil
}

func unresolvedPath(path string) *schema.CastError {
	return schema.NewErrorf(schema.ErrCodeValidation, "path %q did not resolve", path).
		WithDetails(map[string]any{"path": path})
}

// getOrCompile returns a cached compiled program or compiles and caches one.
func (p *PathEvaluator) getOrCompile(path string) (*gojq.Code, error) {
	p.mu.RLock()
	if code, ok := p.cache[path]; ok {
		p.mu.RUnlock()
		return code, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := p.cache[path]; ok {
		return code, nil
	}

	expr, err := pathToQuery(path)
	if err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid path expression %q: %s", path, err.Error()).WithCause(err)
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access from path expressions.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid path expression %q: %s", path, err.Error()).WithCause(err)
	}

	p.cache[path] = code
	return code, nil
}

// pathToQuery converts a dot/bracket path into a jq program by anchoring it
// at the document root. "data.images[0].url" becomes ".data.images[0].url".
func pathToQuery(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "empty path expression")
	}
	// Reject anything that already looks like a full jq program; only plain
	// field/index paths are allowed from spell definitions.
	if strings.ContainsAny(trimmed, "|;$ ") {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"path %q contains illegal characters", path)
	}
	if strings.HasPrefix(trimmed, ".") {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		return "." + trimmed, nil
	}
	return "." + trimmed, nil
}
