package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
)

// Substitution sites look like {{variable}} or {{context.variable}}.
var templateVarPattern = regexp.MustCompile(`\{\{\s*(context\.)?([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

type cachedRender struct {
	text    string
	expires time.Time
}

// Renderer renders one prompt descriptor. Rendering is pure: the same
// variables always produce the same text, which makes the optional cache a
// plain memoization keyed by the input hash.
type Renderer struct {
	desc PromptDescriptor

	mu    sync.Mutex
	cache map[string]cachedRender
}

// NewRenderer creates a renderer for the descriptor.
func NewRenderer(desc PromptDescriptor) *Renderer {
	r := &Renderer{desc: desc}
	if desc.CachePolicy != nil && desc.CachePolicy.MaxEntries > 0 {
		r.cache = make(map[string]cachedRender)
	}
	return r
}

// Render substitutes {{variable}} and {{context.variable}} sites. Missing
// required variables fail with InvalidInput; unknown sites render empty.
func (r *Renderer) Render(vars map[string]any, contextVars map[string]any) (string, error) {
	for name, schema := range r.desc.Variables {
		if !schema.Required {
			continue
		}
		if _, ok := vars[name]; !ok {
			return "", apperrors.New(apperrors.KindInvalidInput, "render_prompt", r.desc.Name,
				fmt.Errorf("missing required variable %q", name))
		}
	}

	var cacheKey string
	if r.cache != nil {
		cacheKey = renderKey(vars, contextVars)
		r.mu.Lock()
		if entry, ok := r.cache[cacheKey]; ok && time.Now().Before(entry.expires) {
			r.mu.Unlock()
			return entry.text, nil
		}
		r.mu.Unlock()
	}

	text := templateVarPattern.ReplaceAllStringFunc(r.desc.Template, func(site string) string {
		groups := templateVarPattern.FindStringSubmatch(site)
		name := groups[2]
		if groups[1] != "" {
			return stringify(contextVars[name])
		}
		return stringify(vars[name])
	})

	if r.cache != nil {
		r.mu.Lock()
		if len(r.cache) >= r.desc.CachePolicy.MaxEntries {
			r.evictOldestLocked()
		}
		ttl := r.desc.CachePolicy.TTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		r.cache[cacheKey] = cachedRender{text: text, expires: time.Now().Add(ttl)}
		r.mu.Unlock()
	}
	return text, nil
}

func (r *Renderer) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range r.cache {
		if oldestKey == "" || entry.expires.Before(oldest) {
			oldestKey = key
			oldest = entry.expires
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// renderKey hashes the variable maps with sorted keys so equal inputs
// always produce the same key.
func renderKey(vars map[string]any, contextVars map[string]any) string {
	hash := sha256.New()
	writeSorted := func(prefix string, m map[string]any) {
		keys := make([]string, 0, len(m))
		for key := range m {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			encoded, _ := json.Marshal(m[key])
			fmt.Fprintf(hash, "%s%s=%s;", prefix, key, encoded)
		}
	}
	writeSorted("", vars)
	writeSorted("context.", contextVars)
	return hex.EncodeToString(hash.Sum(nil))
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return strings.TrimSpace(fmt.Sprintf("%v", v))
		}
		return string(encoded)
	}
}
