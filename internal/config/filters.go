package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed filters.schema.json
var filtersSchemaJSON []byte

const filtersSchemaURL = "https://datasync.local/schemas/sync-filters.json"

// DefaultExcludedPatterns は常に除外するファイル名パターン。
var DefaultExcludedPatterns = []string{".DS_Store", "Thumbs.db", "~$*", "*.tmp"}

// FilterRule は除外パターンと拡張子許可リストの組。
type FilterRule struct {
	ExcludedPatterns  []string `json:"excludedPatterns"`
	AllowedExtensions []string `json:"allowedExtensions"`
}

// SyncFilters は同期フィルタ設定ファイルの内容を表す。
type SyncFilters struct {
	FilterRule
	Providers map[string]FilterRule `json:"providers"`
}

var compileFiltersSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(filtersSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(filtersSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to add filter schema: %w", err)
	}
	return c.Compile(filtersSchemaURL)
})

// DefaultSyncFilters はデフォルトの除外パターンのみを持つ設定を返す。
func DefaultSyncFilters() *SyncFilters {
	return &SyncFilters{}
}

// LoadSyncFilters はファイルから同期フィルタを読み込む。
// pathが空の場合はデフォルト設定を返す。
func LoadSyncFilters(path string) (*SyncFilters, error) {
	if path == "" {
		return DefaultSyncFilters(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sync filters file: %w", err)
	}
	defer f.Close()
	return ParseSyncFilters(f)
}

// ParseSyncFilters はJSONをスキーマ検証したうえでSyncFiltersに変換する。
func ParseSyncFilters(r io.Reader) (*SyncFilters, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync filters: %w", err)
	}

	sch, err := compileFiltersSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid sync filters JSON: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("sync filters do not match schema: %w", err)
	}

	var filters SyncFilters
	if err := json.Unmarshal(data, &filters); err != nil {
		return nil, fmt.Errorf("failed to decode sync filters: %w", err)
	}
	return &filters, nil
}

// For はデフォルト・全体・プロバイダー別の設定を合成したルールを返す。
// 拡張子はドットなしの小文字に正規化する。
func (f *SyncFilters) For(provider string) FilterRule {
	var rule FilterRule
	seen := map[string]bool{}
	addPattern := func(p string) {
		if !seen[p] {
			seen[p] = true
			rule.ExcludedPatterns = append(rule.ExcludedPatterns, p)
		}
	}
	for _, p := range DefaultExcludedPatterns {
		addPattern(p)
	}
	if f == nil {
		return rule
	}
	for _, p := range f.ExcludedPatterns {
		addPattern(p)
	}

	exts := map[string]bool{}
	addExt := func(e string) {
		e = strings.ToLower(strings.TrimPrefix(e, "."))
		if e != "" && !exts[e] {
			exts[e] = true
			rule.AllowedExtensions = append(rule.AllowedExtensions, e)
		}
	}
	for _, e := range f.AllowedExtensions {
		addExt(e)
	}
	if p, ok := f.Providers[provider]; ok {
		for _, pat := range p.ExcludedPatterns {
			addPattern(pat)
		}
		for _, e := range p.AllowedExtensions {
			addExt(e)
		}
	}
	return rule
}
