package driver

import (
	"path"
	"strings"

	"github.com/hitoshi/datasync/internal/config"
)

// Filter はファイル名の除外パターンと拡張子の許可リスト。
type Filter struct {
	ExcludedPatterns  []string
	AllowedExtensions []string
}

// FilterFromRule は設定のフィルタルールからFilterを生成する。
func FilterFromRule(rule config.FilterRule) Filter {
	return Filter{ExcludedPatterns: rule.ExcludedPatterns, AllowedExtensions: rule.AllowedExtensions}
}

// Allows はアイテムを同期対象にするかを返す。
// 拡張子の許可リストはファイルと添付ファイルにのみ適用する。
func (f Filter) Allows(item RemoteItem) bool {
	name := item.Name
	if name == "" {
		name = path.Base(item.FullPath)
	}
	lower := strings.ToLower(name)
	for _, pattern := range f.ExcludedPatterns {
		if ok, _ := path.Match(strings.ToLower(pattern), lower); ok {
			return false
		}
	}

	if len(f.AllowedExtensions) == 0 {
		return true
	}
	if item.Type != ItemTypeFile && item.Type != ItemTypeAttachment {
		return true
	}
	ext := strings.TrimPrefix(path.Ext(lower), ".")
	for _, allowed := range f.AllowedExtensions {
		if strings.TrimPrefix(strings.ToLower(allowed), ".") == ext {
			return true
		}
	}
	return false
}

// apply は許可されたアイテムだけを返す。
func (f Filter) apply(items []RemoteItem) []RemoteItem {
	out := items[:0]
	for _, it := range items {
		if f.Allows(it) {
			out = append(out, it)
		}
	}
	return out
}
