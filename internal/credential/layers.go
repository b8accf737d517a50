package credential

import "strings"

// layerSeparator はレイヤー集合の区切り文字。
const layerSeparator = ","

// ParseLayers はカンマ区切りのレイヤー集合を分解する。空要素は除く。
func ParseLayers(s string) []string {
	return splitSet(s, layerSeparator)
}

// HasLayer はレイヤー集合にlayerが含まれるかを返す。
func HasLayer(layers, layer string) bool {
	for _, l := range ParseLayers(layers) {
		if l == layer {
			return true
		}
	}
	return false
}

// MergeLayers は既存のレイヤー集合に追加分を和集合として加える。
// 既存の順序を保ち、新しいレイヤーは末尾に追加する。
func MergeLayers(old string, add ...string) string {
	merged := ParseLayers(old)
	for _, a := range add {
		merged = appendUnique(merged, splitSet(a, layerSeparator)...)
	}
	return strings.Join(merged, layerSeparator)
}

// WithoutLayer はレイヤー集合からlayerを除いたものを返す。
func WithoutLayer(layers, layer string) []string {
	var remaining []string
	for _, l := range ParseLayers(layers) {
		if l != layer {
			remaining = append(remaining, l)
		}
	}
	return remaining
}

// MergeScopes はスコープ文字列を和集合として結合する。
// sepはプロバイダー固有の区切り文字（Googleは空白、Slackはカンマ）。
func MergeScopes(old, add, sep string) string {
	if sep == "" {
		sep = " "
	}
	merged := appendUnique(splitSet(old, sep), splitSet(add, sep)...)
	return strings.Join(merged, sep)
}

func splitSet(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = appendUnique(out, part)
		}
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range list {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
