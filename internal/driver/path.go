package driver

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxSegmentBytes はパス要素1つあたりの最大バイト数。
const maxSegmentBytes = 200

// Namespace はレイヤーの名前空間プレフィックスを返す。末尾は必ず "/"。
func Namespace(userID, provider, layerFolder string) string {
	return SanitizeSegment(userID) + "/" + SanitizeSegment(provider) + "/" + SanitizeSegment(layerFolder) + "/"
}

// TeamNamespace はレイヤー名前空間の下のチームごとの名前空間を返す。
// チームIDが空の場合も "_" のセグメントになり、他チームの名前空間と重ならない。
func TeamNamespace(userID, provider, layerFolder, teamID string) string {
	return Namespace(userID, provider, layerFolder) + SanitizeSegment(teamID) + "/"
}

// BuildPath は名前空間の下にパス要素を連結する。各要素はSanitizeSegmentで正規化する。
func BuildPath(ns string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(ns, "/"))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(SanitizeSegment(s))
	}
	return b.String()
}

// SanitizeSegment はパス要素として安全な文字列に変換する。
// 区切り文字と制御文字を置換し、空や "." / ".." は "_" にする。
func SanitizeSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	if len(s) > maxSegmentBytes {
		s = truncateUTF8(s, maxSegmentBytes)
	}
	return s
}

// truncateUTF8 は文字境界を保ってnバイト以内に切り詰める。拡張子は残す。
func truncateUTF8(s string, n int) string {
	ext := path.Ext(s)
	if len(ext) > 16 {
		ext = ""
	}
	base := s[:len(s)-len(ext)]
	limit := n - len(ext)
	for limit > 0 && !utf8.RuneStart(base[limit]) {
		limit--
	}
	return base[:limit] + ext
}

// withSuffix は拡張子の前に接尾辞を付ける。
func withSuffix(p, suffix string) string {
	ext := path.Ext(p)
	return strings.TrimSuffix(p, ext) + "~" + suffix + ext
}

// dedupePaths は同じFullPathを持つアイテムを区別する。
// 衝突したアイテムはすべてRemoteIDを接尾辞に付ける。どのアイテムも素のパスを引き継がないため、
// 同名アイテムの増減で別アイテムの内容が同じキーに入れ替わることはない。
func dedupePaths(items []RemoteItem) {
	byPath := map[string][]int{}
	for i, it := range items {
		byPath[it.FullPath] = append(byPath[it.FullPath], i)
	}
	for _, idx := range byPath {
		if len(idx) < 2 {
			continue
		}
		for _, i := range idx {
			if items[i].RemoteID == "" {
				continue
			}
			items[i].FullPath = withSuffix(items[i].FullPath, SanitizeSegment(items[i].RemoteID))
		}
	}
}
