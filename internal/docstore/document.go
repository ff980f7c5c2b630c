// Package docstore はコレクション/ドキュメント型のデータストアの契約を定義する。
//
// 同期エンジンはこのパッケージのStoreインターフェースのみに依存し、
// PostgreSQL実装（repositoryパッケージ）とインメモリ実装（MemoryStore）を差し替えられる。
package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat はドキュメント内に保存する時刻の書式。
// 固定長のUTC表記のため、文字列の辞書順が時刻順と一致する。
const TimeFormat = "2006-01-02T15:04:05.000000000Z"

// Fields はドキュメントのフィールド集合。
// 値はJSONで表現できる型（string, float64, bool, []any, map[string]any, nil）に正規化される。
type Fields map[string]any

// Document はストアから読み出したドキュメント。
type Document struct {
	Collection string
	Key        string
	Fields     Fields
	CreateTime time.Time
	UpdateTime time.Time
}

// FormatTime は時刻をドキュメント保存用の文字列に変換する。
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime はドキュメント内の時刻文字列を解析する。
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// Has はフィールドが存在するかどうかを返す。
func (d *Document) Has(field string) bool {
	_, ok := d.Fields[field]
	return ok
}

// String は文字列フィールドを返す。存在しないか型が異なる場合は空文字列を返す。
func (d *Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Strings は文字列配列フィールドを返す。
func (d *Document) Strings(field string) []string {
	raw, ok := d.Fields[field].([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Time は時刻フィールドを返す。存在しないか解析できない場合はゼロ値を返す。
func (d *Document) Time(field string) time.Time {
	t, err := ParseTime(d.String(field))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Decode はフィールドをJSONタグ付きの構造体に詰め替える。
func (d *Document) Decode(dst any) error {
	b, err := json.Marshal(d.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode document %s/%s: %w", d.Collection, d.Key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode document %s/%s: %w", d.Collection, d.Key, err)
	}
	return nil
}

// Clone はドキュメントの深いコピーを返す。
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = cloneFields(d.Fields)
	return &c
}

// normalize はフィールド値をJSON表現可能な型に揃える。
// time.TimeはTimeFormatの文字列に変換される。
func normalize(fields Fields) (Fields, error) {
	canon := make(map[string]any, len(fields))
	for k, v := range fields {
		canon[k] = canonicalTime(v)
	}
	b, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("unsupported field value: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize fields: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}

func canonicalTime(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = canonicalTime(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = canonicalTime(e)
		}
		return s
	default:
		return v
	}
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Fields:
		return cloneFields(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
