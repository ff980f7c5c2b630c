package docstore

import (
	"reflect"
	"sort"
	"strings"
)

// Operator はクエリのフィルタ演算子。
type Operator string

const (
	// OpEqual はフィールド値の完全一致。
	OpEqual Operator = "=="
	// OpArrayContains は配列フィールドが値を含むこと。
	OpArrayContains Operator = "array-contains"
)

// Direction は並び順の方向。
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// Filter はクエリの絞り込み条件。
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Query はコレクションに対する絞り込みと並び順の指定。
// 並び替えフィールドを持たないドキュメントは結果から除外される。
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Direction  Direction
}

// NewQuery はコレクション全体を対象とするクエリを返す。
func NewQuery(collection string) Query {
	return Query{Collection: collection}
}

// Where はフィルタを追加したクエリを返す。
func (q Query) Where(field string, op Operator, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Order は並び順を指定したクエリを返す。
func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = field
	q.Direction = dir
	return q
}

// Apply はドキュメント列にフィルタと並び順を適用する。
// 同順位はキーの昇順で並べる。
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Collection != "" && d.Collection != q.Collection {
			continue
		}
		if !q.matches(d) {
			continue
		}
		if q.OrderBy != "" && !d.Has(q.OrderBy) {
			continue
		}
		out = append(out, d)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if c != 0 {
				if q.Direction == Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (q Query) matches(d Document) bool {
	for _, f := range q.Filters {
		want := canonicalFilterValue(f.Value)
		got := d.Fields[f.Field]
		switch f.Op {
		case OpEqual:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case OpArrayContains:
			arr, ok := got.([]any)
			if !ok || !containsValue(arr, want) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func canonicalFilterValue(v any) any {
	f, err := normalize(Fields{"v": v})
	if err != nil {
		return v
	}
	return f["v"]
}

// compareValues は並び替え用に2つのフィールド値を比較する。
// 型が異なる場合は null < bool < number < string < その他 の順とする。
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	default:
		return 0
	}
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}
