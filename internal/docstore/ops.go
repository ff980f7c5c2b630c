package docstore

import (
	"fmt"
	"reflect"
	"time"
)

type opKind int

const (
	opServerTimestamp opKind = iota + 1
	opArrayUnion
	opArrayRemove
	opArrayAppend
)

// FieldOp は書き込み時にストア側で解決されるフィールド操作。
// Set/Create/Add/Updateに渡すFieldsの値として使用する。
type FieldOp struct {
	kind   opKind
	values []any
}

// ServerTimestamp はストアの時計で書き込み時刻を設定する。
func ServerTimestamp() FieldOp {
	return FieldOp{kind: opServerTimestamp}
}

// ArrayUnion は配列に値を集合として追加する。既に含まれる値は追加しない。
func ArrayUnion(values ...any) FieldOp {
	return FieldOp{kind: opArrayUnion, values: values}
}

// ArrayRemove は配列から一致する値をすべて取り除く。
func ArrayRemove(values ...any) FieldOp {
	return FieldOp{kind: opArrayRemove, values: values}
}

// ArrayAppend は配列の末尾に値を追加する。重複も保持する。
// 同じドキュメントへの他の更新と競合しても追加は失われない。
func ArrayAppend(values ...any) FieldOp {
	return FieldOp{kind: opArrayAppend, values: values}
}

// ResolveNew は新規ドキュメントのフィールドを確定する。
// 配列操作は空配列に対して適用したものとして扱う。
func ResolveNew(fields Fields, now time.Time) (Fields, error) {
	return ApplyPatch(Fields{}, fields, now)
}

// ApplyPatch は現在のフィールドにpatchをマージした結果を返す。
// currentは変更しない。
func ApplyPatch(current Fields, patch Fields, now time.Time) (Fields, error) {
	plain := Fields{}
	ops := map[string]FieldOp{}
	for k, v := range patch {
		switch op := v.(type) {
		case FieldOp:
			ops[k] = op
		case *FieldOp:
			if op == nil {
				plain[k] = nil
				continue
			}
			ops[k] = *op
		default:
			plain[k] = v
		}
	}

	normalized, err := normalize(plain)
	if err != nil {
		return nil, err
	}

	result := cloneFields(current)
	if result == nil {
		result = Fields{}
	}
	for k, v := range normalized {
		result[k] = v
	}

	for k, op := range ops {
		v, err := applyOp(result[k], op, now)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		result[k] = v
	}
	return result, nil
}

func applyOp(existing any, op FieldOp, now time.Time) (any, error) {
	if op.kind == opServerTimestamp {
		return FormatTime(now), nil
	}

	values, err := normalizeValues(op.values)
	if err != nil {
		return nil, err
	}
	arr, _ := existing.([]any)
	out := make([]any, 0, len(arr)+len(values))
	out = append(out, arr...)

	switch op.kind {
	case opArrayUnion:
		for _, v := range values {
			if !containsValue(out, v) {
				out = append(out, v)
			}
		}
	case opArrayRemove:
		kept := out[:0]
		for _, e := range out {
			if !containsValue(values, e) {
				kept = append(kept, e)
			}
		}
		out = kept
	case opArrayAppend:
		out = append(out, values...)
	default:
		return nil, fmt.Errorf("unknown field operation %d", op.kind)
	}
	return out, nil
}

func normalizeValues(values []any) ([]any, error) {
	f, err := normalize(Fields{"v": values})
	if err != nil {
		return nil, err
	}
	out, _ := f["v"].([]any)
	return out, nil
}

func containsValue(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}
