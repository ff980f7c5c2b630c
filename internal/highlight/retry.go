package highlight

import (
	"fmt"
	"time"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/model"
)

// importResult はHTTPステータスによる取り込み結果の分類。
type importResult int

const (
	resultOK importResult = iota
	resultNotModified
	resultStop
	resultBackoff
	resultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 30 * time.Minute
	// maxBackoff は指数バックオフの上限。
	maxBackoff = 12 * time.Hour
	// parseFailureThreshold はパース失敗で取り込みを停止する連続回数。
	parseFailureThreshold = 10
)

func classifyHTTPStatus(code int) importResult {
	switch {
	case code == 200:
		return resultOK
	case code == 304:
		return resultNotModified
	case code == 404 || code == 410 || code == 401 || code == 403:
		return resultStop
	case code == 429 || code >= 500:
		return resultBackoff
	default:
		return resultUnknown
	}
}

// calculateBackoff は初回30分から倍々に増え、12時間で頭打ちになる。
func calculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func applyStop(src *model.HighlightSource, reason string) {
	src.Status = model.SourceStatusStopped
	src.LastError = reason
}

func applyBackoff(src *model.HighlightSource, reason string, now time.Time) {
	src.ConsecutiveErrors++
	src.LastError = reason
	src.NextImportAt = now.Add(calculateBackoff(src.ConsecutiveErrors - 1))
}

func applySuccess(src *model.HighlightSource, interval time.Duration, now time.Time) {
	src.ConsecutiveErrors = 0
	src.LastError = ""
	src.NextImportAt = now.Add(interval)
}

func applyParseFailure(src *model.HighlightSource, reason string, now time.Time) {
	src.ConsecutiveErrors++
	src.LastError = fmt.Sprintf("パース失敗 (%d回連続): %s", src.ConsecutiveErrors, reason)
	src.NextImportAt = now.Add(calculateBackoff(src.ConsecutiveErrors - 1))
	if src.ConsecutiveErrors >= parseFailureThreshold {
		applyStop(src, fmt.Sprintf("パース失敗が%d回連続したため取り込みを停止しました: %s", src.ConsecutiveErrors, reason))
	}
}

// stateFields は取り込み状態をドキュメントのパッチに変換する。
func stateFields(src *model.HighlightSource) docstore.Fields {
	return docstore.Fields{
		"feedUrl":           src.FeedURL,
		"status":            string(src.Status),
		"etag":              src.ETag,
		"lastModified":      src.LastModified,
		"consecutiveErrors": src.ConsecutiveErrors,
		"lastError":         src.LastError,
		"nextImportAt":      src.NextImportAt,
	}
}
