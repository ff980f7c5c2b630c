package highlight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"lukechampine.com/blake3"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/model"
)

// SafeFetcher はSSRF対策付きHTTPクライアントの生成と事前検証。
type SafeFetcher interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer はHTMLを除去してプレーンテキストにする。
type TextSanitizer interface {
	Text(raw string) string
}

// ImportRecorder は取り込み結果を記録する。metrics.Collectorが満たす。
type ImportRecorder interface {
	RecordImportSuccess(sourceID string)
	RecordImportFailure(sourceID string, reason string)
	RecordParseFailure(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordImportLatency(duration time.Duration)
	RecordHighlightsImported(count int)
}

// ImporterConfig はImporterの設定。
type ImporterConfig struct {
	Timeout     time.Duration
	MaxBodySize int64
	// Interval は取り込み成功後、次に取り込むまでの間隔。
	Interval time.Duration
}

// Importer は登録されたチャンネルのRSS/Atomから動画リンクをハイライトとして取り込む。
// ハイライトのキーは取り込み元とリンクから決まるため、同じ項目を何度取り込んでも1件になる。
type Importer struct {
	store     docstore.Store
	fetcher   SafeFetcher
	sanitizer TextSanitizer
	recorder  ImportRecorder
	logger    *slog.Logger
	config    ImporterConfig
	now       func() time.Time
}

// NewImporter はImporterを生成する。recorderはnilでもよい。
func NewImporter(
	store docstore.Store,
	fetcher SafeFetcher,
	sanitizer TextSanitizer,
	recorder ImportRecorder,
	logger *slog.Logger,
	config ImporterConfig,
) *Importer {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 5 * 1024 * 1024
	}
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Importer{
		store:     store,
		fetcher:   fetcher,
		sanitizer: sanitizer,
		recorder:  recorder,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
}

// DueSources は取り込み時刻を過ぎた有効な取り込み元を返す。
func (im *Importer) DueSources(ctx context.Context) ([]*model.HighlightSource, error) {
	q := docstore.NewQuery(model.CollectionHighlightSources).
		Where("status", docstore.OpEqual, string(model.SourceStatusActive)).
		Order("nextImportAt", docstore.Ascending)
	docs, err := im.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list highlight sources: %w", err)
	}

	now := im.now()
	var due []*model.HighlightSource
	for _, d := range docs {
		var src model.HighlightSource
		if err := d.Decode(&src); err != nil {
			im.logger.Warn("取り込み元をデコードできません",
				slog.String("source_id", d.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		src.ID = d.Key
		if src.NextImportAt.After(now) {
			break
		}
		due = append(due, &src)
	}
	return due, nil
}

// Import は1つの取り込み元をフェッチしてハイライトを作成し、取り込み状態を保存する。
func (im *Importer) Import(ctx context.Context, src *model.HighlightSource) error {
	start := time.Now()
	target := src.FeedURL
	if target == "" {
		target = src.PageURL
	}

	if err := im.fetcher.ValidateURL(target); err != nil {
		im.logger.Error("SSRF検証に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("url", target),
			slog.String("error", err.Error()),
		)
		applyStop(src, fmt.Sprintf("SSRF検証失敗: %s", err.Error()))
		im.saveState(ctx, src)
		im.recordFailure(src.ID, "ssrf")
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := im.fetcher.NewSafeClient(im.config.Timeout, im.config.MaxBodySize)
	resp, err := im.get(ctx, client, target, src)
	if err != nil {
		applyBackoff(src, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()), im.now())
		im.saveState(ctx, src)
		im.recordFailure(src.ID, "request")
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}

	if im.recorder != nil {
		im.recorder.RecordHTTPStatus(resp.status)
		im.recorder.RecordImportLatency(time.Since(start))
	}

	switch classifyHTTPStatus(resp.status) {
	case resultOK:
	case resultNotModified:
		applySuccess(src, im.config.Interval, im.now())
		return im.saveState(ctx, src)
	case resultStop:
		reason := fmt.Sprintf("HTTPステータス %d により取り込みを停止しました", resp.status)
		im.logger.Warn("取り込みを停止します",
			slog.String("source_id", src.ID),
			slog.Int("http_status", resp.status),
		)
		applyStop(src, reason)
		im.recordFailure(src.ID, "stopped")
		return im.saveState(ctx, src)
	default:
		applyBackoff(src, fmt.Sprintf("HTTPステータス %d によりバックオフを適用しました", resp.status), im.now())
		im.recordFailure(src.ID, "backoff")
		return im.saveState(ctx, src)
	}

	if src.FeedURL == "" {
		if resp, err = im.resolveFeed(ctx, client, src, resp); err != nil {
			applyStop(src, err.Error())
			im.saveState(ctx, src)
			im.recordFailure(src.ID, "not_detected")
			return err
		}
	}

	parsed, err := gofeed.NewParser().ParseString(string(resp.body))
	if err != nil {
		im.logger.Error("フィードのパースに失敗しました",
			slog.String("source_id", src.ID),
			slog.String("feed_url", src.FeedURL),
			slog.String("error", err.Error()),
		)
		applyParseFailure(src, err.Error(), im.now())
		if im.recorder != nil {
			im.recorder.RecordParseFailure(src.ID)
		}
		return im.saveState(ctx, src)
	}

	if resp.etag != "" {
		src.ETag = resp.etag
	}
	if resp.lastModified != "" {
		src.LastModified = resp.lastModified
	}

	created := 0
	for _, item := range parsed.Items {
		ok, err := im.createHighlight(ctx, src, item)
		if err != nil {
			applyBackoff(src, fmt.Sprintf("ハイライト作成失敗: %s", err.Error()), im.now())
			im.saveState(ctx, src)
			im.recordFailure(src.ID, "store")
			return fmt.Errorf("failed to create imported highlight: %w", err)
		}
		if ok {
			created++
		}
	}

	applySuccess(src, im.config.Interval, im.now())
	if err := im.saveState(ctx, src); err != nil {
		return err
	}
	if im.recorder != nil {
		im.recorder.RecordImportSuccess(src.ID)
		im.recorder.RecordHighlightsImported(created)
	}

	im.logger.Info("ハイライトの取り込みが完了しました",
		slog.String("source_id", src.ID),
		slog.String("feed_url", src.FeedURL),
		slog.Int("items_total", len(parsed.Items)),
		slog.Int("highlights_created", created),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// fetched は読み込み済みのレスポンス。
type fetched struct {
	status       int
	contentType  string
	etag         string
	lastModified string
	body         []byte
}

func (im *Importer) get(ctx context.Context, client *http.Client, rawURL string, src *model.HighlightSource) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "UScout/1.0 Highlight Importer")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")
	if src.FeedURL != "" && rawURL == src.FeedURL {
		if src.ETag != "" {
			req.Header.Set("If-None-Match", src.ETag)
		}
		if src.LastModified != "" {
			req.Header.Set("If-Modified-Since", src.LastModified)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, im.config.MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return &fetched{
		status:       resp.StatusCode,
		contentType:  resp.Header.Get("Content-Type"),
		etag:         resp.Header.Get("ETag"),
		lastModified: resp.Header.Get("Last-Modified"),
		body:         body,
	}, nil
}

// resolveFeed はページURLのレスポンスからフィードを特定し、フィード本体のレスポンスを返す。
// 見つかったフィードURLはsrc.FeedURLに記録する。
func (im *Importer) resolveFeed(ctx context.Context, client *http.Client, src *model.HighlightSource, page *fetched) (*fetched, error) {
	if looksLikeFeed(page.contentType, page.body) {
		src.FeedURL = src.PageURL
		return page, nil
	}
	if !isHTML(page.contentType) {
		return nil, model.NewFeedNotDetectedError(src.PageURL)
	}
	link, ok := pickFeedLink(findFeedLinks(page.body, src.PageURL), src.PageURL)
	if !ok {
		return nil, model.NewFeedNotDetectedError(src.PageURL)
	}
	if err := im.fetcher.ValidateURL(link.URL); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	src.FeedURL = link.URL
	im.logger.Info("フィードURLを検出しました",
		slog.String("source_id", src.ID),
		slog.String("page_url", src.PageURL),
		slog.String("feed_url", link.URL),
	)

	resp, err := im.get(ctx, client, link.URL, &model.HighlightSource{})
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	if resp.status != http.StatusOK {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.status))
	}
	return resp, nil
}

// createHighlight は項目のリンクをハイライトとして作成する。既に取り込み済みならfalse。
func (im *Importer) createHighlight(ctx context.Context, src *model.HighlightSource, item *gofeed.Item) (bool, error) {
	if item == nil {
		return false, nil
	}
	link := item.Link
	if link == "" && (strings.HasPrefix(item.GUID, "http://") || strings.HasPrefix(item.GUID, "https://")) {
		link = item.GUID
	}
	if link == "" || checkHTTPURL(link) != nil {
		return false, nil
	}

	title := strings.TrimSpace(item.Title)
	if im.sanitizer != nil {
		title = im.sanitizer.Text(title)
	}

	ts := im.now().UTC()
	if item.PublishedParsed != nil {
		ts = item.PublishedParsed.UTC()
	} else if item.UpdatedParsed != nil {
		ts = item.UpdatedParsed.UTC()
	}

	return im.store.Create(ctx, model.CollectionHighlights, ImportKey(src.ID, link), docstore.Fields{
		"userId":    src.UserID,
		"videoUrl":  link,
		"title":     title,
		"timestamp": ts,
		"sourceId":  src.ID,
	})
}

// ImportKey は取り込み元とリンクから決まるハイライトのキー。
func ImportKey(sourceID, link string) string {
	return fmt.Sprintf("imp_%x", blake3.Sum256([]byte(sourceID+"\n"+link)))
}

func (im *Importer) saveState(ctx context.Context, src *model.HighlightSource) error {
	err := im.store.Update(ctx, model.CollectionHighlightSources, src.ID, stateFields(src))
	if err != nil && !errors.Is(err, context.Canceled) {
		im.logger.Error("取り込み状態の更新に失敗しました",
			slog.String("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}
	return err
}

func (im *Importer) recordFailure(sourceID, reason string) {
	if im.recorder != nil {
		im.recorder.RecordImportFailure(sourceID, reason)
	}
}
