// Package highlight は動画ハイライトの同期・投稿・分類・自動取り込みを提供する。
package highlight

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/session"
)

// TimestampSource はハイライトの作成時刻をどちらの時計で付けるか。
type TimestampSource string

const (
	// TimestampClient は投稿したプロセスの壁時計を使う。
	// クライアント間の時計のずれがそのまま並び順に出る。
	TimestampClient TimestampSource = "client"
	// TimestampServer はストアの時計を使う。
	TimestampServer TimestampSource = "server"
)

// highlightQuery は全ハイライトを新しい順に並べるクエリ。
var highlightQuery = docstore.NewQuery(model.CollectionHighlights).Order("timestamp", docstore.Descending)

// URLValidator は取り込み元URLの事前検証。security.SSRFGuardServiceが満たす。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// ServiceConfig はServiceの設定。
type ServiceConfig struct {
	TimestampSource TimestampSource
	// Now はクライアント時計。nilの場合はtime.Now。
	Now func() time.Time
}

// Service はfootball_highlightsコレクションの同期と書き込みを行う。
type Service struct {
	store     docstore.Store
	state     *session.State
	validator URLValidator
	config    ServiceConfig
	logger    *slog.Logger
	items     *mirror.Collection[model.Highlight]
}

// NewService はServiceを生成する。validatorがnilの場合、取り込み元URLは形式のみ検証する。
func NewService(
	store docstore.Store,
	state *session.State,
	validator URLValidator,
	config ServiceConfig,
	logger *slog.Logger,
	recorder mirror.Recorder,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.TimestampSource == "" {
		config.TimestampSource = TimestampClient
	}
	return &Service{
		store:     store,
		state:     state,
		validator: validator,
		config:    config,
		logger:    logger,
		items:     mirror.NewCollection("highlights", store, highlightQuery, DecodeHighlight, logger, recorder),
	}
}

// DecodeHighlight はハイライトドキュメントをHighlightに変換する。
func DecodeHighlight(doc docstore.Document) (model.Highlight, error) {
	var h model.Highlight
	if err := doc.Decode(&h); err != nil {
		return model.Highlight{}, err
	}
	h.ID = doc.Key
	return h, nil
}

// Submit は動画リンクをハイライトとして投稿し、生成されたIDを返す。
func (s *Service) Submit(ctx context.Context, videoURL, title string) (string, error) {
	uid, err := s.state.RequireUser()
	if err != nil {
		return "", err
	}
	videoURL = strings.TrimSpace(videoURL)
	if videoURL == "" {
		return "", model.NewEmptyInputError("有効な動画リンクを貼り付けてください。")
	}
	if err := checkHTTPURL(videoURL); err != nil {
		return "", err
	}

	var ts any = docstore.ServerTimestamp()
	if s.config.TimestampSource == TimestampClient {
		ts = s.config.Now().UTC()
	}

	id, err := s.store.Add(ctx, model.CollectionHighlights, docstore.Fields{
		"userId":    uid,
		"videoUrl":  videoURL,
		"title":     strings.TrimSpace(title),
		"timestamp": ts,
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit highlight: %w", err)
	}

	s.logger.Info("highlight submitted",
		slog.String("user_id", uid),
		slog.String("highlight_id", id),
		slog.String("kind", string(Classify(videoURL).Kind)),
	)
	return id, nil
}

// AddSource は自動取り込みするチャンネルのページURLまたはフィードURLを登録する。
// フィードURLの検出は取り込みワーカーが行う。
func (s *Service) AddSource(ctx context.Context, pageURL string) (string, error) {
	uid, err := s.state.RequireUser()
	if err != nil {
		return "", err
	}
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return "", model.NewEmptyInputError("チャンネルのURLを入力してください。")
	}
	if err := checkHTTPURL(pageURL); err != nil {
		return "", err
	}
	if s.validator != nil {
		if err := s.validator.ValidateURL(pageURL); err != nil {
			return "", model.NewSSRFBlockedError()
		}
	}

	id, err := s.store.Add(ctx, model.CollectionHighlightSources, docstore.Fields{
		"userId":            uid,
		"pageUrl":           pageURL,
		"feedUrl":           "",
		"status":            string(model.SourceStatusActive),
		"consecutiveErrors": 0,
		"nextImportAt":      docstore.ServerTimestamp(),
		"createdAt":         docstore.ServerTimestamp(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to add highlight source: %w", err)
	}

	s.logger.Info("highlight source added",
		slog.String("user_id", uid),
		slog.String("source_id", id),
		slog.String("page_url", pageURL),
	)
	return id, nil
}

// Subscribe は全ハイライトの購読を開始する。
func (s *Service) Subscribe(onChange func(mirror.Snapshot[model.Highlight])) (stop func(), err error) {
	cancel := s.items.Mirror().Subscribe(func(snap mirror.Snapshot[model.Highlight]) {
		if onChange != nil {
			onChange(snap)
		}
	})
	if err := s.items.Start(); err != nil {
		cancel()
		return nil, err
	}
	return func() {
		s.items.Stop()
		cancel()
	}, nil
}

// Highlights は複製中のハイライトを新しい順で返す。
func (s *Service) Highlights() mirror.Snapshot[model.Highlight] {
	return s.items.Mirror().Current()
}

// LoadForAuthor はuidのハイライトを新しい順に1回だけ読み込む。
func (s *Service) LoadForAuthor(ctx context.Context, uid string) ([]model.Highlight, error) {
	return LoadForAuthor(ctx, s.store, uid)
}

// LoadForAuthor はUIコンテキストを持たない呼び出し元向けの読み込み。
func LoadForAuthor(ctx context.Context, store docstore.Store, uid string) ([]model.Highlight, error) {
	docs, err := store.Query(ctx, highlightQuery.Where("userId", docstore.OpEqual, uid))
	if err != nil {
		return nil, fmt.Errorf("failed to load highlights: %w", err)
	}
	items := make([]model.Highlight, 0, len(docs))
	for _, d := range docs {
		h, err := DecodeHighlight(d)
		if err != nil {
			slog.Warn("skipping undecodable highlight",
				slog.String("highlight_id", d.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		items = append(items, h)
	}
	return items, nil
}

// checkHTTPURL はURLがホストを持つhttp(s)のURLであることを確認する。
func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return model.NewInvalidURLError("http または https のURLを指定してください")
	}
	if u.Host == "" {
		return model.NewInvalidURLError("ホスト名がありません")
	}
	return nil
}
