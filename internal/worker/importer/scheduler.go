// Package importer はハイライト取り込み元のバックグラウンド取り込みを提供する。
package importer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/uscout/internal/model"
)

// SourceImporter は取り込み元の列挙と1件分の取り込みを行う。
// highlight.Importerが実装する。
type SourceImporter interface {
	// DueSources は取り込み時刻を過ぎた有効な取り込み元を返す。
	DueSources(ctx context.Context) ([]*model.HighlightSource, error)
	// Import は取り込み元を1回取り込み、結果に応じて状態を更新する。
	Import(ctx context.Context, src *model.HighlightSource) error
}

// Scheduler は取り込みのスケジューリングと並列制御を行う。
// 同じ取り込み元が複数のワーカーで同時に処理されても、
// ハイライトのキーが決定的なため重複は作られない。
type Scheduler struct {
	importer       SourceImporter
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値5を使用する。
func NewScheduler(importer SourceImporter, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Scheduler{
		importer:       importer,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はinterval間隔でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("取り込みスケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("取り込みサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は取り込み対象を1回取得し、並列で取り込みを実行する。
// 個別の取り込み失敗はログに記録し、サイクル全体のエラーにはしない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	sources, err := s.importer.DueSources(ctx)
	if err != nil {
		return err
	}

	if len(sources) == 0 {
		s.logger.Info("取り込み対象の取り込み元はありません")
		return nil
	}

	s.logger.Info("取り込みサイクルを開始します",
		slog.Int("source_count", len(sources)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, src := range sources {
		wg.Add(1)
		sem <- struct{}{}

		go func(src *model.HighlightSource) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.importer.Import(ctx, src); err != nil {
				s.logger.Error("ハイライトの取り込みに失敗しました",
					slog.String("source_id", src.ID),
					slog.String("page_url", src.PageURL),
					slog.String("error", err.Error()),
				)
			}
		}(src)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("取り込みサイクルが完了しました",
		slog.Int("source_count", len(sources)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
