// Package feed は投稿フィードの同期と投稿作成を提供する。
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/uscout/internal/docstore"
	"github.com/hitoshi/uscout/internal/mirror"
	"github.com/hitoshi/uscout/internal/model"
	"github.com/hitoshi/uscout/internal/session"
)

// feedQuery は全投稿を新しい順に並べるクエリ。
var feedQuery = docstore.NewQuery(model.CollectionPosts).Order("timestamp", docstore.Descending)

// Service はfootball_postsコレクションの同期と書き込みを行う。
type Service struct {
	store  docstore.Store
	state  *session.State
	logger *slog.Logger
	posts  *mirror.Collection[model.Post]
}

// NewService はServiceを生成する。
func NewService(store docstore.Store, state *session.State, logger *slog.Logger, recorder mirror.Recorder) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		state:  state,
		logger: logger,
		posts:  mirror.NewCollection("feed", store, feedQuery, DecodePost, logger, recorder),
	}
}

// DecodePost は投稿ドキュメントをPostに変換する。
func DecodePost(doc docstore.Document) (model.Post, error) {
	var p model.Post
	if err := doc.Decode(&p); err != nil {
		return model.Post{}, err
	}
	p.ID = doc.Key
	return p, nil
}

// SubmitPost は自分の投稿を作成し、生成されたIDを返す。
// 投稿者名・ポジション・クラブは投稿時点の自分のプロフィールから複製する。
// タイムスタンプはストアの時計で設定される。
func (s *Service) SubmitPost(ctx context.Context, body string) (string, error) {
	uid, err := s.state.RequireUser()
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(body)
	if content == "" {
		return "", model.NewEmptyInputError("投稿内容を入力してください。")
	}

	me := s.state.Profile()
	position, club := "", ""
	if me != nil {
		position, club = me.Position, me.Club
	}

	id, err := s.store.Add(ctx, model.CollectionPosts, docstore.Fields{
		"userId":    uid,
		"username":  me.DisplayName(),
		"position":  position,
		"club":      club,
		"content":   content,
		"timestamp": docstore.ServerTimestamp(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit post: %w", err)
	}

	s.logger.Info("post submitted",
		slog.String("user_id", uid),
		slog.String("post_id", id),
	)
	return id, nil
}

// SubscribeFeed は全投稿の購読を開始する。
func (s *Service) SubscribeFeed(onChange func(mirror.Snapshot[model.Post])) (stop func(), err error) {
	cancel := s.posts.Mirror().Subscribe(func(snap mirror.Snapshot[model.Post]) {
		if onChange != nil {
			onChange(snap)
		}
	})
	if err := s.posts.Start(); err != nil {
		cancel()
		return nil, err
	}
	return func() {
		s.posts.Stop()
		cancel()
	}, nil
}

// Posts は複製中の投稿を新しい順で返す。
func (s *Service) Posts() mirror.Snapshot[model.Post] {
	return s.posts.Mirror().Current()
}

// LoadPostsForAuthor はuidの投稿を新しい順に1回だけ読み込む。
func (s *Service) LoadPostsForAuthor(ctx context.Context, uid string) ([]model.Post, error) {
	return LoadPostsForAuthor(ctx, s.store, uid)
}

// LoadPostsForAuthor はUIコンテキストを持たない呼び出し元（HTTP API）向けの読み込み。
func LoadPostsForAuthor(ctx context.Context, store docstore.Store, uid string) ([]model.Post, error) {
	docs, err := store.Query(ctx, feedQuery.Where("userId", docstore.OpEqual, uid))
	if err != nil {
		return nil, fmt.Errorf("failed to load posts: %w", err)
	}
	posts := make([]model.Post, 0, len(docs))
	for _, d := range docs {
		p, err := DecodePost(d)
		if err != nil {
			slog.Warn("skipping undecodable post",
				slog.String("post_id", d.Key),
				slog.String("error", err.Error()),
			)
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}
