package profile

import (
	"context"
	"fmt"

	"github.com/hitoshi/uscout/internal/model"
)

// PostLoader は投稿者ごとの投稿を1回だけ読み込む。
type PostLoader interface {
	LoadPostsForAuthor(ctx context.Context, uid string) ([]model.Post, error)
}

// HighlightLoader は投稿者ごとのハイライトを1回だけ読み込む。
type HighlightLoader interface {
	LoadForAuthor(ctx context.Context, uid string) ([]model.Highlight, error)
}

// ProfileReader はプロフィールを1回だけ読み込む。
type ProfileReader interface {
	GetProfile(ctx context.Context, uid string) (*model.UserProfile, error)
}

// View は公開プロフィール画面の内容。
type View struct {
	Profile        *model.UserProfile `json:"profile"`
	Posts          []model.Post       `json:"posts"`
	Highlights     []model.Highlight  `json:"highlights"`
	FollowerCount  int                `json:"followerCount"`
	FollowingCount int                `json:"followingCount"`
	IsSelf         bool               `json:"isSelf"`
	IsFollowing    bool               `json:"isFollowing"`
}

// Viewer はプロフィール、投稿、ハイライトをまとめて読み込む。
type Viewer struct {
	profiles   ProfileReader
	posts      PostLoader
	highlights HighlightLoader
}

// NewViewer はViewerを生成する。
func NewViewer(profiles ProfileReader, posts PostLoader, highlights HighlightLoader) *Viewer {
	return &Viewer{profiles: profiles, posts: posts, highlights: highlights}
}

// View はuidのプロフィール画面を組み立てる。viewerIDは閲覧者（未認証なら空文字列）。
func (v *Viewer) View(ctx context.Context, viewerID, uid string) (*View, error) {
	p, err := v.profiles.GetProfile(ctx, uid)
	if err != nil {
		return nil, err
	}

	posts, err := v.posts.LoadPostsForAuthor(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load posts: %w", err)
	}
	highlights, err := v.highlights.LoadForAuthor(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to load highlights: %w", err)
	}

	isFollowing := false
	for _, f := range p.Followers {
		if f == viewerID {
			isFollowing = true
			break
		}
	}

	return &View{
		Profile:        p,
		Posts:          posts,
		Highlights:     highlights,
		FollowerCount:  len(p.Followers),
		FollowingCount: len(p.Following),
		IsSelf:         viewerID != "" && viewerID == uid,
		IsFollowing:    viewerID != "" && isFollowing,
	}, nil
}
